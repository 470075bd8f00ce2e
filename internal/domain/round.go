package domain

import (
	"fmt"
	"strings"
	"time"
)

// ResponseType tells whether an answer replies to the round question or to a follow-up.
type ResponseType string

const (
	ResponseInitial  ResponseType = "initial"
	ResponseFollowup ResponseType = "followup"
)

// ParseResponseType validates a raw response type value.
func ParseResponseType(raw string) (ResponseType, error) {
	switch ResponseType(strings.ToLower(strings.TrimSpace(raw))) {
	case ResponseInitial:
		return ResponseInitial, nil
	case ResponseFollowup:
		return ResponseFollowup, nil
	default:
		return "", NewValidationError("response.type", fmt.Sprintf("unknown response type %q", raw))
	}
}

// StrategyKind is the follow-up intent chosen for a turn.
type StrategyKind string

const (
	StrategyDepth         StrategyKind = "depth_focused"
	StrategyBreadth       StrategyKind = "breadth_focused"
	StrategyClarification StrategyKind = "clarification"
	StrategyChallenge     StrategyKind = "challenge"
)

// StopReason explains why follow-ups ceased for a round.
type StopReason string

const (
	StopMaxReached            StopReason = "max_reached"
	StopSufficientSkill       StopReason = "sufficient_skill"
	StopNoKnowledge           StopReason = "no_knowledge"
	StopPerformanceDrop       StopReason = "performance_drop"
	StopHighConfidenceSuccess StopReason = "high_confidence_success"
	StopHighConfidenceFailure StopReason = "high_confidence_failure"
	StopPartialContinue       StopReason = "partial_continue"
)

// Decision sources.
const (
	DecisionSourceRule    = "rule"
	DecisionSourceModel   = "model"
	DecisionSourceDefault = "default"
	// DecisionSourceReviewer marks decisions forced by an expert reviewer.
	DecisionSourceReviewer = "reviewer"
)

// StopDecision is the continuation verdict after a response.
type StopDecision struct {
	Continue   bool       `json:"continue"`
	Reason     StopReason `json:"reason"`
	Confidence float64    `json:"confidence"`
	Source     string     `json:"source,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

// SubScores are the rule-based measurements of a single answer.
type SubScores struct {
	Completeness       float64 `json:"completeness"`
	Depth              float64 `json:"depth"`
	Clarity            float64 `json:"clarity"`
	TechnicalAccuracy  float64 `json:"technical_accuracy"`
	KeywordCoverage    float64 `json:"keyword_coverage"`
	FactualCorrectness float64 `json:"factual_correctness"`
}

// Qualitative is a short judgment of an answer, either generated or rule-derived.
type Qualitative struct {
	Score        float64  `json:"score"`
	Reasoning    string   `json:"reasoning"`
	Strengths    []string `json:"strengths,omitempty"`
	Improvements []string `json:"improvements,omitempty"`
	IsFallback   bool     `json:"is_fallback"`
}

// Evaluation is the scoring result attached to a response.
type Evaluation struct {
	SubScores       SubScores    `json:"sub_scores"`
	RuleScore       float64      `json:"rule_score"`
	Overall         float64      `json:"overall"`
	MissingKeywords []string     `json:"missing_keywords,omitempty"`
	Qualitative     *Qualitative `json:"qualitative,omitempty"`
}

// Response is one recorded answer.
type Response struct {
	Type       ResponseType `json:"type"`
	Text       string       `json:"text"`
	Timestamp  time.Time    `json:"timestamp"`
	RoundIndex int          `json:"round_index"`
	Evaluation *Evaluation  `json:"evaluation,omitempty"`
}

// Review paths for a follow-up.
const (
	ReviewAuto     = "auto"
	ReviewApprove  = "approve"
	ReviewEdit     = "edit"
	ReviewOverride = "override"
)

// FollowUp is a probing question asked inside a round.
type FollowUp struct {
	Text     string       `json:"text"`
	Strategy StrategyKind `json:"strategy"`
	Review   string       `json:"review"`
	AskedAt  time.Time    `json:"asked_at"`
}

// RoundState is the continuation state of a round.
type RoundState string

const (
	RoundProbing RoundState = "probing"
	RoundStopped RoundState = "stopped"
)

// Round is one question and every response given to it.
type Round struct {
	Index           int         `json:"index"`
	Question        Question    `json:"question"`
	Responses       []Response  `json:"responses"`
	ScoreTrend      []float64   `json:"score_trend"`
	FollowupHistory []FollowUp  `json:"followup_history"`
	State           RoundState  `json:"state"`
	StopReason      *StopReason `json:"stop_reason,omitempty"`
	StopConfidence  float64     `json:"stop_confidence,omitempty"`
	ReadyToClose    bool        `json:"ready_to_close"`
	InitialScore    float64     `json:"initial_score"`
	FinalScore      float64     `json:"final_score"`
	Improvement     float64     `json:"improvement"`
	StartedAt       time.Time   `json:"started_at"`
	ClosedAt        *time.Time  `json:"closed_at,omitempty"`
}

// NewRound opens a round for the question.
func NewRound(index int, q Question, now time.Time) *Round {
	return &Round{
		Index:     index,
		Question:  q,
		State:     RoundProbing,
		StartedAt: now,
	}
}

// Record appends a scored response. Responses and scores are kept in arrival order.
func (r *Round) Record(resp Response) {
	resp.RoundIndex = r.Index
	r.Responses = append(r.Responses, resp)

	score := 0.0
	if resp.Evaluation != nil {
		score = resp.Evaluation.Overall
	}
	r.ScoreTrend = append(r.ScoreTrend, score)
}

// FollowupCount returns the number of follow-ups asked so far.
func (r *Round) FollowupCount() int {
	return len(r.FollowupHistory)
}

// AddFollowUp appends a follow-up unless the budget is exhausted.
func (r *Round) AddFollowUp(f FollowUp, limit int) bool {
	if len(r.FollowupHistory) >= limit {
		return false
	}
	r.FollowupHistory = append(r.FollowupHistory, f)
	return true
}

// Average returns the mean of the score trend.
func (r *Round) Average() float64 {
	return Mean(r.ScoreTrend)
}

// Stop moves the round to the stopped state. The stop reason is only kept
// when at least one follow-up was attempted.
func (r *Round) Stop(decision StopDecision) {
	r.State = RoundStopped
	r.ReadyToClose = true
	if len(r.FollowupHistory) == 0 {
		r.StopReason = nil
		r.StopConfidence = 0
		return
	}
	reason := decision.Reason
	r.StopReason = &reason
	r.StopConfidence = decision.Confidence
}

// Close snapshots the initial and final scores.
func (r *Round) Close(now time.Time) {
	if len(r.ScoreTrend) > 0 {
		r.InitialScore = r.ScoreTrend[0]
		r.FinalScore = r.ScoreTrend[len(r.ScoreTrend)-1]
		r.Improvement = r.FinalScore - r.InitialScore
	}
	r.State = RoundStopped
	r.ReadyToClose = false
	r.ClosedAt = &now
}

// LastEvaluation returns the evaluation of the latest response, if any.
func (r *Round) LastEvaluation() *Evaluation {
	if len(r.Responses) == 0 {
		return nil
	}
	return r.Responses[len(r.Responses)-1].Evaluation
}

// Mean returns the arithmetic mean of values, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
