// Package interview drives an interview session through its phases: the
// introduction sequence, technical rounds with adaptive follow-ups and the
// closing summary.
package interview

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/logger"
	"github.com/spigell/hh-interviewer/internal/metrics"
	"github.com/spigell/hh-interviewer/internal/pipeline"
	"github.com/spigell/hh-interviewer/internal/questionbank"
	"github.com/spigell/hh-interviewer/internal/store"
	"github.com/spigell/hh-interviewer/internal/strategy"
	"github.com/spigell/hh-interviewer/internal/utils"
)

// ActionKind tells the caller what the interviewer says next.
type ActionKind string

const (
	ActionGreeting         ActionKind = "greeting"
	ActionSelfIntroduction ActionKind = "self_introduction"
	ActionRequestIntro     ActionKind = "request_introduction"
	ActionAcknowledge      ActionKind = "acknowledge"
	ActionQuestion         ActionKind = "question"
	ActionFollowUp         ActionKind = "follow_up"
	ActionRoundComplete    ActionKind = "round_complete"
	ActionRetry            ActionKind = "retry"
	ActionFarewell         ActionKind = "farewell"
)

// Action is an interviewer utterance.
type Action struct {
	Kind       ActionKind
	Phase      domain.Phase
	Text       string
	Question   *domain.Question
	RoundIndex int
}

// Turn is the outcome of a candidate response.
type Turn struct {
	Status       pipeline.Status
	Action       *Action
	Evaluation   *domain.Evaluation
	Decision     domain.StopDecision
	Pending      *domain.PendingAction
	RejectReason string
	Degraded     bool
}

// Progress is a snapshot of how far the interview got.
type Progress struct {
	Phase              domain.Phase
	RoundsCompleted    int
	TotalRounds        int
	Percentage         float64
	FollowupCount      int
	MaxFollowups       int
	LastStopReason     *domain.StopReason
	LastStopConfidence float64
}

// Turner runs the evaluation pipeline for one answer.
type Turner interface {
	Run(ctx context.Context, tc *pipeline.TurnContext) (*pipeline.Result, error)
}

// QuestionSource provides bank questions.
type QuestionSource interface {
	Select(f questionbank.Filters) *domain.Question
	FindSeed(level string, skills []string, category, difficulty string) *domain.Question
	All() []domain.Question
}

// Personalizer builds a question from the candidate's introduction.
type Personalizer interface {
	Personalize(ctx context.Context, profile questionbank.Profile) (*domain.Question, error)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Pipeline     Turner
	Bank         QuestionSource
	Personalizer Personalizer
	Store        store.SessionStore
	Audit        store.AuditSink
	Logger       *zap.Logger
	Now          func() time.Time

	// InterviewerName is used in the self introduction.
	InterviewerName string
}

func (d *Deps) normalize() error {
	if d.Pipeline == nil {
		return fmt.Errorf("interview: pipeline is required")
	}
	if d.Bank == nil {
		return fmt.Errorf("interview: question bank is required")
	}
	if d.Store == nil {
		d.Store = store.NewMemory()
	}
	if d.Audit == nil {
		d.Audit = store.Fanout{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.InterviewerName == "" {
		d.InterviewerName = "Alex"
	}
	return nil
}

// Machine is the conversation state machine of one session. It is not safe
// for concurrent use; Registry.Do serializes access.
type Machine struct {
	session *domain.Session
	deps    *Deps
}

// Session returns the live session state. Callers must not modify it.
func (m *Machine) Session() *domain.Session {
	return m.session
}

// ID returns the session id.
func (m *Machine) ID() string {
	return m.session.ID
}

func (m *Machine) log() *zap.Logger {
	round := -1
	if m.session.Current != nil {
		round = m.session.Current.Index
	}
	return logger.WithSession(m.deps.Logger, m.session.ID, string(m.session.Phase), round)
}

// Start emits the greeting.
func (m *Machine) Start(ctx context.Context) (*Action, error) {
	s := m.session
	if s.Phase != domain.PhaseGreeting {
		return nil, domain.NewStateError("start", s.Phase, "interview already started")
	}

	text := "Hello and welcome! Thank you for taking the time to talk with us today."
	s.AddMessage(domain.RoleInterviewer, text, m.deps.Now())
	m.setPhase(ctx, domain.PhaseSelfIntroduction)
	if err := m.save(ctx); err != nil {
		return nil, err
	}
	return &Action{Kind: ActionGreeting, Phase: domain.PhaseGreeting, Text: text}, nil
}

// NextQuestion returns the next interviewer action. During the introduction
// it walks the fixed intro sequence; afterwards it opens a new round. It
// returns nil once the interview is complete.
func (m *Machine) NextQuestion(ctx context.Context) (*Action, error) {
	s := m.session

	switch s.Phase {
	case domain.PhaseGreeting:
		return m.Start(ctx)
	case domain.PhaseSelfIntroduction:
		return m.selfIntroduction(ctx)
	case domain.PhaseCandidateIntroduction:
		if !s.IntroRequested {
			return m.requestIntroduction(ctx)
		}
	case domain.PhaseClosure:
		return m.farewell(ctx)
	case domain.PhaseComplete:
		return nil, nil
	}

	if s.Pending != nil {
		return nil, domain.NewStateError("next_question", s.Phase, "awaiting reviewer decision")
	}
	if s.Current != nil {
		return nil, domain.NewStateError("next_question", s.Phase, "current round is not complete")
	}
	if m.IsComplete() {
		m.setPhase(ctx, domain.PhaseClosure)
		if err := m.save(ctx); err != nil {
			return nil, err
		}
		return m.farewell(ctx)
	}

	q := m.pickQuestion(ctx)
	if q == nil {
		m.log().Info("question bank exhausted", zap.Int("rounds_completed", s.RoundsCompleted()))
		m.setPhase(ctx, domain.PhaseClosure)
		return nil, m.save(ctx)
	}

	now := m.deps.Now()
	round := domain.NewRound(len(s.Rounds), *q, now)
	s.Current = round
	s.AskedQuestionIDs = append(s.AskedQuestionIDs, q.ID)
	s.AddMessage(domain.RoleInterviewer, q.Text, now)
	if s.Phase == domain.PhaseCandidateIntroduction {
		m.setPhase(ctx, domain.PhaseSeedExecution)
	}

	m.emit(ctx, store.EventQuestionAsked, map[string]any{
		"question_id":  q.ID,
		"topic":        q.Topic,
		"personalized": q.Personalized,
		"generic":      q.Generic,
	})
	m.log().Info("question asked",
		zap.String("question_id", q.ID),
		zap.String("topic", q.Topic),
		zap.Bool("personalized", q.Personalized),
	)

	if err := m.save(ctx); err != nil {
		return nil, err
	}
	return &Action{Kind: ActionQuestion, Phase: s.Phase, Text: q.Text, Question: q, RoundIndex: round.Index}, nil
}

func (m *Machine) selfIntroduction(ctx context.Context) (*Action, error) {
	text := fmt.Sprintf("My name is %s and I will be your interviewer today. We will go through %d technical questions, and I may ask a few follow-ups along the way.",
		m.deps.InterviewerName, m.session.TotalRounds)
	m.session.AddMessage(domain.RoleInterviewer, text, m.deps.Now())
	m.setPhase(ctx, domain.PhaseCandidateIntroduction)
	if err := m.save(ctx); err != nil {
		return nil, err
	}
	return &Action{Kind: ActionSelfIntroduction, Phase: domain.PhaseSelfIntroduction, Text: text}, nil
}

func (m *Machine) requestIntroduction(ctx context.Context) (*Action, error) {
	text := "Before we start, could you briefly introduce yourself and the projects you have been working on recently?"
	m.session.IntroRequested = true
	m.session.AddMessage(domain.RoleInterviewer, text, m.deps.Now())
	if err := m.save(ctx); err != nil {
		return nil, err
	}
	return &Action{Kind: ActionRequestIntro, Phase: domain.PhaseCandidateIntroduction, Text: text}, nil
}

func (m *Machine) farewell(ctx context.Context) (*Action, error) {
	text := "That was the last question. Thank you for your time, we will get back to you with the results soon."
	m.session.AddMessage(domain.RoleInterviewer, text, m.deps.Now())
	m.setPhase(ctx, domain.PhaseComplete)
	if err := m.save(ctx); err != nil {
		return nil, err
	}
	return &Action{Kind: ActionFarewell, Phase: domain.PhaseClosure, Text: text}, nil
}

// pickQuestion personalizes the first technical question when possible and
// falls back to the bank, then to a generic question for the first round.
func (m *Machine) pickQuestion(ctx context.Context) *domain.Question {
	s := m.session
	first := len(s.Rounds) == 0

	if first && m.deps.Personalizer != nil && (s.CandidateIntro != "" || len(s.Skills) > 0) {
		q, err := m.deps.Personalizer.Personalize(ctx, questionbank.Profile{
			Intro:           s.CandidateIntro,
			Skills:          s.Skills,
			ExperienceLevel: s.ExperienceLevel,
			Language:        s.Language,
		})
		if err == nil && q != nil && !slices.Contains(s.AskedQuestionIDs, q.ID) {
			return q
		}
		metrics.GenerationFallbacks.WithLabelValues("personalizer").Inc()
		m.log().Warn("personalized question unavailable, using question bank", zap.Error(err))
	}

	f := m.filters()
	if first {
		if q := m.seed(f); q != nil {
			return q
		}
	}
	if q := m.deps.Bank.Select(f); q != nil {
		return q
	}

	if first {
		skill := ""
		if len(s.Skills) > 0 {
			skill = s.Skills[0]
		}
		q := domain.GenericQuestion(skill)
		return &q
	}
	return nil
}

// seed asks the bank for the question that best fits the candidate profile.
// The seed must still pass the session filters.
func (m *Machine) seed(f questionbank.Filters) *domain.Question {
	s := m.session
	category := ""
	if len(s.Categories) > 0 {
		category = s.Categories[0]
	}
	q := m.deps.Bank.FindSeed(s.ExperienceLevel, s.Skills, category, seedDifficulty(s.ExperienceLevel))
	if q == nil || slices.Contains(s.AskedQuestionIDs, q.ID) || !f.Allows(*q) {
		return nil
	}
	m.log().Debug("seed question selected", zap.String("question_id", q.ID))
	return q
}

func seedDifficulty(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "junior", "intern", "trainee":
		return "easy"
	case "middle", "mid":
		return "medium"
	default:
		if strategy.IsSenior(level) {
			return "hard"
		}
		return ""
	}
}

func (m *Machine) filters() questionbank.Filters {
	s := m.session
	return questionbank.Filters{
		Language:        s.Domain,
		Skills:          s.Skills,
		Categories:      s.Categories,
		CategoryQuota:   s.CategoryQuota,
		ExperienceLevel: s.ExperienceLevel,
		CoveredTopics:   s.CoveredTopics,
		AskedIDs:        s.AskedQuestionIDs,
	}
}

// uncoveredTopics lists bank topics from the enabled categories that no
// round has touched yet.
func (m *Machine) uncoveredTopics(current string) []string {
	s := m.session
	var out []string
	for _, q := range m.deps.Bank.All() {
		if q.Topic == "" || q.Topic == current {
			continue
		}
		if len(s.Categories) > 0 && !slices.Contains(s.Categories, q.Category) {
			continue
		}
		if slices.Contains(s.CoveredTopics, q.Topic) || slices.Contains(out, q.Topic) {
			continue
		}
		out = append(out, q.Topic)
	}
	return out
}

// ExpectedResponseType tells whether the next answer replies to the round
// question or to a follow-up.
func (m *Machine) ExpectedResponseType() domain.ResponseType {
	if r := m.session.Current; r != nil && len(r.Responses) > 0 {
		return domain.ResponseFollowup
	}
	return domain.ResponseInitial
}

// ProcessResponse records an answer and runs it through the pipeline. In the
// candidate introduction phase the text is stored as the introduction.
func (m *Machine) ProcessResponse(ctx context.Context, text string, responseType domain.ResponseType) (*Turn, error) {
	s := m.session

	rtype, err := domain.ParseResponseType(string(responseType))
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewValidationError("answer", "must not be empty")
	}

	if s.Phase == domain.PhaseCandidateIntroduction && s.Current == nil {
		return m.recordIntroduction(ctx, text)
	}
	if s.Pending != nil {
		return nil, domain.NewStateError("process_response", s.Phase, "awaiting reviewer decision")
	}
	round := s.Current
	if round == nil || !s.Phase.IsTechnical() {
		return nil, domain.NewStateError("process_response", s.Phase, "no active question")
	}
	if round.State == domain.RoundStopped {
		return nil, domain.NewStateError("process_response", s.Phase, "round is closed, call CompleteRound")
	}
	if expected := m.ExpectedResponseType(); rtype != expected {
		return nil, domain.NewValidationError("response.type", fmt.Sprintf("expected %s response, got %s", expected, rtype))
	}

	tc := &pipeline.TurnContext{
		SessionID:       s.ID,
		Question:        round.Question,
		Answer:          text,
		ResponseType:    rtype,
		Senior:          strategy.IsSenior(s.ExperienceLevel),
		FollowupCount:   round.FollowupCount(),
		MaxFollowups:    s.MaxFollowups,
		Scores:          slices.Clone(round.ScoreTrend),
		UncoveredTopics: m.uncoveredTopics(round.Question.Topic),
		History:         s.RecentHistory(6),
	}

	res, err := m.deps.Pipeline.Run(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("process response: %w", err)
	}

	if res.Status == pipeline.StatusRejected {
		m.emit(ctx, store.EventResponseRejected, map[string]any{"reason": res.RejectReason})
		return &Turn{
			Status:       res.Status,
			RejectReason: res.RejectReason,
			Degraded:     res.Degraded,
			Action: &Action{
				Kind:       ActionRetry,
				Phase:      s.Phase,
				Text:       "Let's stay on the question. Could you answer it in your own words?",
				Question:   &round.Question,
				RoundIndex: round.Index,
			},
		}, nil
	}

	now := m.deps.Now()
	round.Record(domain.Response{Type: rtype, Text: text, Timestamp: now, Evaluation: res.Evaluation})
	s.AddMessage(domain.RoleCandidate, text, now)
	decision := res.Decision
	s.LastDecision = &decision

	m.emit(ctx, store.EventResponseRecorded, map[string]any{
		"type":     string(rtype),
		"score":    overall(res.Evaluation),
		"continue": decision.Continue,
		"reason":   string(decision.Reason),
		"source":   decision.Source,
		"degraded": res.Degraded,
	})

	turn := &Turn{
		Status:     res.Status,
		Evaluation: res.Evaluation,
		Decision:   decision,
		Degraded:   res.Degraded,
	}

	if res.Status == pipeline.StatusPendingExpert {
		pending := &domain.PendingAction{
			RoundIndex: round.Index,
			FollowUp:   res.FollowUp,
			Decision:   decision,
			Evaluation: res.Evaluation,
			CreatedAt:  now,
		}
		if res.Guidance != nil {
			pending.Strategy = res.Guidance.Kind
		}
		s.Pending = pending
		turn.Pending = pending

		m.emit(ctx, store.EventReviewPending, map[string]any{
			"follow_up": res.FollowUp,
			"continue":  decision.Continue,
		})
		m.log().Info("turn awaiting reviewer", zap.Bool("continue", decision.Continue))
		return turn, m.save(ctx)
	}

	var kind domain.StrategyKind
	if res.Guidance != nil {
		kind = res.Guidance.Kind
	}
	turn.Action = m.apply(ctx, decision, res.FollowUp, kind, domain.ReviewAuto)
	turn.Decision = *s.LastDecision
	return turn, m.save(ctx)
}

func (m *Machine) recordIntroduction(ctx context.Context, text string) (*Turn, error) {
	s := m.session
	if s.CandidateIntro != "" {
		s.CandidateIntro += "\n" + text
	} else {
		s.CandidateIntro = text
	}
	s.AddMessage(domain.RoleCandidate, text, m.deps.Now())
	m.emit(ctx, store.EventResponseRecorded, map[string]any{"type": "introduction", "length": len(text)})

	if err := m.save(ctx); err != nil {
		return nil, err
	}
	return &Turn{
		Status: pipeline.StatusCompleted,
		Action: &Action{
			Kind:  ActionAcknowledge,
			Phase: s.Phase,
			Text:  "Thank you, that is helpful. Let's move on to the technical part.",
		},
	}, nil
}

// apply finalizes a turn: it either asks the follow-up or stops the round.
// A follow-up beyond the budget turns into a max_reached stop.
func (m *Machine) apply(ctx context.Context, decision domain.StopDecision, followUp string, kind domain.StrategyKind, review string) *Action {
	s := m.session
	round := s.Current
	now := m.deps.Now()

	followUp = strings.TrimSpace(followUp)
	if decision.Continue && followUp != "" {
		if round.AddFollowUp(domain.FollowUp{Text: followUp, Strategy: kind, Review: review, AskedAt: now}, s.MaxFollowups) {
			s.AddMessage(domain.RoleInterviewer, followUp, now)
			m.emit(ctx, store.EventFollowupAsked, map[string]any{
				"text":     followUp,
				"strategy": string(kind),
				"review":   review,
			})
			m.setPhase(ctx, domain.PhaseDynamicFollowup)
			return &Action{Kind: ActionFollowUp, Phase: s.Phase, Text: followUp, RoundIndex: round.Index}
		}
		decision = domain.StopDecision{Reason: domain.StopMaxReached, Confidence: 1.0, Source: domain.DecisionSourceRule, Detail: "follow-up budget exhausted"}
	}

	if decision.Continue {
		// Continuing without a question to ask ends the round.
		decision = domain.StopDecision{Reason: domain.StopPartialContinue, Confidence: decision.Confidence, Source: decision.Source, Detail: "no follow-up available"}
	}

	round.Stop(decision)
	s.LastDecision = &decision
	metrics.RoundStops.WithLabelValues(string(decision.Reason)).Inc()
	m.log().Info("round stopped",
		zap.String("reason", string(decision.Reason)),
		zap.Float64("confidence", decision.Confidence),
		zap.Int("followups", round.FollowupCount()),
		zap.String("review", review),
	)
	return &Action{Kind: ActionRoundComplete, Phase: s.Phase, RoundIndex: round.Index}
}

// CompleteRound closes the current round and moves it to the session history.
func (m *Machine) CompleteRound(ctx context.Context) (*domain.Round, error) {
	s := m.session
	if s.Pending != nil {
		return nil, domain.NewStateError("complete_round", s.Phase, "awaiting reviewer decision")
	}
	round := s.Current
	if round == nil {
		return nil, domain.NewStateError("complete_round", s.Phase, "no open round")
	}
	if round.State != domain.RoundStopped {
		return nil, domain.NewStateError("complete_round", s.Phase, "round is still probing")
	}

	round.Close(m.deps.Now())
	metrics.RoundScore.Observe(round.Average())

	s.Rounds = append(s.Rounds, *round)
	s.Current = nil
	s.CoverTopic(round.Question.Topic)

	detail := map[string]any{
		"question_id":   round.Question.ID,
		"initial_score": round.InitialScore,
		"final_score":   round.FinalScore,
		"improvement":   round.Improvement,
		"followups":     round.FollowupCount(),
	}
	if round.StopReason != nil {
		detail["stop_reason"] = string(*round.StopReason)
	}
	m.emit(ctx, store.EventRoundCompleted, detail)

	if m.IsComplete() {
		m.setPhase(ctx, domain.PhaseClosure)
	} else {
		m.setPhase(ctx, domain.PhaseDynamicFollowup)
	}

	if err := m.save(ctx); err != nil {
		return nil, err
	}
	closed := s.Rounds[len(s.Rounds)-1]
	return &closed, nil
}

// IsComplete reports whether all rounds are done.
func (m *Machine) IsComplete() bool {
	return m.session.RoundsCompleted() >= m.session.TotalRounds
}

// Progress reports how far the session has come.
func (m *Machine) Progress() Progress {
	s := m.session
	p := Progress{
		Phase:           s.Phase,
		RoundsCompleted: s.RoundsCompleted(),
		TotalRounds:     s.TotalRounds,
		MaxFollowups:    s.MaxFollowups,
	}
	if s.TotalRounds > 0 {
		p.Percentage = min(100, float64(p.RoundsCompleted)/float64(s.TotalRounds)*100)
	}

	var last *domain.Round
	if s.Current != nil {
		p.FollowupCount = s.Current.FollowupCount()
		if s.Current.State == domain.RoundStopped {
			last = s.Current
		}
	}
	if last == nil && len(s.Rounds) > 0 {
		last = &s.Rounds[len(s.Rounds)-1]
	}
	if last != nil && last.StopReason != nil {
		reason := *last.StopReason
		p.LastStopReason = &reason
		p.LastStopConfidence = last.StopConfidence
	}
	return p
}

// Finalize aggregates the completed rounds and archives the session.
// Finalizing an archived session returns the stored summary.
func (m *Machine) Finalize(ctx context.Context) (*domain.Summary, error) {
	s := m.session
	if s.Archived && s.Summary != nil {
		return s.Summary, nil
	}
	if s.Pending != nil {
		return nil, domain.NewStateError("finalize", s.Phase, "awaiting reviewer decision")
	}
	if s.Current != nil {
		return nil, domain.NewStateError("finalize", s.Phase, "round is still open")
	}

	summary := Summarize(s.Rounds)
	summary.FinalizedAt = m.deps.Now()
	s.Summary = summary
	s.Archived = true
	m.setPhase(ctx, domain.PhaseComplete)

	m.emit(ctx, store.EventSessionFinalized, map[string]any{
		"average_score":    summary.AverageScore,
		"trend":            summary.Trend,
		"rounds_completed": summary.RoundsCompleted,
	})
	m.log().Info("session finalized",
		zap.Float64("average_score", summary.AverageScore),
		zap.String("trend", summary.Trend),
		zap.Int("rounds", summary.RoundsCompleted),
	)

	if err := m.save(ctx); err != nil {
		return nil, err
	}
	return summary, nil
}

// Summarize computes the session summary from closed rounds. The trend
// compares the last round average with the first one.
func Summarize(rounds []domain.Round) *domain.Summary {
	summary := &domain.Summary{
		RoundsCompleted: len(rounds),
		Trend:           domain.TrendStable,
		RoundScores:     make([]float64, 0, len(rounds)),
		TopicCoverage:   make(map[string]float64),
	}

	topicScores := make(map[string][]float64)
	for _, r := range rounds {
		avg := r.Average()
		summary.RoundScores = append(summary.RoundScores, avg)

		topic := r.Question.Topic
		if topic == "" {
			topic = r.Question.Category
		}
		topicScores[topic] = append(topicScores[topic], avg)

		if r.StopReason != nil {
			if summary.StopReasons == nil {
				summary.StopReasons = make(map[domain.StopReason]int)
			}
			summary.StopReasons[*r.StopReason]++
		}
	}
	for topic, scores := range topicScores {
		summary.TopicCoverage[topic] = domain.Mean(scores)
	}

	summary.AverageScore = domain.Mean(summary.RoundScores)
	if n := len(summary.RoundScores); n >= 2 {
		switch diff := summary.RoundScores[n-1] - summary.RoundScores[0]; {
		case diff > trendDelta:
			summary.Trend = domain.TrendImproving
		case diff < -trendDelta:
			summary.Trend = domain.TrendDeclining
		}
	}
	return summary
}

const trendDelta = 5

// Approve accepts the pending proposal as is.
func (m *Machine) Approve(ctx context.Context) (*Action, error) {
	pending, err := m.pending("approve")
	if err != nil {
		return nil, err
	}
	return m.resolve(ctx, domain.ReviewApprove, pending.Decision, pending.FollowUp, pending.Strategy)
}

// Edit asks the reviewer's rewording of the proposed follow-up.
func (m *Machine) Edit(ctx context.Context, text string) (*Action, error) {
	pending, err := m.pending("edit")
	if err != nil {
		return nil, err
	}
	if !pending.Decision.Continue || strings.TrimSpace(pending.FollowUp) == "" {
		return nil, domain.NewStateError("edit", m.session.Phase, "no follow-up was proposed")
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewValidationError("follow_up", "must not be empty")
	}
	return m.resolve(ctx, domain.ReviewEdit, pending.Decision, text, pending.Strategy)
}

// Override replaces the proposal with the reviewer's own follow-up. It forces
// a follow-up even when the pipeline proposed to stop, within the budget.
func (m *Machine) Override(ctx context.Context, text string) (*Action, error) {
	pending, err := m.pending("override")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewValidationError("follow_up", "must not be empty")
	}
	decision := domain.StopDecision{
		Continue:   true,
		Reason:     domain.StopPartialContinue,
		Confidence: 1.0,
		Source:     domain.DecisionSourceReviewer,
		Detail:     "reviewer override",
	}
	return m.resolve(ctx, domain.ReviewOverride, decision, text, pending.Strategy)
}

func (m *Machine) pending(op string) (*domain.PendingAction, error) {
	s := m.session
	if s.Pending == nil {
		return nil, domain.NewStateError(op, s.Phase, "no pending review")
	}
	if s.Current == nil || s.Current.Index != s.Pending.RoundIndex {
		return nil, domain.NewStateError(op, s.Phase, "pending review does not match the open round")
	}
	return s.Pending, nil
}

func (m *Machine) resolve(ctx context.Context, path string, decision domain.StopDecision, followUp string, kind domain.StrategyKind) (*Action, error) {
	s := m.session
	s.Pending = nil
	s.LastDecision = &decision

	action := m.apply(ctx, decision, followUp, kind, path)
	metrics.ReviewerActions.WithLabelValues(path).Inc()
	m.emit(ctx, store.EventReviewResolved, map[string]any{
		"path":      path,
		"follow_up": utils.TruncateForLog(followUp, utils.PreviewLength),
		"action":    string(action.Kind),
	})
	m.log().Info("review resolved", zap.String("path", path), zap.String("action", string(action.Kind)))

	if err := m.save(ctx); err != nil {
		return nil, err
	}
	return action, nil
}

// setPhase moves forward only; earlier phases are never revisited.
func (m *Machine) setPhase(ctx context.Context, next domain.Phase) {
	s := m.session
	if !s.Phase.Before(next) {
		return
	}
	from := s.Phase
	s.Phase = next
	m.emit(ctx, store.EventPhaseChanged, map[string]any{"from": string(from), "to": string(next)})
}

func (m *Machine) emit(ctx context.Context, eventType string, detail map[string]any) {
	s := m.session
	round := -1
	if s.Current != nil {
		round = s.Current.Index
	} else if n := len(s.Rounds); n > 0 {
		round = s.Rounds[n-1].Index
	}
	m.deps.Audit.Record(ctx, store.AuditEvent{
		SessionID:  s.ID,
		Type:       eventType,
		Phase:      s.Phase,
		RoundIndex: round,
		Detail:     detail,
		At:         m.deps.Now(),
	})
}

func (m *Machine) save(ctx context.Context) error {
	m.session.UpdatedAt = m.deps.Now()
	if err := m.deps.Store.Put(ctx, m.session.ID, m.session); err != nil {
		return fmt.Errorf("save session %s: %w", m.session.ID, err)
	}
	return nil
}

func overall(eval *domain.Evaluation) float64 {
	if eval == nil {
		return 0
	}
	return eval.Overall
}
