// Package pipeline runs one candidate turn through a fixed sequence of stages:
// health check, security screen, evaluation, strategy selection, follow-up
// generation and quality audit.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/continuation"
	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/llm"
	"github.com/spigell/hh-interviewer/internal/metrics"
	"github.com/spigell/hh-interviewer/internal/strategy"
)

// Kind identifies a stage.
type Kind string

const (
	KindHealthCheck      Kind = "health_check"
	KindSecurityScreen   Kind = "security_screen"
	KindEvaluate         Kind = "evaluate"
	KindSelectStrategy   Kind = "select_strategy"
	KindGenerateFollowup Kind = "generate_followup"
	KindQualityAudit     Kind = "quality_audit"
)

// Action types recorded by stages.
const (
	ActionProceed  = "proceed"
	ActionDegrade  = "degrade"
	ActionReject   = "reject"
	ActionScore    = "score"
	ActionFollowup = "ask_followup"
	ActionStop     = "stop_round"
	ActionReplace  = "replace_followup"
	ActionSkip     = "skip"
)

// Status is the outcome of a turn.
type Status string

const (
	StatusCompleted     Status = "completed"
	StatusRejected      Status = "rejected"
	StatusPendingExpert Status = "pending_expert"
)

// Output is what a stage reports about its work.
type Output struct {
	Thought    string         `json:"thought"`
	ActionType string         `json:"action_type"`
	ActionData map[string]any `json:"action_data,omitempty"`
}

// Stage is a single step of a turn.
type Stage interface {
	Kind() Kind
	Run(ctx context.Context, tc *TurnContext) (Output, error)
}

// StageRecord is a stage output kept on the turn context.
type StageRecord struct {
	Kind     Kind
	Output   Output
	Duration time.Duration
}

// TurnContext carries the inputs of a turn and everything stages produce.
// Stages only read it and append to it.
type TurnContext struct {
	SessionID    string
	Question     domain.Question
	Answer       string
	ResponseType domain.ResponseType
	Senior       bool

	FollowupCount int
	MaxFollowups  int
	// Scores are the overall scores of the round before this answer.
	Scores          []float64
	UncoveredTopics []string
	History         []domain.Message

	Degraded         bool
	Rejected         bool
	RejectReason     string
	Evaluation       *domain.Evaluation
	MissingRequired  []string
	Guidance         *strategy.Guidance
	Decision         *domain.StopDecision
	FollowUp         string
	FollowUpFallback bool

	Records []StageRecord
}

func (tc *TurnContext) record(kind Kind, out Output, d time.Duration) {
	tc.Records = append(tc.Records, StageRecord{Kind: kind, Output: out, Duration: d})
}

// Result is the outcome of a turn.
type Result struct {
	Status       Status
	Evaluation   *domain.Evaluation
	Guidance     *strategy.Guidance
	Decision     domain.StopDecision
	FollowUp     string
	RejectReason string
	Degraded     bool
	Records      []StageRecord
}

// Assessor returns the qualitative judgment of an answer, never failing.
type Assessor interface {
	Assess(ctx context.Context, q domain.Question, answer string, eval *domain.Evaluation) *domain.Qualitative
}

// Decider makes continuation decisions.
type Decider interface {
	CheckRules(s continuation.State) (domain.StopDecision, bool)
	Decide(ctx context.Context, s continuation.State) domain.StopDecision
}

// Scorer produces the rule-based evaluation.
type Scorer interface {
	Evaluate(q domain.Question, answer string) (*domain.Evaluation, error)
}

// Deps aggregates dependencies shared across all stages.
type Deps struct {
	Logger    *zap.Logger
	Scorer    Scorer
	Assessor  Assessor
	Selector  *strategy.Selector
	Decider   Decider
	Generator llm.Generator
}

// Config tunes the stages.
type Config struct {
	FusionWeight      float64       `mapstructure:"fusion-weight"`
	MaxAnswerLength   int           `mapstructure:"max-answer-length"`
	MaxFollowupLength int           `mapstructure:"max-followup-length"`
	FollowupTimeout   time.Duration `mapstructure:"followup-timeout"`
	Expert            bool          `mapstructure:"expert"`
}

// DefaultConfig returns the standard stage settings.
func DefaultConfig() Config {
	return Config{
		FusionWeight:      0.3,
		MaxAnswerLength:   8000,
		MaxFollowupLength: 400,
		FollowupTimeout:   15 * time.Second,
	}
}

// Pipeline runs the stages of a turn in order.
type Pipeline struct {
	stages []Stage
	deps   Deps
	cfg    Config
}

// New builds the standard pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Scorer == nil {
		return nil, fmt.Errorf("pipeline: scorer is required")
	}
	if deps.Selector == nil {
		return nil, fmt.Errorf("pipeline: strategy selector is required")
	}
	if deps.Decider == nil {
		return nil, fmt.Errorf("pipeline: continuation decider is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	def := DefaultConfig()
	if cfg.MaxAnswerLength <= 0 {
		cfg.MaxAnswerLength = def.MaxAnswerLength
	}
	if cfg.MaxFollowupLength <= 0 {
		cfg.MaxFollowupLength = def.MaxFollowupLength
	}
	if cfg.FollowupTimeout <= 0 {
		cfg.FollowupTimeout = def.FollowupTimeout
	}
	if cfg.FusionWeight < 0 || cfg.FusionWeight > 1 {
		return nil, domain.NewValidationError("pipeline.fusion-weight", "must be within [0, 1]")
	}

	return &Pipeline{
		stages: []Stage{
			&healthCheck{deps: deps},
			&securityScreen{maxLength: cfg.MaxAnswerLength},
			&evaluate{deps: deps, weight: cfg.FusionWeight},
			&selectStrategy{deps: deps},
			&generateFollowup{deps: deps, timeout: cfg.FollowupTimeout},
			&qualityAudit{maxLength: cfg.MaxFollowupLength},
		},
		deps: deps,
		cfg:  cfg,
	}, nil
}

// Stages returns the stage kinds in execution order.
func (p *Pipeline) Stages() []Kind {
	kinds := make([]Kind, 0, len(p.stages))
	for _, s := range p.stages {
		kinds = append(kinds, s.Kind())
	}
	return kinds
}

// Expert reports whether turns halt for a reviewer.
func (p *Pipeline) Expert() bool {
	return p.cfg.Expert
}

// Run executes the stages sequentially. A security rejection ends the turn
// early; in expert mode the turn halts after the audit awaiting a reviewer.
func (p *Pipeline) Run(ctx context.Context, tc *TurnContext) (*Result, error) {
	log := p.deps.Logger.With(zap.String("session_id", tc.SessionID), zap.String("question_id", tc.Question.ID))

	for _, stage := range p.stages {
		started := time.Now()
		out, err := stage.Run(ctx, tc)
		elapsed := time.Since(started)
		metrics.StageDuration.WithLabelValues(string(stage.Kind())).Observe(elapsed.Seconds())

		if err != nil {
			metrics.TurnsProcessed.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%s: %w", stage.Kind(), err)
		}
		tc.record(stage.Kind(), out, elapsed)

		log.Debug("pipeline stage",
			zap.String("stage", string(stage.Kind())),
			zap.String("action", out.ActionType),
			zap.String("thought", out.Thought),
			zap.Duration("duration", elapsed),
		)

		if tc.Rejected {
			log.Info("turn rejected", zap.String("reason", tc.RejectReason))
			metrics.TurnsProcessed.WithLabelValues(string(StatusRejected)).Inc()
			return &Result{
				Status:       StatusRejected,
				RejectReason: tc.RejectReason,
				Degraded:     tc.Degraded,
				Records:      tc.Records,
			}, nil
		}
	}

	res := &Result{
		Status:     StatusCompleted,
		Evaluation: tc.Evaluation,
		Guidance:   tc.Guidance,
		FollowUp:   tc.FollowUp,
		Degraded:   tc.Degraded,
		Records:    tc.Records,
	}
	if tc.Decision != nil {
		res.Decision = *tc.Decision
	}
	if p.cfg.Expert {
		res.Status = StatusPendingExpert
	}

	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Bool("continue", res.Decision.Continue),
		zap.String("reason", string(res.Decision.Reason)),
		zap.Bool("degraded", res.Degraded),
	}
	if res.Evaluation != nil {
		fields = append(fields, zap.Float64("score", res.Evaluation.Overall))
	}
	log.Info("turn processed", fields...)
	metrics.TurnsProcessed.WithLabelValues(string(res.Status)).Inc()

	return res, nil
}
