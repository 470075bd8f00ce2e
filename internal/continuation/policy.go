// Package continuation decides whether a round keeps probing with follow-ups.
//
// Rule exits are checked first, in order: follow-up budget, opinion formation
// and performance drop. Only when no rule fires is a model judgment consulted.
package continuation

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/metrics"
)

const (
	maxReachedConfidence = 1.0
	opinionConfidence    = 0.95
	dropConfidence       = 0.9
	defaultConfidence    = 0.5
)

// Config holds the continuation thresholds.
type Config struct {
	// OpinionThreshold is the follow-up count from which opinion formation may stop a round.
	OpinionThreshold int     `mapstructure:"opinion-threshold"`
	SuccessAverage   float64 `mapstructure:"success-average"`
	FailureAverage   float64 `mapstructure:"failure-average"`
	DropPoints       float64 `mapstructure:"drop-points"`
	DropWindow       int     `mapstructure:"drop-window"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		OpinionThreshold: 2,
		SuccessAverage:   80,
		FailureAverage:   45,
		DropPoints:       25,
		DropWindow:       3,
	}
}

// Validate reports the first threshold that is out of range.
func (c Config) Validate() error {
	if c.OpinionThreshold < 1 {
		return domain.NewValidationError("continuation.opinion-threshold", "must be at least 1")
	}
	if c.FailureAverage >= c.SuccessAverage {
		return domain.NewValidationError("continuation.failure-average", "must be below success-average")
	}
	if c.DropPoints <= 0 {
		return domain.NewValidationError("continuation.drop-points", "must be positive")
	}
	if c.DropWindow < 2 {
		return domain.NewValidationError("continuation.drop-window", "must be at least 2")
	}
	return nil
}

// State is the round snapshot a decision is made on.
type State struct {
	Question      domain.Question
	LastAnswer    string
	FollowupCount int
	MaxFollowups  int
	// Scores are the overall scores of the round, oldest first.
	Scores []float64
}

// Average returns the running round average.
func (s State) Average() float64 {
	return domain.Mean(s.Scores)
}

// Judge gives a model-based continuation verdict.
type Judge interface {
	Judge(ctx context.Context, s State) (domain.StopDecision, error)
}

// Policy decides whether a round should keep asking follow-ups.
type Policy struct {
	cfg    Config
	judge  Judge
	logger *zap.Logger
}

// NewPolicy validates cfg and builds a policy. judge may be nil.
func NewPolicy(cfg Config, judge Judge, logger *zap.Logger) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("continuation config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{cfg: cfg, judge: judge, logger: logger}, nil
}

// CheckRules evaluates the rule exits. The boolean is false when no rule fired.
func (p *Policy) CheckRules(s State) (domain.StopDecision, bool) {
	if s.FollowupCount >= s.MaxFollowups {
		return stop(domain.StopMaxReached, maxReachedConfidence,
			fmt.Sprintf("%d of %d follow-ups used", s.FollowupCount, s.MaxFollowups)), true
	}

	if s.FollowupCount >= p.cfg.OpinionThreshold && len(s.Scores) > 0 {
		avg := s.Average()
		switch {
		case avg >= p.cfg.SuccessAverage:
			return stop(domain.StopHighConfidenceSuccess, opinionConfidence, fmt.Sprintf("round average %.1f", avg)), true
		case avg < p.cfg.FailureAverage:
			return stop(domain.StopHighConfidenceFailure, opinionConfidence, fmt.Sprintf("round average %.1f", avg)), true
		}
	}

	if drop, ok := p.drop(s.Scores); ok {
		return stop(domain.StopPerformanceDrop, dropConfidence, fmt.Sprintf("dropped %.1f points", drop)), true
	}

	return domain.StopDecision{}, false
}

// drop reports the fall of the latest score from the maximum of the trailing window.
func (p *Policy) drop(scores []float64) (float64, bool) {
	if len(scores) < p.cfg.DropWindow {
		return 0, false
	}
	window := scores[len(scores)-p.cfg.DropWindow:]
	drop := slices.Max(window) - window[len(window)-1]
	return drop, drop > p.cfg.DropPoints
}

// Decide returns the continuation verdict. Judge failures fall back to continuing.
func (p *Policy) Decide(ctx context.Context, s State) domain.StopDecision {
	if decision, ok := p.CheckRules(s); ok {
		p.logger.Debug("continuation rule fired",
			zap.String("reason", string(decision.Reason)),
			zap.Float64("confidence", decision.Confidence),
		)
		return decision
	}

	if s.FollowupCount == 0 || p.judge == nil {
		return proceed(domain.DecisionSourceDefault, "no rule fired")
	}

	decision, err := p.judge.Judge(ctx, s)
	if err != nil {
		metrics.GenerationFallbacks.WithLabelValues("continuation").Inc()
		p.logger.Warn("continuation judgment failed, continuing", zap.Error(err))
		return proceed(domain.DecisionSourceDefault, "judgment unavailable")
	}

	if decision.Continue {
		return proceed(domain.DecisionSourceModel, decision.Detail)
	}

	p.logger.Debug("continuation judged stop",
		zap.String("reason", string(decision.Reason)),
		zap.Float64("confidence", decision.Confidence),
	)
	return decision
}

func stop(reason domain.StopReason, confidence float64, detail string) domain.StopDecision {
	return domain.StopDecision{
		Continue:   false,
		Reason:     reason,
		Confidence: confidence,
		Source:     domain.DecisionSourceRule,
		Detail:     detail,
	}
}

func proceed(source, detail string) domain.StopDecision {
	return domain.StopDecision{
		Continue:   true,
		Reason:     domain.StopPartialContinue,
		Confidence: defaultConfidence,
		Source:     source,
		Detail:     detail,
	}
}
