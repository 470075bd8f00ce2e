// Package evaluator produces the qualitative judgment of an answer and fuses
// it with the rule-based score.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/llm"
	"github.com/spigell/hh-interviewer/internal/logger"
	"github.com/spigell/hh-interviewer/internal/metrics"
	"github.com/spigell/hh-interviewer/internal/utils"
)

//go:embed prompt.md
var promptTemplate string

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxLogLength = 200

	// DefaultFusionWeight is the share of the generated score in the fused overall score.
	DefaultFusionWeight = 0.3

	strengthThreshold    = 75.0
	improvementThreshold = 60.0
)

// Evaluator asks a generator for a short judgment of an answer.
type Evaluator struct {
	generator llm.Generator
	timeout   time.Duration
	logger    *zap.Logger
	maxLogLen int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout bounds a single judgment call.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxLogLength limits prompt and response previews in debug logs.
func WithMaxLogLength(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxLogLen = n
		}
	}
}

func New(generator llm.Generator, log *zap.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		generator: generator,
		timeout:   defaultTimeout,
		logger:    logger.Component(log, "evaluator"),
		maxLogLen: defaultMaxLogLength,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Judge performs one bounded generation call and parses the judgment.
// Failures are returned as *llm.GenerationError or *llm.ParseError.
func (e *Evaluator) Judge(ctx context.Context, q domain.Question, answer string, eval *domain.Evaluation) (*domain.Qualitative, error) {
	if e == nil || e.generator == nil {
		return nil, &llm.GenerationError{Backend: "none", Kind: llm.KindUnavailable, Err: llm.ErrNoBackends}
	}

	prompt := buildPrompt(q, answer, eval)

	e.logger.Debug("judgment request",
		zap.String("question_id", q.ID),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, e.maxLogLen)),
	)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.generator.Generate(callCtx, prompt, llm.GenerateConfig{JSON: true, Temperature: 0.2})
	if err != nil {
		if llm.IsGenerationError(err) {
			return nil, err
		}
		kind := llm.KindBackend
		if errors.Is(err, context.DeadlineExceeded) {
			kind = llm.KindTimeout
		}
		return nil, &llm.GenerationError{Backend: e.generator.Name(), Kind: kind, Err: err}
	}

	e.logger.Debug("judgment response",
		zap.String("question_id", q.ID),
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, e.maxLogLen)),
	)

	return parseJudgment(raw)
}

// Assess returns the generated judgment, or the rule-derived one when the
// generation fails for any reason. It never retries.
func (e *Evaluator) Assess(ctx context.Context, q domain.Question, answer string, eval *domain.Evaluation) *domain.Qualitative {
	judgment, err := e.Judge(ctx, q, answer, eval)
	if err == nil {
		return judgment
	}

	metrics.GenerationFallbacks.WithLabelValues("evaluator").Inc()
	if e != nil {
		e.logger.Warn("judgment failed, using rule-based judgment",
			zap.String("question_id", q.ID),
			zap.Error(err),
		)
	}
	return Fallback(eval)
}

// Fallback derives a judgment from the rule-based evaluation alone.
func Fallback(eval *domain.Evaluation) *domain.Qualitative {
	if eval == nil {
		return &domain.Qualitative{Reasoning: "No evaluation available.", IsFallback: true}
	}

	named := namedScores(eval.SubScores)
	q := &domain.Qualitative{
		Score:      eval.RuleScore,
		Reasoning:  band(eval.RuleScore),
		IsFallback: true,
	}
	for _, s := range named {
		switch {
		case s.value >= strengthThreshold:
			q.Strengths = append(q.Strengths, "strong "+s.name)
		case s.value < improvementThreshold:
			q.Improvements = append(q.Improvements, "improve "+s.name)
		}
	}
	if len(eval.MissingKeywords) > 0 {
		q.Improvements = append(q.Improvements, "cover "+strings.Join(eval.MissingKeywords, ", "))
	}
	return q
}

// Fuse blends a generated judgment into the evaluation. Rule-derived
// judgments leave the overall score untouched.
func Fuse(eval *domain.Evaluation, q *domain.Qualitative, weight float64) {
	if eval == nil {
		return
	}
	eval.Qualitative = q
	if q == nil || q.IsFallback {
		eval.Overall = eval.RuleScore
		return
	}
	weight = math.Max(0, math.Min(1, weight))
	eval.Overall = round2((1-weight)*eval.RuleScore + weight*q.Score)
}

func band(score float64) string {
	switch {
	case score >= 85:
		return "Excellent answer with thorough, well-structured coverage of the topic."
	case score >= 70:
		return "Solid answer that covers the main points."
	case score >= 50:
		return "Partial answer; key concepts are missing or underexplained."
	default:
		return "Weak answer; most expected concepts are missing."
	}
}

type namedScore struct {
	name  string
	value float64
}

func namedScores(s domain.SubScores) []namedScore {
	return []namedScore{
		{name: "completeness", value: s.Completeness},
		{name: "technical accuracy", value: s.TechnicalAccuracy},
		{name: "depth", value: s.Depth},
		{name: "clarity", value: s.Clarity},
	}
}

func buildPrompt(q domain.Question, answer string, eval *domain.Evaluation) string {
	keywords := "none"
	if len(q.Keywords) > 0 {
		keywords = strings.Join(q.Keywords, ", ")
	}
	topic := q.Topic
	if topic == "" {
		topic = "general"
	}
	scores := "n/a"
	if eval != nil {
		s := eval.SubScores
		scores = fmt.Sprintf("completeness=%.0f accuracy=%.0f depth=%.0f clarity=%.0f overall=%.0f",
			s.Completeness, s.TechnicalAccuracy, s.Depth, s.Clarity, eval.RuleScore)
	}

	replacer := strings.NewReplacer(
		"{{QUESTION_TYPE}}", string(q.Type),
		"{{TOPIC}}", topic,
		"{{QUESTION}}", strings.TrimSpace(q.Text),
		"{{KEYWORDS}}", keywords,
		"{{ANSWER}}", strings.TrimSpace(answer),
		"{{RULE_SCORES}}", scores,
	)
	return replacer.Replace(promptTemplate)
}

func parseJudgment(raw string) (*domain.Qualitative, error) {
	decoded := llm.DecodeObject(raw)
	if !decoded.IsOk() {
		return nil, decoded.Err()
	}
	data := decoded.Value()

	score := llm.AsFloat(data["score"])
	if math.IsNaN(score) {
		return nil, &llm.ParseError{Raw: raw, Err: errors.New("score is missing")}
	}
	// Some models answer on a 0-1 scale.
	if score > 0 && score < 1 {
		score *= 100
	}

	return &domain.Qualitative{
		Score:        math.Max(0, math.Min(100, score)),
		Reasoning:    llm.AsString(data["reasoning"]),
		Strengths:    llm.AsStrings(data["strengths"]),
		Improvements: llm.AsStrings(data["improvements"]),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
