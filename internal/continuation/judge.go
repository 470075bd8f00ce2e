package continuation

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/llm"
	"github.com/spigell/hh-interviewer/internal/utils"
)

//go:embed prompt.md
var promptTemplate string

const (
	defaultJudgeTimeout    = 10 * time.Second
	defaultJudgeConfidence = 0.7
	skillAverage           = 60.0
)

// ModelJudge asks a generator whether probing should continue.
type ModelJudge struct {
	generator llm.Generator
	timeout   time.Duration
	logger    *zap.Logger
}

func NewModelJudge(generator llm.Generator, timeout time.Duration, logger *zap.Logger) *ModelJudge {
	if timeout <= 0 {
		timeout = defaultJudgeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelJudge{generator: generator, timeout: timeout, logger: logger}
}

// Judge performs one bounded generation call. A stop verdict is mapped to
// sufficient_skill or no_knowledge.
func (j *ModelJudge) Judge(ctx context.Context, s State) (domain.StopDecision, error) {
	if j.generator == nil || !llm.Healthy(j.generator) {
		return domain.StopDecision{}, &llm.GenerationError{Backend: "none", Kind: llm.KindUnavailable, Err: llm.ErrNoBackends}
	}

	callCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	raw, err := j.generator.Generate(callCtx, buildPrompt(s), llm.GenerateConfig{JSON: true, Temperature: 0.1})
	if err != nil {
		return domain.StopDecision{}, err
	}
	j.logger.Debug("continuation judgment", zap.String("response_preview", utils.TruncateForLog(raw, utils.PreviewLength)))

	decoded := llm.DecodeObject(raw)
	if !decoded.IsOk() {
		return domain.StopDecision{}, decoded.Err()
	}
	data := decoded.Value()

	verdict, ok := data["continue"]
	if !ok {
		return domain.StopDecision{}, &llm.ParseError{Raw: raw, Err: errors.New("continue verdict is missing")}
	}

	confidence := llm.AsFloat(data["confidence"])
	if math.IsNaN(confidence) {
		confidence = defaultJudgeConfidence
	}
	if confidence > 1 {
		confidence /= 100
	}
	confidence = math.Max(0, math.Min(1, confidence))

	reasonText := llm.AsString(data["reason"])
	if llm.AsBool(verdict) {
		return domain.StopDecision{Continue: true, Reason: domain.StopPartialContinue, Confidence: confidence, Source: domain.DecisionSourceModel, Detail: reasonText}, nil
	}

	return domain.StopDecision{
		Continue:   false,
		Reason:     stopReason(reasonText, s.Average()),
		Confidence: confidence,
		Source:     domain.DecisionSourceModel,
		Detail:     reasonText,
	}, nil
}

func stopReason(text string, average float64) domain.StopReason {
	switch domain.StopReason(strings.ToLower(strings.TrimSpace(text))) {
	case domain.StopSufficientSkill:
		return domain.StopSufficientSkill
	case domain.StopNoKnowledge:
		return domain.StopNoKnowledge
	}
	if average >= skillAverage {
		return domain.StopSufficientSkill
	}
	return domain.StopNoKnowledge
}

func buildPrompt(s State) string {
	scores := make([]string, 0, len(s.Scores))
	for _, score := range s.Scores {
		scores = append(scores, strconv.FormatFloat(score, 'f', 1, 64))
	}
	topic := s.Question.Topic
	if topic == "" {
		topic = "general"
	}

	return strings.NewReplacer(
		"{{TOPIC}}", topic,
		"{{QUESTION}}", strings.TrimSpace(s.Question.Text),
		"{{FOLLOWUPS}}", strconv.Itoa(s.FollowupCount),
		"{{MAX_FOLLOWUPS}}", strconv.Itoa(s.MaxFollowups),
		"{{SCORES}}", strings.Join(scores, ", "),
		"{{ANSWER}}", strings.TrimSpace(s.LastAnswer),
	).Replace(promptTemplate)
}
