package questionbank

import (
	"context"
	"errors"
	"strings"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/llm"
	"github.com/spigell/hh-interviewer/internal/utils"
)

//go:embed personalize.md
var personalizeTemplate string

const (
	defaultPersonalizeTimeout = 20 * time.Second
	personalizedCategory      = "personalized"
)

// Profile is what personalization knows about the candidate.
type Profile struct {
	Intro           string
	Skills          []string
	ExperienceLevel string
	Language        string
}

// Personalizer builds a first question from the candidate's introduction.
type Personalizer struct {
	generator llm.Generator
	timeout   time.Duration
	logger    *zap.Logger
}

func NewPersonalizer(generator llm.Generator, timeout time.Duration, logger *zap.Logger) *Personalizer {
	if timeout <= 0 {
		timeout = defaultPersonalizeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Personalizer{generator: generator, timeout: timeout, logger: logger}
}

// Personalize performs one bounded generation call. The caller is expected
// to fall back to the bank on error.
func (p *Personalizer) Personalize(ctx context.Context, profile Profile) (*domain.Question, error) {
	if p.generator == nil || !llm.Healthy(p.generator) {
		return nil, &llm.GenerationError{Backend: "none", Kind: llm.KindUnavailable, Err: llm.ErrNoBackends}
	}
	if strings.TrimSpace(profile.Intro) == "" && len(profile.Skills) == 0 {
		return nil, domain.NewValidationError("profile", "introduction or skills are required")
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.generator.Generate(callCtx, buildPersonalizePrompt(profile), llm.GenerateConfig{JSON: true, Temperature: 0.6})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("personalized question", zap.String("response_preview", utils.TruncateForLog(raw, utils.PreviewLength)))

	decoded := llm.DecodeObject(raw)
	if !decoded.IsOk() {
		return nil, decoded.Err()
	}

	var generated struct {
		Question string   `json:"question"`
		Topic    string   `json:"topic"`
		Skills   []string `json:"skills"`
		Keywords []string `json:"keywords"`
	}
	if err := llm.DecodeInto(decoded.Value(), &generated); err != nil {
		return nil, &llm.ParseError{Raw: raw, Err: err}
	}

	text := strings.TrimSpace(generated.Question)
	if text == "" {
		return nil, &llm.ParseError{Raw: raw, Err: errors.New("question is missing")}
	}

	skills := llm.AsStrings(generated.Skills)
	if len(skills) == 0 {
		skills = append(skills, profile.Skills...)
	}
	topic := strings.TrimSpace(generated.Topic)
	if topic == "" && len(skills) > 0 {
		topic = skills[0]
	}

	return &domain.Question{
		ID:              "personalized-" + uuid.NewString(),
		Text:            text,
		Type:            domain.QuestionOpenEnded,
		Topic:           topic,
		Category:        personalizedCategory,
		Language:        profile.Language,
		Skills:          skills,
		ExperienceLevel: profile.ExperienceLevel,
		Keywords:        llm.AsStrings(generated.Keywords),
		Personalized:    true,
	}, nil
}

func buildPersonalizePrompt(profile Profile) string {
	orNone := func(s string) string {
		if s = strings.TrimSpace(s); s == "" {
			return "not specified"
		}
		return s
	}

	return strings.NewReplacer(
		"{{LEVEL}}", orNone(profile.ExperienceLevel),
		"{{SKILLS}}", orNone(strings.Join(profile.Skills, ", ")),
		"{{LANGUAGE}}", orNone(profile.Language),
		"{{INTRO}}", orNone(profile.Intro),
	).Replace(personalizeTemplate)
}
