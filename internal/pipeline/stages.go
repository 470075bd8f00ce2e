package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/continuation"
	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/evaluator"
	"github.com/spigell/hh-interviewer/internal/llm"
	"github.com/spigell/hh-interviewer/internal/metrics"
	"github.com/spigell/hh-interviewer/internal/scoring"
	"github.com/spigell/hh-interviewer/internal/strategy"
)

//go:embed followup.md
var followupTemplate string

const historyWindow = 6

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,40}\b(previous|prior|above|all|earlier)\b.{0,20}\b(instructions?|prompts?|rules)\b`),
	regexp.MustCompile(`(?i)\byou are now\b`),
	regexp.MustCompile(`(?i)\b(reveal|show|print|repeat)\b.{0,30}\b(system|hidden)\s+(prompt|instructions?)\b`),
	regexp.MustCompile(`(?i)\b(give|grade|score|rate)\b.{0,20}\b(me|this answer)\b.{0,20}\b(100|full marks|perfect score|maximum)\b`),
	regexp.MustCompile(`(?i)(<\|im_start\|>|<\|system\|>|\[system\]|\[/?inst\])`),
	regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:`),
}

type healthCheck struct {
	deps Deps
}

func (s *healthCheck) Kind() Kind { return KindHealthCheck }

func (s *healthCheck) Run(_ context.Context, tc *TurnContext) (Output, error) {
	if strings.TrimSpace(tc.Question.Text) == "" {
		return Output{}, domain.NewValidationError("question.text", "no active question")
	}
	if strings.TrimSpace(tc.Answer) == "" {
		return Output{}, domain.NewValidationError("answer", "must not be empty")
	}
	if _, err := domain.ParseResponseType(string(tc.ResponseType)); err != nil {
		return Output{}, err
	}

	if !llm.Healthy(s.deps.Generator) {
		tc.Degraded = true
		return Output{
			Thought:    "no healthy generation backend, deterministic substitutes only",
			ActionType: ActionDegrade,
		}, nil
	}

	return Output{
		Thought:    "inputs valid, generation backend available",
		ActionType: ActionProceed,
		ActionData: map[string]any{"backend": s.deps.Generator.Name()},
	}, nil
}

type securityScreen struct {
	maxLength int
}

func (s *securityScreen) Kind() Kind { return KindSecurityScreen }

func (s *securityScreen) Run(_ context.Context, tc *TurnContext) (Output, error) {
	if n := utf8.RuneCountInString(tc.Answer); n > s.maxLength {
		tc.Rejected = true
		tc.RejectReason = fmt.Sprintf("answer is too long (%d characters, limit %d)", n, s.maxLength)
		return Output{Thought: "oversized answer", ActionType: ActionReject, ActionData: map[string]any{"length": n}}, nil
	}

	for _, pattern := range injectionPatterns {
		if pattern.MatchString(tc.Answer) {
			tc.Rejected = true
			tc.RejectReason = "answer contains instructions addressed to the interviewer"
			return Output{Thought: "prompt injection attempt", ActionType: ActionReject, ActionData: map[string]any{"pattern": pattern.String()}}, nil
		}
	}

	return Output{Thought: "answer passed screening", ActionType: ActionProceed}, nil
}

type evaluate struct {
	deps   Deps
	weight float64
}

func (s *evaluate) Kind() Kind { return KindEvaluate }

func (s *evaluate) Run(ctx context.Context, tc *TurnContext) (Output, error) {
	eval, err := s.deps.Scorer.Evaluate(tc.Question, tc.Answer)
	if err != nil {
		return Output{}, err
	}

	var judgment *domain.Qualitative
	if tc.Degraded || s.deps.Assessor == nil {
		judgment = evaluator.Fallback(eval)
	} else {
		judgment = s.deps.Assessor.Assess(ctx, tc.Question, tc.Answer, eval)
	}
	evaluator.Fuse(eval, judgment, s.weight)

	tc.Evaluation = eval
	tc.MissingRequired = scoring.MissingRequired(tc.Answer, tc.Question.RequiredKeywords)

	return Output{
		Thought:    judgment.Reasoning,
		ActionType: ActionScore,
		ActionData: map[string]any{
			"rule_score": eval.RuleScore,
			"overall":    eval.Overall,
			"fallback":   judgment.IsFallback,
		},
	}, nil
}

type selectStrategy struct {
	deps Deps
}

func (s *selectStrategy) Kind() Kind { return KindSelectStrategy }

func (s *selectStrategy) Run(ctx context.Context, tc *TurnContext) (Output, error) {
	scores := append(slices.Clone(tc.Scores), tc.Evaluation.Overall)

	guidance := s.deps.Selector.Select(strategy.Input{
		Evaluation:      tc.Evaluation,
		Question:        tc.Question,
		Senior:          tc.Senior,
		RecentScores:    scores,
		MissingRequired: tc.MissingRequired,
		UncoveredTopics: tc.UncoveredTopics,
	})
	tc.Guidance = &guidance

	state := continuation.State{
		Question:      tc.Question,
		LastAnswer:    tc.Answer,
		FollowupCount: tc.FollowupCount,
		MaxFollowups:  tc.MaxFollowups,
		Scores:        scores,
	}

	var decision domain.StopDecision
	if tc.Degraded {
		var fired bool
		if decision, fired = s.deps.Decider.CheckRules(state); !fired {
			decision = domain.StopDecision{Continue: true, Reason: domain.StopPartialContinue, Confidence: 0.5, Source: domain.DecisionSourceDefault}
		}
	} else {
		decision = s.deps.Decider.Decide(ctx, state)
	}
	tc.Decision = &decision

	action := ActionFollowup
	if !decision.Continue {
		action = ActionStop
	}
	return Output{
		Thought:    guidance.Text,
		ActionType: action,
		ActionData: map[string]any{
			"strategy":   string(guidance.Kind),
			"reason":     string(decision.Reason),
			"confidence": decision.Confidence,
		},
	}, nil
}

type generateFollowup struct {
	deps    Deps
	timeout time.Duration
}

func (s *generateFollowup) Kind() Kind { return KindGenerateFollowup }

func (s *generateFollowup) Run(ctx context.Context, tc *TurnContext) (Output, error) {
	if tc.Decision == nil || !tc.Decision.Continue {
		return Output{Thought: "round stops, no follow-up needed", ActionType: ActionSkip}, nil
	}

	if tc.Degraded || s.deps.Generator == nil {
		tc.FollowUp = templateFollowup(tc.Question, *tc.Guidance)
		tc.FollowUpFallback = true
		return Output{Thought: "template follow-up in degraded mode", ActionType: ActionFollowup, ActionData: map[string]any{"question": tc.FollowUp}}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := llm.GenerateStructured(callCtx, s.deps.Generator, buildFollowupPrompt(tc), llm.GenerateConfig{Temperature: 0.7, MaxOutputTokens: 512})
	if err != nil {
		metrics.GenerationFallbacks.WithLabelValues("followup").Inc()
		s.deps.Logger.Warn("follow-up generation failed, using template",
			zap.String("session_id", tc.SessionID),
			zap.Error(err),
		)
		tc.FollowUp = templateFollowup(tc.Question, *tc.Guidance)
		tc.FollowUpFallback = true
		return Output{Thought: "generation failed, template follow-up", ActionType: ActionFollowup, ActionData: map[string]any{"question": tc.FollowUp}}, nil
	}

	out := res.Value()
	text := llm.AsString(out.ActionData["question"])
	if text == "" {
		text = llm.AsString(out.ActionData["text"])
	}
	tc.FollowUp = text

	thought := out.Thought
	if thought == "" {
		thought = "phrased follow-up from strategy intent"
	}
	return Output{Thought: thought, ActionType: ActionFollowup, ActionData: map[string]any{"question": text, "structured": res.IsOk()}}, nil
}

func buildFollowupPrompt(tc *TurnContext) string {
	g := tc.Guidance
	history := "(none)"
	if n := len(tc.History); n > 0 {
		start := max(0, n-historyWindow)
		lines := make([]string, 0, n-start)
		for _, m := range tc.History[start:] {
			lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Text))
		}
		history = strings.Join(lines, "\n")
	}
	focus := "none"
	if len(g.FocusAreas) > 0 {
		focus = strings.Join(g.FocusAreas, ", ")
	}

	return strings.NewReplacer(
		"{{TOPIC}}", topicOf(tc.Question),
		"{{QUESTION}}", strings.TrimSpace(tc.Question.Text),
		"{{HISTORY}}", history,
		"{{ANSWER}}", strings.TrimSpace(tc.Answer),
		"{{STRATEGY}}", string(g.Kind),
		"{{INTENT}}", g.Text,
		"{{APPROACH}}", g.Approach,
		"{{TONE}}", g.Tone,
		"{{FOCUS}}", focus,
	).Replace(followupTemplate)
}

type qualityAudit struct {
	maxLength int
}

func (s *qualityAudit) Kind() Kind { return KindQualityAudit }

func (s *qualityAudit) Run(_ context.Context, tc *TurnContext) (Output, error) {
	if tc.Decision == nil || !tc.Decision.Continue {
		return Output{Thought: "nothing to audit", ActionType: ActionSkip}, nil
	}

	problem := auditFollowup(tc.FollowUp, tc.Question, *tc.Guidance, s.maxLength)
	if problem == "" {
		return Output{Thought: "follow-up passed audit", ActionType: ActionProceed}, nil
	}

	original := tc.FollowUp
	tc.FollowUp = templateFollowup(tc.Question, *tc.Guidance)
	tc.FollowUpFallback = true
	return Output{
		Thought:    problem,
		ActionType: ActionReplace,
		ActionData: map[string]any{"original": original, "question": tc.FollowUp},
	}, nil
}
