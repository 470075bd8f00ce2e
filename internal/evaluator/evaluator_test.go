package evaluator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/llm"
)

type stubGenerator struct {
	response   string
	err        error
	lastPrompt string
	lastConfig llm.GenerateConfig
}

func (s *stubGenerator) Name() string { return "stub" }

func (s *stubGenerator) Generate(_ context.Context, prompt string, cfg llm.GenerateConfig) (string, error) {
	s.lastPrompt = prompt
	s.lastConfig = cfg
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func sampleQuestion() domain.Question {
	return domain.Question{
		ID:       "q1",
		Text:     "Explain database indexing.",
		Type:     domain.QuestionOpenEnded,
		Topic:    "databases",
		Keywords: []string{"b-tree", "lookup", "write"},
	}
}

func sampleEvaluation() *domain.Evaluation {
	return &domain.Evaluation{
		SubScores: domain.SubScores{
			Completeness:      80,
			TechnicalAccuracy: 54,
			Depth:             100,
			Clarity:           60,
		},
		RuleScore:       70,
		Overall:         70,
		MissingKeywords: []string{"write"},
	}
}

func TestJudgeParsesResponse(t *testing.T) {
	stub := &stubGenerator{response: "```json\n{\"score\": \"90\", \"reasoning\": \"Clear\", \"strengths\": [\"examples\"], \"improvements\": \"mention writes\"}\n```"}
	e := New(stub, zap.NewNop())

	q, err := e.Judge(context.Background(), sampleQuestion(), "Indexes use a b-tree.", sampleEvaluation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.Score != 90 || q.IsFallback {
		t.Fatalf("unexpected judgment: %+v", q)
	}
	if len(q.Strengths) != 1 || len(q.Improvements) != 1 || q.Improvements[0] != "mention writes" {
		t.Fatalf("unexpected lists: %+v", q)
	}
	if !stub.lastConfig.JSON {
		t.Fatalf("expected json output to be requested")
	}
	for _, want := range []string{"Explain database indexing.", "b-tree, lookup, write", "Indexes use a b-tree.", "overall=70"} {
		if !strings.Contains(stub.lastPrompt, want) {
			t.Fatalf("expected prompt to contain %q", want)
		}
	}
	if strings.Contains(stub.lastPrompt, "{{") {
		t.Fatalf("expected every placeholder to be replaced")
	}
}

func TestJudgeScalesFractionalScores(t *testing.T) {
	stub := &stubGenerator{response: `{"score": 0.85, "reasoning": "ok"}`}

	q, err := New(stub, zap.NewNop()).Judge(context.Background(), sampleQuestion(), "answer", sampleEvaluation())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Score != 85 {
		t.Fatalf("expected 85, got %v", q.Score)
	}
}

func TestJudgeErrors(t *testing.T) {
	tests := []struct {
		name      string
		generator llm.Generator
		check     func(error) bool
	}{
		{
			name:      "no generator",
			generator: nil,
			check:     llm.IsGenerationError,
		},
		{
			name:      "backend failure",
			generator: &stubGenerator{err: errors.New("503")},
			check:     llm.IsGenerationError,
		},
		{
			name:      "not json",
			generator: &stubGenerator{response: "I think it is fine"},
			check:     llm.IsParseError,
		},
		{
			name:      "missing score",
			generator: &stubGenerator{response: `{"reasoning": "fine"}`},
			check:     llm.IsParseError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.generator, zap.NewNop()).Judge(context.Background(), sampleQuestion(), "answer", sampleEvaluation())
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error type: %v", err)
			}
		})
	}
}

func TestAssessFallsBackOnFailure(t *testing.T) {
	stub := &stubGenerator{err: errors.New("timeout")}

	q := New(stub, zap.NewNop()).Assess(context.Background(), sampleQuestion(), "answer", sampleEvaluation())
	if !q.IsFallback {
		t.Fatalf("expected fallback judgment")
	}
	if q.Score != 70 {
		t.Fatalf("expected fallback score to equal the rule score, got %v", q.Score)
	}
}

func TestFallbackDerivesFromSubScores(t *testing.T) {
	q := Fallback(sampleEvaluation())

	if !q.IsFallback {
		t.Fatalf("expected fallback flag")
	}
	if !strings.HasPrefix(q.Reasoning, "Solid answer") {
		t.Fatalf("unexpected reasoning band: %q", q.Reasoning)
	}
	wantStrengths := []string{"strong completeness", "strong depth"}
	if strings.Join(q.Strengths, "|") != strings.Join(wantStrengths, "|") {
		t.Fatalf("unexpected strengths: %v", q.Strengths)
	}
	wantImprovements := []string{"improve technical accuracy", "cover write"}
	if strings.Join(q.Improvements, "|") != strings.Join(wantImprovements, "|") {
		t.Fatalf("unexpected improvements: %v", q.Improvements)
	}

	if nilEval := Fallback(nil); !nilEval.IsFallback {
		t.Fatalf("expected fallback for nil evaluation")
	}
}

func TestFuse(t *testing.T) {
	eval := sampleEvaluation()
	Fuse(eval, &domain.Qualitative{Score: 100}, DefaultFusionWeight)
	if eval.Overall != 79 {
		t.Fatalf("expected fused score 79, got %v", eval.Overall)
	}
	if eval.RuleScore != 70 {
		t.Fatalf("rule score must not change, got %v", eval.RuleScore)
	}

	eval = sampleEvaluation()
	Fuse(eval, &domain.Qualitative{Score: 100, IsFallback: true}, DefaultFusionWeight)
	if eval.Overall != 70 {
		t.Fatalf("fallback judgment must not change the overall score, got %v", eval.Overall)
	}
	if eval.Qualitative == nil {
		t.Fatalf("expected judgment to be attached")
	}
}
