// Package scoring turns a question and an answer into rule-based sub-scores.
// Every scorer is pure: identical input always yields identical output.
package scoring

import (
	"fmt"
	"strings"

	"github.com/spigell/hh-interviewer/internal/domain"
)

// Engine dispatches answers to the scorer registered for the question type.
type Engine struct {
	scorers map[domain.QuestionType]Scorer
}

// NewEngine builds an engine from the given scorers. Without arguments the
// default true/false, multiple choice and open-ended scorers are registered.
func NewEngine(scorers ...Scorer) *Engine {
	if len(scorers) == 0 {
		scorers = []Scorer{
			NewTrueFalse(TrueFalseRubric),
			NewMultipleChoice(MultipleChoiceRubric),
			NewOpenEnded(OpenEndedRubric),
		}
	}

	e := &Engine{scorers: make(map[domain.QuestionType]Scorer, len(scorers))}
	for _, s := range scorers {
		e.scorers[s.Type()] = s
	}
	return e
}

// Evaluate scores the answer. Unknown question types are reported as validation errors.
func (e *Engine) Evaluate(q domain.Question, answer string) (*domain.Evaluation, error) {
	scorer, ok := e.scorers[q.Type]
	if !ok {
		return nil, domain.NewValidationError("question.type", fmt.Sprintf("no scorer for question type %q", q.Type))
	}

	if strings.TrimSpace(answer) == "" {
		return nil, domain.NewValidationError("answer", "must not be empty")
	}

	res := scorer.Score(&q, answer)

	return &domain.Evaluation{
		SubScores:       res.SubScores,
		RuleScore:       res.Overall,
		Overall:         res.Overall,
		MissingKeywords: res.Missing,
	}, nil
}
