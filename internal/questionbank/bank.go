// Package questionbank loads interview questions from YAML and picks the
// next one for a session.
package questionbank

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spigell/hh-interviewer/internal/domain"
)

type file struct {
	Questions []domain.Question `yaml:"questions"`
}

// Bank is an immutable, ordered set of questions.
type Bank struct {
	questions []domain.Question
}

// Load reads a bank from a YAML file.
func Load(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}

	bank, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("question bank %s: %w", path, err)
	}
	return bank, nil
}

// Parse decodes and validates a YAML bank.
func Parse(data []byte) (*Bank, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return New(f.Questions)
}

// New validates questions and builds a bank. IDs must be unique.
func New(questions []domain.Question) (*Bank, error) {
	seen := make(map[string]struct{}, len(questions))
	out := make([]domain.Question, 0, len(questions))

	for i := range questions {
		q := questions[i]
		q.ID = strings.TrimSpace(q.ID)
		if q.ID == "" {
			return nil, domain.NewValidationError("question.id", fmt.Sprintf("question #%d has no id", i+1))
		}
		if _, dup := seen[q.ID]; dup {
			return nil, domain.NewValidationError("question.id", fmt.Sprintf("duplicate id %q", q.ID))
		}
		seen[q.ID] = struct{}{}

		q.Type = domain.QuestionType(strings.ToLower(strings.TrimSpace(string(q.Type))))
		if q.Type == "" {
			q.Type = domain.QuestionOpenEnded
		}
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("question %q: %w", q.ID, err)
		}
		out = append(out, q)
	}

	return &Bank{questions: out}, nil
}

// Len returns the number of questions.
func (b *Bank) Len() int {
	return len(b.questions)
}

// All returns a copy of every question in bank order.
func (b *Bank) All() []domain.Question {
	return slices.Clone(b.questions)
}

// Get returns the question with the given id.
func (b *Bank) Get(id string) (domain.Question, bool) {
	for _, q := range b.questions {
		if q.ID == id {
			return q, true
		}
	}
	return domain.Question{}, false
}

// Categories returns the distinct categories in bank order.
func (b *Bank) Categories() []string {
	var out []string
	for _, q := range b.questions {
		if q.Category != "" && !slices.Contains(out, q.Category) {
			out = append(out, q.Category)
		}
	}
	return out
}
