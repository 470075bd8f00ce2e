package domain

import (
	"fmt"
	"strings"
)

// QuestionType selects the scoring rubric for a question.
type QuestionType string

const (
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionOpenEnded      QuestionType = "open_ended"
)

// Question is a single interview question with the metadata needed to score answers.
type Question struct {
	ID              string       `json:"id" yaml:"id"`
	Text            string       `json:"text" yaml:"text"`
	Type            QuestionType `json:"type" yaml:"type"`
	Topic           string       `json:"topic" yaml:"topic"`
	Category        string       `json:"category" yaml:"category"`
	Language        string       `json:"language,omitempty" yaml:"language"`
	Skills          []string     `json:"skills,omitempty" yaml:"skills"`
	Difficulty      string       `json:"difficulty,omitempty" yaml:"difficulty"`
	ExperienceLevel string       `json:"experience_level,omitempty" yaml:"experience_level"`

	Keywords         []string `json:"keywords,omitempty" yaml:"keywords"`
	RequiredKeywords []string `json:"required_keywords,omitempty" yaml:"required_keywords"`

	// CorrectAnswer is "true" or "false" for true/false questions.
	CorrectAnswer string `json:"correct_answer,omitempty" yaml:"correct_answer"`
	// Options and CorrectOptions hold option letters for multiple choice questions.
	Options        []string `json:"options,omitempty" yaml:"options"`
	CorrectOptions []string `json:"correct_options,omitempty" yaml:"correct_options"`

	Personalized bool `json:"personalized,omitempty" yaml:"-"`
	Generic      bool `json:"generic,omitempty" yaml:"-"`
}

// Validate checks that the question carries what its type needs.
func (q *Question) Validate() error {
	if strings.TrimSpace(q.Text) == "" {
		return NewValidationError("question.text", "must not be empty")
	}

	switch q.Type {
	case QuestionOpenEnded:
	case QuestionTrueFalse:
		answer := strings.ToLower(strings.TrimSpace(q.CorrectAnswer))
		if answer != "true" && answer != "false" {
			return NewValidationError("question.correct_answer", fmt.Sprintf("true/false question %q needs true or false", q.ID))
		}
	case QuestionMultipleChoice:
		if len(q.CorrectOptions) == 0 {
			return NewValidationError("question.correct_options", fmt.Sprintf("multiple choice question %q has no correct options", q.ID))
		}
	default:
		return NewValidationError("question.type", fmt.Sprintf("unknown question type %q", q.Type))
	}

	return nil
}

// GenericQuestion is used when neither personalization nor the bank can supply a question.
func GenericQuestion(skill string) Question {
	topic := strings.TrimSpace(skill)
	if topic == "" {
		topic = "software engineering"
	}

	return Question{
		ID:       "generic-" + strings.ReplaceAll(strings.ToLower(topic), " ", "-"),
		Text:     fmt.Sprintf("Walk me through a recent problem you solved with %s. What trade-offs did you consider?", topic),
		Type:     QuestionOpenEnded,
		Topic:    topic,
		Category: "general",
		Keywords: []string{"trade-off", "design", "testing", "performance"},
		Generic:  true,
	}
}
