// Package strategy picks the intent of the next follow-up question from the
// latest evaluation. Selection is a pure function of its input.
package strategy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spigell/hh-interviewer/internal/domain"
)

// Thresholds are the score boundaries that drive selection.
type Thresholds struct {
	Completeness    float64 `mapstructure:"completeness"`
	Clarity         float64 `mapstructure:"clarity"`
	Depth           float64 `mapstructure:"depth"`
	Breadth         float64 `mapstructure:"breadth"`
	Challenge       float64 `mapstructure:"challenge"`
	ChallengeStreak int     `mapstructure:"challenge-streak"`
}

// DefaultThresholds returns the standard selection boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Completeness:    70,
		Clarity:         75,
		Depth:           70,
		Breadth:         80,
		Challenge:       85,
		ChallengeStreak: 2,
	}
}

// Input is everything selection depends on.
type Input struct {
	Evaluation *domain.Evaluation
	Question   domain.Question
	Senior     bool
	// RecentScores are the overall scores of the round so far, oldest first.
	RecentScores []float64
	// MissingRequired lists required concepts absent from the latest answer.
	MissingRequired []string
	// UncoveredTopics are session topics not asked about yet.
	UncoveredTopics []string
}

// Guidance describes the intent of the next follow-up. Text is an intent for
// the phrasing step, not a question to be read out verbatim.
type Guidance struct {
	Kind       domain.StrategyKind `json:"kind"`
	Reason     string              `json:"reason"`
	FocusAreas []string            `json:"focus_areas,omitempty"`
	Approach   string              `json:"approach"`
	Tone       string              `json:"tone"`
	Text       string              `json:"text"`
}

// Selector picks the follow-up strategy for a scored answer.
type Selector struct {
	thresholds Thresholds
}

// NewSelector builds a selector. Zero thresholds fall back to the defaults.
func NewSelector(t Thresholds) *Selector {
	def := DefaultThresholds()
	if t.Completeness <= 0 {
		t.Completeness = def.Completeness
	}
	if t.Clarity <= 0 {
		t.Clarity = def.Clarity
	}
	if t.Depth <= 0 {
		t.Depth = def.Depth
	}
	if t.Breadth <= 0 {
		t.Breadth = def.Breadth
	}
	if t.Challenge <= 0 {
		t.Challenge = def.Challenge
	}
	if t.ChallengeStreak < 2 {
		t.ChallengeStreak = def.ChallengeStreak
	}
	return &Selector{thresholds: t}
}

// Select applies, in order: clarification, depth, challenge, breadth and the
// advanced depth default.
func (s *Selector) Select(in Input) Guidance {
	eval := in.Evaluation
	if eval == nil {
		eval = &domain.Evaluation{}
	}
	sub := eval.SubScores
	topic := topicOf(in.Question)

	switch {
	case len(in.MissingRequired) > 0:
		return Guidance{
			Kind:       domain.StrategyClarification,
			Reason:     "required concept missing",
			FocusAreas: slices.Clone(in.MissingRequired),
			Approach:   "ask how the missing concept fits into the answer",
			Tone:       "supportive",
			Text:       fmt.Sprintf("Invite the candidate to explain the role of %s in %s.", strings.Join(in.MissingRequired, " and "), topic),
		}
	case sub.Completeness < s.thresholds.Completeness:
		focus := slices.Clone(eval.MissingKeywords)
		text := fmt.Sprintf("Ask the candidate to complete their answer about %s.", topic)
		if len(focus) > 0 {
			text = fmt.Sprintf("Ask the candidate to clarify the concept of %s they did not address.", focus[0])
		}
		return Guidance{
			Kind:       domain.StrategyClarification,
			Reason:     "incomplete answer",
			FocusAreas: focus,
			Approach:   "ask about the uncovered part of the question",
			Tone:       "supportive",
			Text:       text,
		}
	case sub.Clarity < s.thresholds.Clarity:
		return Guidance{
			Kind:     domain.StrategyClarification,
			Reason:   "unclear answer",
			Approach: "ask for a structured restatement",
			Tone:     "patient",
			Text:     fmt.Sprintf("Ask the candidate to restate their main point about %s step by step.", topic),
		}
	case sub.Depth < s.thresholds.Depth:
		return Guidance{
			Kind:       domain.StrategyDepth,
			Reason:     "shallow answer",
			FocusAreas: []string{topic},
			Approach:   "ask for a concrete example from practice",
			Tone:       "curious",
			Text:       fmt.Sprintf("Ask for a concrete example of applying %s in a real project.", topic),
		}
	case in.Senior && s.sustained(in.RecentScores):
		return Guidance{
			Kind:       domain.StrategyChallenge,
			Reason:     "sustained strong performance",
			FocusAreas: []string{topic},
			Approach:   "introduce an edge case or a conflicting constraint",
			Tone:       "collegial",
			Text:       fmt.Sprintf("Challenge the candidate with a hard trade-off or failure scenario around %s.", topic),
		}
	case eval.Overall >= s.thresholds.Breadth:
		focus := slices.Clone(in.UncoveredTopics)
		text := fmt.Sprintf("Ask how %s connects to neighbouring areas of the system.", topic)
		if len(focus) > 0 {
			text = fmt.Sprintf("Ask how %s relates to %s.", topic, focus[0])
		}
		return Guidance{
			Kind:       domain.StrategyBreadth,
			Reason:     "strong answer",
			FocusAreas: focus,
			Approach:   "connect the topic to related areas",
			Tone:       "engaged",
			Text:       text,
		}
	default:
		return Guidance{
			Kind:       domain.StrategyDepth,
			Reason:     "room for advanced detail",
			FocusAreas: []string{topic},
			Approach:   "ask about performance and scaling implications",
			Tone:       "curious",
			Text:       fmt.Sprintf("Ask about the performance or scaling implications of %s.", topic),
		}
	}
}

// sustained reports whether the trailing streak of scores all exceed the challenge threshold.
func (s *Selector) sustained(scores []float64) bool {
	n := s.thresholds.ChallengeStreak
	if len(scores) < n {
		return false
	}
	for _, score := range scores[len(scores)-n:] {
		if score <= s.thresholds.Challenge {
			return false
		}
	}
	return true
}

// IsSenior reports whether an experience level warrants challenge questions.
func IsSenior(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "senior", "lead", "staff", "principal", "expert":
		return true
	default:
		return false
	}
}

func topicOf(q domain.Question) string {
	if t := strings.TrimSpace(q.Topic); t != "" {
		return t
	}
	if len(q.Skills) > 0 {
		return q.Skills[0]
	}
	return "this topic"
}
