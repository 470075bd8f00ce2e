package pipeline

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/spigell/hh-interviewer/internal/domain"
	"github.com/spigell/hh-interviewer/internal/strategy"
)

// leakMarkers are fragments of instruction text that must never reach the candidate.
var leakMarkers = []string{
	"the candidate",
	"follow-up intent",
	"as an ai",
	"language model",
	"system prompt",
	"action_type",
	"action_data",
	"{",
	"}",
}

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "also": {}, "been": {}, "could": {}, "does": {},
	"from": {}, "have": {}, "into": {}, "just": {}, "like": {}, "more": {},
	"that": {}, "their": {}, "them": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "what": {}, "when": {}, "where": {}, "which": {}, "while": {},
	"will": {}, "with": {}, "would": {}, "your": {}, "you've": {}, "how": {},
	"you": {}, "the": {}, "and": {}, "for": {}, "are": {}, "can": {}, "why": {},
	"was": {}, "did": {}, "not": {}, "any": {}, "all": {}, "use": {}, "its": {},
}

// templateFollowup phrases the strategy intent without a generator.
func templateFollowup(q domain.Question, g strategy.Guidance) string {
	topic := topicOf(q)
	focus := topic
	if len(g.FocusAreas) > 0 && strings.TrimSpace(g.FocusAreas[0]) != "" {
		focus = g.FocusAreas[0]
	}

	switch g.Kind {
	case domain.StrategyClarification:
		if focus == topic {
			return fmt.Sprintf("Could you restate your main point about %s step by step?", topic)
		}
		return fmt.Sprintf("Could you clarify how %s fits into your answer about %s?", focus, topic)
	case domain.StrategyChallenge:
		return fmt.Sprintf("Suppose your %s approach starts failing under heavy production load. How would you diagnose and handle it?", topic)
	case domain.StrategyBreadth:
		if focus == topic {
			return fmt.Sprintf("How does %s connect to other parts of the systems you have built?", topic)
		}
		return fmt.Sprintf("How does %s relate to %s in the systems you have worked on?", topic, focus)
	case domain.StrategyDepth:
		if g.Reason == "shallow answer" {
			return fmt.Sprintf("Can you walk me through a concrete example where you applied %s in a real project?", topic)
		}
		return fmt.Sprintf("What performance or scaling implications of %s have you run into in practice?", topic)
	default:
		return fmt.Sprintf("Could you tell me more about %s?", topic)
	}
}

// auditFollowup returns the problem found in a follow-up, or "" when it is usable.
func auditFollowup(text string, q domain.Question, g strategy.Guidance, maxLength int) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty follow-up"
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "follow-up is too long"
	}

	lower := strings.ToLower(trimmed)
	if g.Text != "" && strings.EqualFold(trimmed, strings.TrimSpace(g.Text)) {
		return "follow-up repeats the strategy intent"
	}
	for _, marker := range leakMarkers {
		if strings.Contains(lower, marker) {
			return "follow-up leaks instruction text"
		}
	}

	vocabulary := words(q.Topic + " " + q.Text + " " + strings.Join(q.Keywords, " ") + " " +
		strings.Join(q.Skills, " ") + " " + strings.Join(g.FocusAreas, " "))
	if len(vocabulary) == 0 {
		return ""
	}
	for w := range words(trimmed) {
		if _, ok := vocabulary[w]; ok {
			return ""
		}
	}
	return "follow-up drifts off-topic"
}

func words(text string) map[string]struct{} {
	out := make(map[string]struct{})
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '\''
	})
	for _, f := range fields {
		f = strings.Trim(f, "-'")
		if utf8.RuneCountInString(f) < 3 {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		out[f] = struct{}{}
	}
	return out
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
