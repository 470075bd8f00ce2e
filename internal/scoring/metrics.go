package scoring

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	completenessLengthTarget = 200.0
	depthLengthTarget        = 300.0
	exampleBonus             = 20.0
	clarityTargetSentences   = 5.0

	// neutralCoverage is used when a question lists no expected keywords.
	neutralCoverage = 50.0
)

var examplePhrases = []string{
	"for example",
	"for instance",
	"e.g.",
	"such as",
	"example",
	"in practice",
	"imagine",
	"consider a",
	"let's say",
	"in my last project",
}

// explanation holds the free-text measurements shared by every rubric.
type explanation struct {
	length            int
	keywordCoverage   float64
	completeness      float64
	technicalAccuracy float64
	depth             float64
	clarity           float64
	missing           []string
}

func measure(text string, keywords []string) explanation {
	text = strings.TrimSpace(text)
	length := utf8.RuneCountInString(text)
	coverage, missing := keywordCoverage(text, keywords)

	lengthRatio := math.Min(100, float64(length)/completenessLengthTarget*100)

	depth := float64(length) / depthLengthTarget * 100
	if hasExample(text) {
		depth += exampleBonus
	}

	return explanation{
		length:            length,
		keywordCoverage:   clamp(coverage),
		completeness:      clamp(0.7*coverage + 0.3*lengthRatio),
		technicalAccuracy: clamp(0.9 * coverage),
		depth:             clamp(depth),
		clarity:           clamp(float64(sentenceCount(text)) / clarityTargetSentences * 100),
		missing:           missing,
	}
}

func keywordCoverage(text string, keywords []string) (float64, []string) {
	if len(keywords) == 0 {
		return neutralCoverage, nil
	}

	lower := strings.ToLower(text)
	matched := 0
	var missing []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			matched++
			continue
		}
		missing = append(missing, kw)
	}

	total := matched + len(missing)
	if total == 0 {
		return neutralCoverage, nil
	}

	return float64(matched) / float64(total) * 100, missing
}

// MissingRequired returns the required keywords absent from the text.
func MissingRequired(text string, required []string) []string {
	if len(required) == 0 {
		return nil
	}
	_, missing := keywordCoverage(text, required)
	return missing
}

func hasExample(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range examplePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// sentenceCount counts runs of text terminated by ., ! or ?. A trailing
// unterminated run counts as a sentence.
func sentenceCount(text string) int {
	count := 0
	inSentence := false
	for _, r := range text {
		switch {
		case r == '.' || r == '!' || r == '?':
			if inSentence {
				count++
				inSentence = false
			}
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			inSentence = true
		}
	}
	if inSentence {
		count++
	}
	return count
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
