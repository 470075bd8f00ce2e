// Package llm defines the text-generation contract used by the interview engine
// and the combinators that make generation failures recoverable.
package llm

import "context"

// GenerateConfig tunes a single generation call.
type GenerateConfig struct {
	// System is an optional system instruction.
	System string
	// Temperature is passed through when positive.
	Temperature float32
	// MaxOutputTokens is passed through when positive.
	MaxOutputTokens int32
	// JSON asks the backend for a JSON response when it supports it.
	JSON bool
}

// Generator produces text for a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string, cfg GenerateConfig) (string, error)
}

// HealthReporter is implemented by generators that can tell whether a call is worth attempting.
type HealthReporter interface {
	Healthy() bool
}

// Healthy reports whether g is usable. Generators without health reporting are
// assumed healthy; a nil generator is not.
func Healthy(g Generator) bool {
	if g == nil {
		return false
	}
	if reporter, ok := g.(HealthReporter); ok {
		return reporter.Healthy()
	}
	return true
}
