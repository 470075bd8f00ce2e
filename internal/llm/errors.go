package llm

import (
	"errors"
	"fmt"
)

// ErrNoBackends is returned when a chain has no backend to call.
var ErrNoBackends = errors.New("no generation backends configured")

// ErrorKind classifies generation failures.
type ErrorKind string

const (
	KindBackend     ErrorKind = "backend"
	KindTimeout     ErrorKind = "timeout"
	KindEmpty       ErrorKind = "empty"
	KindUnavailable ErrorKind = "unavailable"
)

// GenerationError reports a failed generation call. It is always recoverable
// with a deterministic substitute.
type GenerationError struct {
	Backend string
	Kind    ErrorKind
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("generation %s failure on %s", e.Kind, e.Backend)
	}
	return fmt.Sprintf("generation %s failure on %s: %v", e.Kind, e.Backend, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ParseError reports generated text that could not be decoded.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse generated output: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsGenerationError reports whether err is a GenerationError.
func IsGenerationError(err error) bool {
	var genErr *GenerationError
	return errors.As(err, &genErr)
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}
