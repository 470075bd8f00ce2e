package logger

import (
	"strings"

	"go.uber.org/zap"
)

// Field keys shared by every component.
const (
	FieldComponent = "component"
	FieldProvider  = "ai_provider"
	FieldModel     = "ai_model"
	FieldSession   = "session_id"
	FieldPhase     = "phase"
	FieldRound     = "round"
)

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

// stringFields builds string fields from key/value pairs. Blank values are dropped
// so entries stay compact when something is unknown.
func stringFields(pairs ...[2]string) []zap.Field {
	fields := make([]zap.Field, 0, len(pairs))
	for _, pair := range pairs {
		if value := strings.TrimSpace(pair[1]); value != "" {
			fields = append(fields, zap.String(pair[0], value))
		}
	}
	return fields
}

// Component returns a child logger tagged with the component name. A nil
// logger yields a no-op logger.
func Component(log *zap.Logger, name string) *zap.Logger {
	return orNop(log).With(zap.String(FieldComponent, name))
}

// Backend describes a generation backend and its model.
func Backend(provider, model string) []zap.Field {
	return stringFields(
		[2]string{FieldProvider, provider},
		[2]string{FieldModel, model},
	)
}

// SessionFields describe where in an interview an entry was produced.
// A negative round means no round is open.
func SessionFields(sessionID, phase string, round int) []zap.Field {
	fields := stringFields(
		[2]string{FieldSession, sessionID},
		[2]string{FieldPhase, phase},
	)
	if round >= 0 {
		fields = append(fields, zap.Int(FieldRound, round))
	}
	return fields
}

// WithSession attaches the session fields to the logger.
func WithSession(log *zap.Logger, sessionID, phase string, round int) *zap.Logger {
	return orNop(log).With(SessionFields(sessionID, phase, round)...)
}
