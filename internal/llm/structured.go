package llm

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ActionDirectResponse is the action type of unstructured output.
const ActionDirectResponse = "direct_response"

var errNoObject = errors.New("no json object found")

// trailingComma matches trailing commas before ] or }.
var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// ParseResult holds either a decoded value or the raw text that failed to decode.
type ParseResult[T any] struct {
	value T
	raw   string
	ok    bool
	err   error
}

// Parsed wraps a successfully decoded value.
func Parsed[T any](value T, raw string) ParseResult[T] {
	return ParseResult[T]{value: value, raw: raw, ok: true}
}

// Fallback wraps raw text that could not be decoded, carrying a safe default value.
func Fallback[T any](def T, raw string, err error) ParseResult[T] {
	if err == nil {
		err = errNoObject
	}
	return ParseResult[T]{value: def, raw: raw, err: &ParseError{Raw: raw, Err: err}}
}

// IsOk reports whether the value was decoded from the raw text.
func (r ParseResult[T]) IsOk() bool { return r.ok }

// Value returns the decoded value or the fallback default.
func (r ParseResult[T]) Value() T { return r.value }

// Raw returns the text the result was built from.
func (r ParseResult[T]) Raw() string { return r.raw }

// Err returns the ParseError of a fallback result.
func (r ParseResult[T]) Err() error { return r.err }

// Structured is the envelope of agent-style generated output.
type Structured struct {
	Thought    string         `json:"thought"`
	ActionType string         `json:"action_type"`
	ActionData map[string]any `json:"action_data"`
}

// DirectResponse wraps raw text in the unstructured envelope.
func DirectResponse(raw string) Structured {
	return Structured{
		ActionType: ActionDirectResponse,
		ActionData: map[string]any{"text": strings.TrimSpace(raw)},
	}
}

// ExtractObject returns the first balanced JSON object in raw. Braces inside
// string literals are ignored.
func ExtractObject(raw string) (string, bool) {
	for start := strings.IndexByte(raw, '{'); start >= 0; {
		if end := matchBrace(raw, start); end > 0 {
			return raw[start : end+1], true
		}
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// DecodeObject extracts and decodes the first JSON object in raw.
func DecodeObject(raw string) ParseResult[map[string]any] {
	obj, ok := ExtractObject(raw)
	if !ok {
		return Fallback[map[string]any](nil, raw, errNoObject)
	}

	var data map[string]any
	err := json.Unmarshal([]byte(obj), &data)
	if err != nil {
		// Models often leave trailing commas behind.
		if retryErr := json.Unmarshal([]byte(trailingComma.ReplaceAllString(obj, "$1")), &data); retryErr != nil {
			return Fallback[map[string]any](nil, raw, err)
		}
	}

	return Parsed(data, raw)
}

// DecodeInto decodes a generated object into a struct with json tags. Loosely
// typed values are converted where possible, so "7" fills an int and a single
// string fills a slice.
func DecodeInto(data map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(data)
}

// ParseStructured decodes the agent envelope, degrading to a direct response.
func ParseStructured(raw string) ParseResult[Structured] {
	decoded := DecodeObject(raw)
	if !decoded.IsOk() {
		return Fallback(DirectResponse(raw), raw, decoded.Err())
	}

	data := decoded.Value()
	out := Structured{
		Thought:    AsString(first(data, "thought", "reasoning")),
		ActionType: AsString(first(data, "action_type", "actionType", "action")),
	}
	if actionData, ok := first(data, "action_data", "actionData").(map[string]any); ok {
		out.ActionData = actionData
	}

	if out.ActionType == "" {
		return Fallback(DirectResponse(raw), raw, errors.New("action type is missing"))
	}
	if out.ActionData == nil {
		out.ActionData = map[string]any{}
	}

	return Parsed(out, raw)
}

// GenerateStructured generates and parses an agent envelope. Only generation
// failures are returned as errors; undecodable output yields a fallback result.
func GenerateStructured(ctx context.Context, g Generator, prompt string, cfg GenerateConfig) (ParseResult[Structured], error) {
	if g == nil {
		return ParseResult[Structured]{}, &GenerationError{Backend: "none", Kind: KindUnavailable, Err: ErrNoBackends}
	}

	cfg.JSON = true
	raw, err := g.Generate(ctx, prompt, cfg)
	if err != nil {
		return ParseResult[Structured]{}, err
	}

	return ParseStructured(raw), nil
}

func first(data map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := data[key]; ok && v != nil {
			return v
		}
	}
	return nil
}
