package utils

import "strings"

// PreviewLength is the default size of text previews in log entries.
const PreviewLength = 200

// TruncateForLog turns free text such as answers or model output into a one
// line preview of at most limit runes, marking cut text with an ellipsis.
func TruncateForLog(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	s = strings.Join(strings.Fields(s), " ")
	if runes := []rune(s); len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return s
}
