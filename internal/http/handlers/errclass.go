package handlers

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// classify buckets an engine failure message into a stable error code the
// client can branch on.
func classify(msg string) string {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "engine is not reachable"):
		return "engine_offline"
	case strings.Contains(lower, "execution failed"),
		strings.Contains(lower, "execution_error"):
		return "execution_failed"
	case strings.Contains(lower, "deadline exceeded"),
		strings.Contains(lower, "timeout"):
		return "timeout"
	case strings.Contains(lower, "content policy"),
		strings.Contains(lower, "safety"):
		return "content_policy"
	case strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "broken pipe"),
		strings.Contains(lower, "eof"):
		return "network_error"
	default:
		return "generation_failed"
	}
}

// describeFailure renders a code's human-readable label followed by the raw
// detail, e.g. "Execution Failed: comfy: workflow execution failed: ...".
func describeFailure(msg string) string {
	label := titleCaser.String(strings.ReplaceAll(classify(msg), "_", " "))
	return label + ": " + msg
}
