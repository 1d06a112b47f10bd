// Package tokenutil provides cheap token estimation for prompt budgeting.
// The catalog uses it to bound tier-1 descriptor payloads; the engine uses
// it to size observations before they re-enter the prompt.
package tokenutil

import "strings"

// EstimateTokens returns a word-based token estimate.
// Splits on whitespace, multiplies by 1.33 (avg tokens/word for English).
// Uses max(wordEstimate, len/4) as floor for code/non-English.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	wordEstimate := int(float64(words) * 1.33)
	charEstimate := len(content) / 4
	if wordEstimate > charEstimate {
		return wordEstimate
	}
	return charEstimate
}

// WithinBudget reports whether content fits the given token budget.
func WithinBudget(content string, budget int) bool {
	return EstimateTokens(content) <= budget
}

// Truncate trims content to approximately fit the given token budget,
// appending a marker when anything was cut. Used for oversized tool
// observations; never applied to skill bodies.
func Truncate(content string, budget int) string {
	if WithinBudget(content, budget) {
		return content
	}
	// 4 chars/token is the floor EstimateTokens uses, so this can only
	// overshoot downward.
	limit := budget * 4
	if limit >= len(content) {
		limit = len(content) - 1
	}
	if limit < 0 {
		limit = 0
	}
	return content[:limit] + "\n[truncated]"
}
