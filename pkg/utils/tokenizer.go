package utils

import "strings"

// CountTokens estimates token usage as the number of whitespace-separated
// words. The same estimator is used for persisted usage metadata and for
// context budgeting so the two never disagree.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}
