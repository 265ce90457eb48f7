// Package tokenutil estimates prompt sizes without a tokenizer.
package tokenutil

import "strings"

// EstimateTokens approximates the token count of content as the larger
// of 1.33 tokens per word and one token per four bytes. The byte floor
// keeps code and non-English text from being undercounted.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(content))) * 1.33)
	if chars := len(content) / 4; chars > words {
		return chars
	}
	return words
}

// KeepNewest returns the index of the first of texts to keep so that
// the estimated total of texts[i:] stays within maxTokens. The last
// element is always kept, even when it alone exceeds the budget.
func KeepNewest(texts []string, maxTokens int) int {
	total := 0
	for i := len(texts) - 1; i >= 0; i-- {
		total += EstimateTokens(texts[i])
		if total > maxTokens && i < len(texts)-1 {
			return i + 1
		}
	}
	return 0
}
