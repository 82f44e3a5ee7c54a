package assistant

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// CountTokens returns the number of tokens of content for model
func CountTokens(model, content string) int {
	return llms.CountTokens(model, content)
}

// AvailableTokens returns how many tokens remain of limit once the given fixed parts are counted.
// A limit of zero or less disables the budget and yields -1.
func AvailableTokens(model string, limit int, fixed ...string) (int, error) {
	if limit <= 0 {
		return -1, nil
	}

	used := 0
	for _, part := range fixed {
		used += CountTokens(model, part)
	}
	// Safety margin for message framing
	used += 10

	available := limit - used
	if available < 0 {
		return 0, fmt.Errorf("prompt exceeds token limit of %d", limit)
	}
	return available, nil
}

// TruncateByTokens returns the longest prefix of content whose token count fits availableTokens.
// It binary searches on runes. A negative availableTokens returns content unchanged.
func TruncateByTokens(model, content string, availableTokens int) (string, error) {
	if availableTokens < 0 {
		return content, nil
	}
	if CountTokens(model, content) <= availableTokens {
		return content, nil
	}

	runes := []rune(content)
	low := 0
	high := len(runes)
	validCut := 0

	for low <= high {
		mid := (low + high) / 2
		if CountTokens(model, string(runes[:mid])) <= availableTokens {
			validCut = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}

	truncated := string(runes[:validCut])
	if CountTokens(model, truncated) > availableTokens {
		return "", fmt.Errorf("truncated content still exceeds the available token limit")
	}
	return truncated, nil
}
