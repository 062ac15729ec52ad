package utils

import (
	"sort"
	"strings"
)

// TruncateText truncates text to maxLen characters, adding "..." if truncated.
// Also removes newlines for single-line display.
func TruncateText(text string, maxLen int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.TrimSpace(text)

	if len(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return text[:maxLen]
	}
	return text[:maxLen-3] + "..."
}

// ExtractKeywords returns up to max lowercase words longer than minLen
// from the text, in order of appearance
func ExtractKeywords(text string, minLen, max int) []string {
	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		if len(word) > minLen {
			keywords = append(keywords, word)
			if len(keywords) == max {
				break
			}
		}
	}
	return keywords
}

// TopFrequentWords returns the top-k most frequent lowercase words longer
// than minLen across all texts. Ties break alphabetically so the result
// is deterministic.
func TopFrequentWords(texts []string, minLen, k int) []string {
	counts := make(map[string]int)
	for _, text := range texts {
		for _, word := range strings.Fields(strings.ToLower(text)) {
			if len(word) > minLen {
				counts[word]++
			}
		}
	}

	words := make([]string, 0, len(counts))
	for word := range counts {
		words = append(words, word)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})

	if len(words) > k {
		words = words[:k]
	}
	return words
}

// UniqueStrings returns the distinct non-empty values in order of first
// appearance
func UniqueStrings(values []string) []string {
	seen := make(map[string]bool)
	var unique []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		unique = append(unique, v)
	}
	return unique
}
