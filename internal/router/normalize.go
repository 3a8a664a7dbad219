package router

import (
	"regexp"
	"strings"
)

var (
	punctuation = regexp.MustCompile(`[^\w\s]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// normalizeText lowercases, strips punctuation, and collapses whitespace, as
// required before wake-phrase/cancel-phrase matching (spec.md §4.G
// "Normalization").
func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = punctuation.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func containsAny(normalized string, phrases []string) (string, bool) {
	for _, p := range phrases {
		np := normalizeText(p)
		if np == "" {
			continue
		}
		if strings.Contains(normalized, np) {
			return p, true
		}
	}
	return "", false
}
