package capture

import (
	"strings"
	"unicode"
)

// NormalizeLabel lowercases s and collapses every run of non-alphanumeric
// characters into a single space.
func NormalizeLabel(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// LabelMatches reports whether label contains one of the vocabulary entries as
// whole words, so "I agree" matches "agree" but "Disagree" does not. An empty
// vocabulary matches every label.
func LabelMatches(label string, vocabulary []string) bool {
	if len(vocabulary) == 0 {
		return true
	}
	padded := " " + NormalizeLabel(label) + " "
	for _, word := range vocabulary {
		w := NormalizeLabel(word)
		if w == "" {
			continue
		}
		if strings.Contains(padded, " "+w+" ") {
			return true
		}
	}
	return false
}
