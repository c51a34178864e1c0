package source

import (
	"strings"
	"unicode"
)

// DefaultExcludeTerms are labels too generic to count as a workflow topic.
var DefaultExcludeTerms = []string{
	"n8n", "llm", "chatgpt", "youtube", "zapier", "github", "nadn",
}

// Filter drops collected items whose label is a generic term.
type Filter struct {
	exclude map[string]bool
}

// NewFilter creates a filter with the default exclude terms plus extras.
func NewFilter(extraExclude []string) *Filter {
	exclude := make(map[string]bool, len(DefaultExcludeTerms)+len(extraExclude))
	for _, t := range DefaultExcludeTerms {
		exclude[strings.ToLower(t)] = true
	}
	for _, t := range extraExclude {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			exclude[t] = true
		}
	}
	return &Filter{exclude: exclude}
}

// Allows reports whether label is specific enough to keep.
// A nil filter allows everything.
func (f *Filter) Allows(label string) bool {
	if f == nil {
		return true
	}
	key := strings.ToLower(strings.Join(strings.Fields(label), " "))
	if key == "" {
		return false
	}
	return !f.exclude[key]
}

// NormalizeTerm trims, collapses inner whitespace and title-cases a term.
func NormalizeTerm(term string) string {
	words := strings.Fields(strings.ToLower(term))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToTitle(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
