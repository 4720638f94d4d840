package util

import (
	"sort"
	"strings"
	"unicode"
)

const defaultSnippetRunes = 320

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {}, "what": {}, "how": {},
	"why": {}, "which": {}, "that": {}, "this": {}, "these": {}, "those": {}, "with": {},
	"from": {}, "does": {}, "about": {}, "into": {}, "when": {}, "who": {}, "there": {},
}

// Snippet shortens text for display. When query is given, the sentences
// sharing the most terms with it are preferred over the leading text.
func Snippet(text, query string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = defaultSnippetRunes
	}
	text = collapse(SanitizeText(text))
	if text == "" {
		return ""
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return truncateRunes(text, maxRunes)
	}
	sentences := sentences(text)
	if len(sentences) < 2 {
		return truncateRunes(text, maxRunes)
	}
	hits := make([]int, len(sentences))
	order := make([]int, len(sentences))
	for i, s := range sentences {
		order[i] = i
		low := strings.ToLower(s)
		for _, term := range terms {
			if strings.Contains(low, term) {
				hits[i]++
			}
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return hits[order[a]] > hits[order[b]] })
	if hits[order[0]] == 0 {
		return truncateRunes(text, maxRunes)
	}
	picked := []int{order[0]}
	if len(order) > 1 && hits[order[1]] > 0 {
		picked = append(picked, order[1])
		sort.Ints(picked)
	}
	parts := make([]string, 0, len(picked))
	for _, i := range picked {
		parts = append(parts, sentences[i])
	}
	return truncateRunes(strings.Join(parts, " "), maxRunes)
}

func queryTerms(q string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func sentences(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			if x := strings.TrimSpace(s[start : i+1]); x != "" {
				out = append(out, x)
			}
			start = i + 1
		}
	}
	if x := strings.TrimSpace(s[start:]); x != "" {
		out = append(out, x)
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return strings.TrimSpace(string(r[:max])) + "..."
}
