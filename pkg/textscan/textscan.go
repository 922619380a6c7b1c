// Package textscan provides the tokenization and overlap scoring shared by
// perception relevance matching and trend analysis.
package textscan

import "strings"

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "are": {}, "was": {}, "has": {}, "have": {}, "but": {},
	"not": {}, "you": {}, "your": {}, "about": {}, "into": {}, "over": {},
	"after": {}, "more": {}, "new": {}, "its": {}, "their": {}, "will": {},
	"a": {}, "an": {}, "as": {}, "at": {}, "be": {}, "by": {}, "do": {},
	"if": {}, "in": {}, "is": {}, "it": {}, "no": {}, "of": {}, "on": {},
	"or": {}, "so": {}, "to": {}, "up": {}, "we": {},
}

// Tokenize lowercases the input, strips non-alphanumeric runes, and drops
// stop words. Short tokens survive so acronym goals like "AI" still match.
// The result keeps input order with duplicates removed.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
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

// Overlap scores how much of the reference token set appears in the
// candidate set: |reference ∩ candidate| / max(1, |reference|). The score
// is in [0, 1] and 1 means every reference token matched.
func Overlap(reference, candidate []string) float64 {
	if len(reference) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(candidate))
	for _, t := range candidate {
		set[t] = struct{}{}
	}
	matched := 0
	for _, t := range reference {
		if _, ok := set[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(reference))
}
