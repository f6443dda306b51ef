package core

import (
	"strings"
	"unicode"
)

// tokenSynonyms folds common takeoff abbreviations onto one spelling before
// tokens are compared.
var tokenSynonyms = map[string]string{
	"no":    "number",
	"num":   "number",
	"nbr":   "number",
	"nr":    "number",
	"dwg":   "drawing",
	"drg":   "drawing",
	"comp":  "component",
	"cmpt":  "component",
	"desc":  "description",
	"descr": "description",
	"pkg":   "package",
	"pack":  "package",
	"matl":  "material",
	"mat":   "material",
	"qty":   "quantity",
	"ident": "identifier",
	"id":    "identifier",
	"sys":   "system",
	"rcvd":  "received",
	"recd":  "received",
}

// normalizeHeader lowercases s and strips everything but letters and digits.
func normalizeHeader(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// tokenizeHeader splits a header into lowercase tokens on punctuation,
// whitespace and camelCase boundaries, then applies tokenSynonyms.
//
//   - "Drawing No."   -> ["drawing", "number"]
//   - "componentType" -> ["component", "type"]
//   - "DWG_NO"        -> ["drawing", "number"]
func tokenizeHeader(s string) []string {
	var tokens []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			tok := strings.ToLower(string(current))
			if syn, ok := tokenSynonyms[tok]; ok {
				tok = syn
			}
			tokens = append(tokens, tok)
			current = current[:0]
		}
	}

	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && len(current) > 0 && startsToken(runes, i) {
			flush()
		}
		current = append(current, r)
	}
	flush()
	return tokens
}

// startsToken reports a camelCase boundary at position i: lower to upper
// ("drawingNo") or the end of an acronym ("DWGNumber").
func startsToken(runes []rune, i int) bool {
	r, prev := runes[i], runes[i-1]
	if unicode.IsUpper(r) && unicode.IsLower(prev) {
		return true
	}
	if unicode.IsUpper(r) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
		return true
	}
	return false
}

// tokensMatch compares two normalized tokens: equal, an abbreviation prefix
// of at least three letters, or a near spelling.
func tokensMatch(a, b string) bool {
	if a == b {
		return true
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) >= 3 && strings.HasPrefix(long, short) {
		return true
	}
	if len(short) >= 4 && levenshteinNormalized(a, b) >= 0.8 {
		return true
	}
	return false
}

// tokenOverlap pairs tokens one to one and returns matched pairs divided by
// the longer token list, so extra words on either side lower the score.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	used := make([]bool, len(b))
	matched := 0
	for _, ta := range a {
		for j, tb := range b {
			if !used[j] && tokensMatch(ta, tb) {
				used[j] = true
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(max(len(a), len(b)))
}

// levenshtein computes the edit distance between two strings using two rows.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	if len(a) > len(b) {
		a, b = b, a
	}

	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for i := range prev {
		prev[i] = i
	}

	for j := 1; j <= len(b); j++ {
		curr[0] = j
		for i := 1; i <= len(a); i++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[i] = min(prev[i]+1, curr[i-1]+1, prev[i-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(a)]
}

// levenshteinNormalized returns 1 - distance/maxLen, in [0, 1].
func levenshteinNormalized(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshtein(a, b))/float64(max(len(a), len(b)))
}
