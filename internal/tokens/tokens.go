// Package tokens extracts the ordered token list from a headline. The
// enrichment prompt asks for one explanation per token, and the validator
// computes coverage against the same list, so both sides must agree on it.
package tokens

import (
	"regexp"
	"strings"
)

// properNounRe matches runs of up to five capitalized words so names like
// "Emmanuel Macron" survive tokenization as a single unit.
var properNounRe = regexp.MustCompile(`\p{Lu}[\p{L}\d'’.-]+(?: \p{Lu}[\p{L}\d'’.-]+){0,4}`)

// tokenRe matches words (including elisions like l'inflation and hyphenated
// compounds), proper-noun chunks joined by non-breaking spaces, and the
// punctuation marks French headlines lean on, guillemets included.
var tokenRe = regexp.MustCompile(`[\p{L}\d_]+(?:['’.-][\p{L}\d_]+)*(?:\x{00A0}[\p{L}\d_]+(?:['’.-][\p{L}\d_]+)*)*|[«»":,.;?!]`)

// mergeProperNouns joins consecutive capitalized words with a non-breaking
// space so the token splitter keeps them as one chunk.
func mergeProperNouns(title string) string {
	return properNounRe.ReplaceAllStringFunc(title, func(m string) string {
		return strings.ReplaceAll(m, " ", " ")
	})
}

// FromTitle returns the unique tokens of a headline in reading order.
// Multi-word proper nouns come back as single space-joined tokens.
func FromTitle(title string) []string {
	merged := mergeProperNouns(title)

	var out []string
	seen := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(merged, -1) {
		tok = strings.ReplaceAll(tok, " ", " ")
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}
