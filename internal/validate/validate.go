// Package validate guards the publish bar: no generative response reaches
// the rolling set with missing or inconsistent fields. Content-quality
// failures never error, they return display_ready=false; only input that is
// not JSON at all raises ErrNotJSON, so the orchestrator can tell "retry the
// call" apart from "accept as partial".
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"lexipresse/internal/config"
	"lexipresse/internal/core"
	"lexipresse/internal/glossary"
	"lexipresse/internal/logger"
)

// ErrNotJSON signals that a response contains no parseable JSON value at
// all. It is a different failure class from content that parses but fails
// the quality checks.
var ErrNotJSON = errors.New("response is not JSON")

var validDifficulties = map[string]bool{
	"A1": true, "A2": true, "B1": true, "B2": true, "C1": true, "C2": true,
}

var validTones = map[string]bool{
	"neutral": true, "opinion": true, "satire": true, "other": true,
}

// Validator checks enrichment output against the publish bar.
type Validator struct {
	cfg config.Validation
	now func() time.Time
}

// NewValidator creates a validator with the configured thresholds.
func NewValidator(cfg config.Validation) *Validator {
	return &Validator{cfg: cfg, now: time.Now}
}

// ExtractJSON returns the first balanced JSON object or array embedded in
// text. Generative services routinely wrap JSON in markdown fences or
// surround it with prose; this scans past all of that.
func ExtractJSON(text string) (string, error) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		end := scanBalanced(text, i)
		if end < 0 {
			continue
		}
		candidate := text[i:end]
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", ErrNotJSON
}

// scanBalanced returns the index just past the value starting at start, or
// -1 if the brackets never balance. String contents are skipped so braces
// inside quoted text do not confuse the depth counter.
func scanBalanced(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// ParseTitles extracts and decodes the titles/summaries payload.
func (v *Validator) ParseTitles(raw string) (core.TitleBlock, error) {
	jsonStr, err := ExtractJSON(raw)
	if err != nil {
		return core.TitleBlock{}, fmt.Errorf("titles payload: %w", err)
	}
	var titles core.TitleBlock
	if err := json.Unmarshal([]byte(jsonStr), &titles); err != nil {
		return core.TitleBlock{}, fmt.Errorf("titles payload: %w", errors.Join(ErrNotJSON, err))
	}
	return titles, nil
}

// ParseExplanations extracts and decodes the token-explanation payload.
// The expected shape is an array of objects, but a map keyed by token is
// accepted too since models produce it often enough.
func (v *Validator) ParseExplanations(raw string) ([]core.TokenExplanation, error) {
	jsonStr, err := ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("explanations payload: %w", err)
	}

	var list []core.TokenExplanation
	if err := json.Unmarshal([]byte(jsonStr), &list); err == nil {
		return list, nil
	}

	var keyed map[string]struct {
		Heading     string `json:"heading"`
		Explanation string `json:"explanation"`
		Note        string `json:"note"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &keyed); err != nil {
		return nil, fmt.Errorf("explanations payload: %w", errors.Join(ErrNotJSON, err))
	}
	list = make([]core.TokenExplanation, 0, len(keyed))
	for token, val := range keyed {
		list = append(list, core.TokenExplanation{
			OriginalToken: token,
			Heading:       val.Heading,
			Explanation:   val.Explanation,
			Note:          val.Note,
		})
	}
	return list, nil
}

// Validate assembles the publishable article from enrichment output.
// Scalar failures on titles or summaries reject the whole item. Malformed
// token entries are dropped individually, and the item is display-ready only
// if the kept entries cover the required token list at or above the
// configured minimum. Callers never set DisplayReady themselves.
func (v *Validator) Validate(item core.ScoredItem, titles core.TitleBlock, explanations []core.TokenExplanation, required []string) (core.EnrichedArticle, bool) {
	log := logger.Get()

	kept := v.filterExplanations(item, explanations)
	coverage := coverage(kept, required)

	article := core.EnrichedArticle{
		ID:            uuid.New().String(),
		SchemaVersion: core.SchemaVersion,
		Fingerprint:   item.Fingerprint,
		Title:         item.Item.Title,
		Summary:       item.Item.Summary,
		Link:          item.Item.Link,
		SourceName:    item.Item.SourceName,
		PublishedAt:   item.Item.PublishedAt,
		Titles:        titles,
		Explanations:  kept,
		Coverage:      coverage,
		ProcessedAt:   v.now().UTC(),
		TotalScore:    item.TotalScore,
	}

	if reason := v.checkScalars(titles); reason != "" {
		log.Warn("Article rejected on scalar validation",
			"link", item.Item.Link, "reason", reason)
		return article, false
	}

	if coverage < v.cfg.MinCoverage {
		log.Warn("Article below coverage threshold",
			"link", item.Item.Link,
			"coverage", coverage,
			"min_coverage", v.cfg.MinCoverage,
			"required", len(required),
			"kept", len(kept))
		return article, false
	}

	article.DisplayReady = true
	return article, true
}

// checkScalars applies the hard-reject rules to titles and summaries.
// It returns an empty string when everything passes.
func (v *Validator) checkScalars(titles core.TitleBlock) string {
	if strings.TrimSpace(titles.SimplifiedFrenchTitle) == "" ||
		strings.TrimSpace(titles.SimplifiedEnglishTitle) == "" {
		return "empty simplified title"
	}
	if utf8.RuneCountInString(titles.SimplifiedFrenchTitle) > v.cfg.TitleMaxRunes ||
		utf8.RuneCountInString(titles.SimplifiedEnglishTitle) > v.cfg.TitleMaxRunes {
		return "simplified title too long"
	}
	for name, summary := range map[string]string{
		"french_summary":  titles.FrenchSummary,
		"english_summary": titles.EnglishSummary,
	} {
		words := len(strings.Fields(summary))
		if words < v.cfg.SummaryMinWords || words > v.cfg.SummaryMaxWords {
			return fmt.Sprintf("%s word count %d outside %d-%d",
				name, words, v.cfg.SummaryMinWords, v.cfg.SummaryMaxWords)
		}
	}
	if sameText(titles.FrenchSummary, titles.SimplifiedFrenchTitle) ||
		sameText(titles.EnglishSummary, titles.SimplifiedEnglishTitle) {
		return "summary is a copy of the title"
	}
	if !validDifficulties[titles.Difficulty] {
		return fmt.Sprintf("invalid difficulty %q", titles.Difficulty)
	}
	if !validTones[titles.Tone] {
		return fmt.Sprintf("invalid tone %q", titles.Tone)
	}
	return ""
}

// filterExplanations applies the partial-accept strategy: entries with a
// missing, empty, or duplicate original token are dropped silently, and
// headings that merely echo their token are repaired via the bundled
// glossary or dropped. One bad entry never discards its neighbours.
func (v *Validator) filterExplanations(item core.ScoredItem, explanations []core.TokenExplanation) []core.TokenExplanation {
	log := logger.Get()
	seen := make(map[string]bool, len(explanations))
	var kept []core.TokenExplanation
	for _, e := range explanations {
		token := strings.TrimSpace(e.OriginalToken)
		if token == "" || seen[token] {
			continue
		}
		if strings.TrimSpace(e.Explanation) == "" {
			continue
		}
		if headingEchoesToken(e.Heading, token) {
			gloss, ok := glossary.Lookup(token)
			if !ok {
				log.Debug("Dropping echoed heading with no glossary entry",
					"link", item.Item.Link, "token", token)
				continue
			}
			e.Heading = fmt.Sprintf("%s (%s)", token, gloss)
		}
		seen[token] = true
		e.OriginalToken = token
		kept = append(kept, e)
	}
	return kept
}

// headingEchoesToken reports whether a heading adds nothing beyond the
// literal source token.
func headingEchoesToken(heading, token string) bool {
	h := normalizeForCompare(heading)
	if h == "" {
		return true
	}
	return h == normalizeForCompare(token)
}

// coverage is the fraction of the required token list present among the
// kept entries. An empty required list counts as full coverage.
func coverage(kept []core.TokenExplanation, required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	have := make(map[string]bool, len(kept))
	for _, e := range kept {
		have[e.OriginalToken] = true
	}
	covered := 0
	for _, tok := range required {
		if have[tok] {
			covered++
		}
	}
	return float64(covered) / float64(len(required))
}

func sameText(a, b string) bool {
	return normalizeForCompare(a) == normalizeForCompare(b)
}

// normalizeForCompare casefolds and strips everything but letters, digits,
// and spaces so decoration alone never distinguishes two strings.
func normalizeForCompare(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
