package curate

import (
	"math"
	"regexp"
	"strings"

	"lexipresse/internal/config"
	"lexipresse/internal/core"
	"lexipresse/internal/dedup"
)

// Score bounds and the category-fit staircase. These shape the score space;
// the relative weights between dimensions live in configuration.
const (
	relevanceBase   = 4.0
	relevanceHigh   = 9.0
	relevanceMedium = 7.0
	relevanceMax    = 12.0
	practicalMax    = 9.0
	newsworthyMax   = 4.0

	fitNone   = 2.0
	fitSingle = 5.0
	fitMulti  = 8.0
)

var (
	currencyRe = regexp.MustCompile(`€|\beuros?\b|\bEUR\b`)
	yearRe     = regexp.MustCompile(`\b(19|20)\d{2}\b|\b\d{1,2}\s+(janvier|février|mars|avril|mai|juin|juillet|août|septembre|octobre|novembre|décembre)\b`)
	percentRe  = regexp.MustCompile(`\d+\s*%`)
)

// Scorer computes multi-dimensional quality scores for raw items. It is a pure
// function of its immutable keyword tables; two calls on identical input
// always produce identical output.
type Scorer struct {
	highKw       []string
	mediumKw     []string
	institutions []string
	categoryKw   map[core.Category][]string
	weights      config.Weights

	city       string
	painPoints []string
	interests  []string
}

// NewScorer builds a Scorer from the curation tables and reader profile.
// Keywords are lowercased once here; the tables never change afterwards.
func NewScorer(cur config.Curation, profile config.Profile) *Scorer {
	categoryKw := make(map[core.Category][]string, len(cur.CategoryKeywords))
	for name, kws := range cur.CategoryKeywords {
		categoryKw[core.Category(name)] = lowerAll(kws)
	}
	return &Scorer{
		highKw:       lowerAll(cur.HighValueKeywords),
		mediumKw:     lowerAll(cur.MediumValueKeywords),
		institutions: lowerAll(cur.Institutions),
		categoryKw:   categoryKw,
		weights:      cur.Weights,
		city:         strings.ToLower(profile.City),
		painPoints:   lowerAll(profile.PainPoints),
		interests:    lowerAll(profile.Interests),
	}
}

// Score computes the full score breakdown for one item. The only error path
// is a malformed item with no fingerprintable identity.
func (s *Scorer) Score(item core.RawItem) (core.ScoredItem, error) {
	fp, err := dedup.Fingerprint(item)
	if err != nil {
		return core.ScoredItem{}, err
	}

	text := strings.ToLower(item.Title + " " + item.Summary)

	relevance := s.scoreRelevance(text)
	practical := s.scorePractical(text)
	category, matches := s.classify(text)
	fit := fitScore(matches)
	newsworthy := math.Min(float64(len(strings.Fields(item.Summary)))/100.0, newsworthyMax)

	total := relevance*s.weights.Relevance +
		practical*s.weights.Practical +
		fit*s.weights.CategoryFit +
		newsworthy

	return core.ScoredItem{
		Item:             item,
		Fingerprint:      fp,
		RelevanceScore:   relevance,
		PracticalScore:   practical,
		Category:         category,
		CategoryFitScore: fit,
		TotalScore:       round3(total),
	}, nil
}

// scoreRelevance assigns the keyword-tier base and adds capped profile boosts.
func (s *Scorer) scoreRelevance(text string) float64 {
	score := relevanceBase
	switch {
	case containsAny(text, s.highKw):
		score = relevanceHigh
	case containsAny(text, s.mediumKw):
		score = relevanceMedium
	case strings.Contains(text, "france") || strings.Contains(text, "français"):
		// National catch-all so big countrywide topics aren't missed.
		score = relevanceMedium
	}
	if s.city != "" && strings.Contains(text, s.city) {
		score += 1.5
	}
	if containsAny(text, s.painPoints) {
		score += 1.0
	}
	if containsAny(text, s.interests) {
		score += 0.5
	}
	return clamp(score, 0, relevanceMax)
}

// scorePractical rewards concrete, actionable detail: amounts, dates,
// percentages, and named institutions.
func (s *Scorer) scorePractical(text string) float64 {
	score := 0.0
	if currencyRe.MatchString(text) {
		score += 3
	}
	if yearRe.MatchString(text) {
		score += 2
	}
	if percentRe.MatchString(text) {
		score += 1
	}
	if containsAny(text, s.institutions) {
		score += 1
	}
	return clamp(score, 0, practicalMax)
}

// classify returns the category with the most keyword matches and the match
// count. Ties are broken by the fixed order of core.Categories; zero matches
// everywhere yields the general bucket.
func (s *Scorer) classify(text string) (core.Category, int) {
	best := core.CategoryGeneral
	bestCount := 0
	for _, cat := range core.Categories() {
		count := 0
		for _, kw := range s.categoryKw[cat] {
			if strings.Contains(text, kw) {
				count++
			}
		}
		if count > bestCount {
			best = cat
			bestCount = count
		}
	}
	return best, bestCount
}

func fitScore(matches int) float64 {
	switch {
	case matches >= 2:
		return fitMulti
	case matches == 1:
		return fitSingle
	default:
		return fitNone
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
