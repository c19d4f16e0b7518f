package core

import "time"

// SchemaVersion is the version marker for the published-articles contract.
// Renderers depend on the EnrichedArticle field layout; bump this when it changes.
const SchemaVersion = 2

// Category is a topical bucket assigned by the rule-based scorer.
type Category string

const (
	CategoryPolitics Category = "politics"
	CategoryEconomy  Category = "economy"
	CategorySociety  Category = "society"
	CategoryCulture  Category = "culture"
	CategorySport    Category = "sport"
	CategoryHealth   Category = "health"
	CategoryGeneral  Category = "general"
)

// Categories lists all categories in tie-break order. When keyword match
// counts are equal, the earlier entry wins.
func Categories() []Category {
	return []Category{
		CategoryPolitics,
		CategoryEconomy,
		CategorySociety,
		CategoryCulture,
		CategorySport,
		CategoryHealth,
		CategoryGeneral,
	}
}

// RawItem represents one candidate news entry as received from a source
// collaborator. Immutable once created.
type RawItem struct {
	Title       string     `json:"title"`        // Original headline
	Summary     string     `json:"summary"`      // Short source-provided summary
	Link        string     `json:"link"`         // Canonical locator, dedup key component
	SourceName  string     `json:"source_name"`  // Human-readable source label
	PublishedAt *time.Time `json:"published_at"` // Publication timestamp, nil if unknown
	FetchedAt   time.Time  `json:"fetched_at"`   // When the fetch collaborator retrieved it
}

// Fingerprint is a deterministic 64-bit identity digest for a RawItem.
// Two items with the same fingerprint are duplicates regardless of source.
type Fingerprint uint64

// ScoredItem is a RawItem plus its rule-based score breakdown.
type ScoredItem struct {
	Item             RawItem     `json:"item"`               // The underlying raw item
	Fingerprint      Fingerprint `json:"fingerprint"`        // Join key across pipeline stages
	RelevanceScore   float64     `json:"relevance_score"`    // Keyword/profile relevance, 0-12
	PracticalScore   float64     `json:"practical_score"`    // Actionable-detail signals, 0-9
	Category         Category    `json:"category"`           // Best-matching topical bucket
	CategoryFitScore float64     `json:"category_fit_score"` // Staircase of category match count
	TotalScore       float64     `json:"total_score"`        // Weighted sum, stable across re-scores
}

// OverflowEntry is a ScoredItem held back by the per-run cap, eligible for
// reconsideration strictly before ExpiresAt.
type OverflowEntry struct {
	Item      ScoredItem `json:"item"`       // The deferred scored item
	QueuedAt  time.Time  `json:"queued_at"`  // First sighting; expiry counts from here
	ExpiresAt time.Time  `json:"expires_at"` // QueuedAt + overflow TTL, never refreshed
}

// CurationDecision records the outcome of one allocator run.
type CurationDecision struct {
	RunID      string       `json:"run_id"`      // Unique identifier for this run
	DecidedAt  time.Time    `json:"decided_at"`  // When the decision was made
	Selected   []ScoredItem `json:"selected"`    // Items chosen for immediate enrichment
	Overflowed []ScoredItem `json:"overflowed"`  // Items pushed to the overflow queue this run
	Rejected   []ScoredItem `json:"rejected"`    // Items below even the fallback threshold
	CapReached bool         `json:"cap_reached"` // True if the daily cap closed the run early
}

// DailyState tracks the publish counter for one UTC calendar day.
type DailyState struct {
	Date           string `json:"date"`            // UTC day, formatted 2006-01-02
	PublishedCount int    `json:"published_count"` // Never exceeds the daily cap
}

// TitleBlock holds the simplified bilingual titles and summaries returned by
// the generative service.
type TitleBlock struct {
	SimplifiedFrenchTitle  string `json:"simplified_french_title"`
	SimplifiedEnglishTitle string `json:"simplified_english_title"`
	FrenchSummary          string `json:"french_summary"`
	EnglishSummary         string `json:"english_summary"`
	Difficulty             string `json:"difficulty"` // CEFR level A1-C2
	Tone                   string `json:"tone"`       // neutral, opinion, satire, other
}

// TokenExplanation explains one headline token for the learner.
type TokenExplanation struct {
	OriginalToken string `json:"original_token"` // The literal token from the headline
	Heading       string `json:"heading"`        // Display heading, must add to the raw token
	Explanation   string `json:"explanation"`    // English gloss of the token in context
	Note          string `json:"note,omitempty"` // Optional cultural note
}

// EnrichedArticle is the terminal, publishable record. Its field layout is the
// contract consumed by the site renderer; see SchemaVersion.
type EnrichedArticle struct {
	ID            string      `json:"id"`             // UUID assigned at enrichment
	SchemaVersion int         `json:"schema_version"` // Contract version marker
	Fingerprint   Fingerprint `json:"fingerprint"`    // Join key back to the raw item

	// Original article information
	Title       string     `json:"title"`
	Summary     string     `json:"summary"`
	Link        string     `json:"link"`
	SourceName  string     `json:"source_name"`
	PublishedAt *time.Time `json:"published_at"`

	// Simplified bilingual content
	Titles TitleBlock `json:"titles"`

	// Per-token explanations of the original headline, in headline order
	Explanations []TokenExplanation `json:"explanations"`

	// Coverage of the required token set by Explanations, 0.0-1.0
	Coverage float64 `json:"coverage"`

	// DisplayReady is true only when coverage and all scalar checks pass.
	// Set exclusively by the validator.
	DisplayReady bool `json:"display_ready"`

	ProcessedAt time.Time `json:"processed_at"` // When enrichment completed
	TotalScore  float64   `json:"total_score"`  // Carried from curation for ordering
}
