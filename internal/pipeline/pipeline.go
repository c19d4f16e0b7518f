// Package pipeline orchestrates one end-to-end processing cycle:
// dedup → score → allocate → enrich → validate → persist. The pipeline runs
// as externally triggered batch cycles; no component here owns a timer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lexipresse/internal/config"
	"lexipresse/internal/core"
	"lexipresse/internal/enrich"
	"lexipresse/internal/logger"
	"lexipresse/internal/quota"
)

// Deduplicator filters items already seen within the retention window.
type Deduplicator interface {
	Hydrate(entries map[core.Fingerprint]time.Time)
	IsDuplicate(item core.RawItem) (bool, error)
	Remember(item core.RawItem) error
	Snapshot() map[core.Fingerprint]time.Time
}

// Scorer assigns deterministic rule scores to a raw item.
type Scorer interface {
	Score(item core.RawItem) (core.ScoredItem, error)
}

// Allocator selects the run batch under the daily cap.
type Allocator interface {
	Allocate(scored []core.ScoredItem) (core.CurationDecision, error)
	Requeue(items []core.ScoredItem) error
}

// Enricher runs the generative enrichment over a batch.
type Enricher interface {
	EnrichBatch(ctx context.Context, items []core.ScoredItem) *enrich.BatchResult
}

// Publisher persists enriched articles into the rolling set.
type Publisher interface {
	Persist(articles ...core.EnrichedArticle) error
	Rotate() error
}

// FingerprintStore persists the dedup seen-set across cycles.
type FingerprintStore interface {
	LoadFingerprints(cutoff time.Time) (map[core.Fingerprint]time.Time, error)
	SaveFingerprints(seen map[core.Fingerprint]time.Time, cutoff time.Time) error
}

// Pipeline wires the processing stages together.
type Pipeline struct {
	dedup     Deduplicator
	scorer    Scorer
	allocator Allocator
	enricher  Enricher
	publisher Publisher
	fpStore   FingerprintStore
	cfg       *config.Config
	now       func() time.Time
}

// New creates a pipeline from its stage implementations.
func New(dedup Deduplicator, scorer Scorer, allocator Allocator, enricher Enricher, publisher Publisher, fpStore FingerprintStore, cfg *config.Config) *Pipeline {
	return &Pipeline{
		dedup:     dedup,
		scorer:    scorer,
		allocator: allocator,
		enricher:  enricher,
		publisher: publisher,
		fpStore:   fpStore,
		cfg:       cfg,
		now:       time.Now,
	}
}

// CycleStats tracks one cycle's execution metrics.
type CycleStats struct {
	RunID          string
	Incoming       int
	Duplicates     int
	Malformed      int
	Scored         int
	Selected       int
	Overflowed     int
	Rejected       int
	Ready          int
	Partial        int
	Unavailable    int
	Skipped        int
	Published      int
	CapReached     bool
	CostUSD        float64
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
}

// Cycle runs one bounded batch cycle over freshly fetched items. Enrichment
// respects the configured wall-clock budget: items not enriched in time stay
// pre-enrichment and return to the overflow queue for the next cycle.
func (p *Pipeline) Cycle(ctx context.Context, items []core.RawItem) (*CycleStats, error) {
	stats := &CycleStats{
		Incoming:  len(items),
		StartTime: p.now().UTC(),
	}
	defer func() {
		stats.EndTime = p.now().UTC()
		stats.ProcessingTime = stats.EndTime.Sub(stats.StartTime)
	}()

	cutoff := stats.StartTime.AddDate(0, 0, -p.cfg.Dedup.RetentionDays)

	// Step 1: hydrate the seen-set and filter duplicates.
	seen, err := p.fpStore.LoadFingerprints(cutoff)
	if err != nil {
		// Losing the seen-set risks re-publishing old items but should not
		// kill the cycle; a hard failure here would stall the feed instead.
		logger.Warn("Could not load fingerprint history, deduplicating within cycle only", "error", err)
	} else {
		p.dedup.Hydrate(seen)
	}

	// Step 2: dedup and score.
	var scored []core.ScoredItem
	for _, item := range items {
		dup, err := p.dedup.IsDuplicate(item)
		if err != nil {
			stats.Malformed++
			continue
		}
		if dup {
			stats.Duplicates++
			continue
		}
		s, err := p.scorer.Score(item)
		if err != nil {
			stats.Malformed++
			continue
		}
		if err := p.dedup.Remember(item); err != nil {
			stats.Malformed++
			continue
		}
		scored = append(scored, s)
	}
	stats.Scored = len(scored)
	logger.Info("Cycle items scored",
		"incoming", stats.Incoming,
		"duplicates", stats.Duplicates,
		"malformed", stats.Malformed,
		"scored", stats.Scored)

	defer p.saveFingerprints(cutoff)

	// Step 3: allocate the run batch.
	decision, err := p.allocator.Allocate(scored)
	if err != nil {
		if errors.Is(err, quota.ErrStateUnavailable) {
			logger.Error("Daily state unavailable, failing closed", err)
		}
		return stats, fmt.Errorf("allocating batch: %w", err)
	}
	stats.RunID = decision.RunID
	stats.Selected = len(decision.Selected)
	stats.Overflowed = len(decision.Overflowed)
	stats.Rejected = len(decision.Rejected)
	stats.CapReached = decision.CapReached

	if len(decision.Selected) == 0 {
		logger.Info("Nothing selected this run", "cap_reached", decision.CapReached)
		return stats, nil
	}

	// Step 4: enrich under the cycle budget.
	budget := config.GetDuration(p.cfg.Enrichment.CycleBudget, 20*time.Minute)
	enrichCtx, cancel := context.WithDeadline(ctx, stats.StartTime.Add(budget))
	defer cancel()
	result := p.enricher.EnrichBatch(enrichCtx, decision.Selected)

	stats.Ready = len(result.Ready)
	stats.Partial = len(result.Partial)
	stats.Unavailable = len(result.Unavailable)
	stats.Skipped = len(result.Skipped)
	stats.CostUSD = result.TotalCost

	// Step 5: give unpublished items their budget slots back.
	unpublished := append(append([]core.ScoredItem{}, result.Unavailable...), result.Skipped...)
	if len(unpublished) > 0 {
		if err := p.allocator.Requeue(unpublished); err != nil {
			logger.Error("Failed to requeue unpublished items", err, "count", len(unpublished))
		}
	}

	// Step 6: persist enriched articles and rotate the window.
	articles := append(append([]core.EnrichedArticle{}, result.Ready...), result.Partial...)
	if len(articles) > 0 {
		if err := p.publisher.Persist(articles...); err != nil {
			// Fail closed: the enriched batch goes back to overflow so the
			// next cycle can publish it.
			if reqErr := p.allocator.Requeue(p.enrichedItems(decision.Selected, result)); reqErr != nil {
				logger.Error("Failed to requeue after persist failure", reqErr)
			}
			return stats, fmt.Errorf("persisting articles: %w", err)
		}
		stats.Published = len(articles)
	}
	if err := p.publisher.Rotate(); err != nil {
		logger.Warn("Rolling window rotation failed", "error", err)
	}

	logger.Info("Cycle completed",
		"run_id", stats.RunID,
		"published", stats.Published,
		"ready", stats.Ready,
		"partial", stats.Partial,
		"requeued", len(unpublished),
		"cost_usd", stats.CostUSD,
		"duration", p.now().UTC().Sub(stats.StartTime))
	return stats, nil
}

// enrichedItems returns the selected items that made it through enrichment,
// for requeueing when persistence fails.
func (p *Pipeline) enrichedItems(selected []core.ScoredItem, result *enrich.BatchResult) []core.ScoredItem {
	skip := make(map[core.Fingerprint]bool, len(result.Unavailable)+len(result.Skipped))
	for _, it := range result.Unavailable {
		skip[it.Fingerprint] = true
	}
	for _, it := range result.Skipped {
		skip[it.Fingerprint] = true
	}
	var out []core.ScoredItem
	for _, it := range selected {
		if !skip[it.Fingerprint] {
			out = append(out, it)
		}
	}
	return out
}

// saveFingerprints persists the dedup seen-set for the next cycle.
func (p *Pipeline) saveFingerprints(cutoff time.Time) {
	if err := p.fpStore.SaveFingerprints(p.dedup.Snapshot(), cutoff); err != nil {
		logger.Error("Failed to persist fingerprint history", err)
	}
}
