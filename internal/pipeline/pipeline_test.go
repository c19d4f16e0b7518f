package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"lexipresse/internal/config"
	"lexipresse/internal/core"
	"lexipresse/internal/dedup"
	"lexipresse/internal/enrich"
	"lexipresse/internal/quota"
)

type fakeScorer struct{ score float64 }

func (f *fakeScorer) Score(item core.RawItem) (core.ScoredItem, error) {
	fp, err := dedup.Fingerprint(item)
	if err != nil {
		return core.ScoredItem{}, err
	}
	return core.ScoredItem{
		Item:        item,
		Fingerprint: fp,
		Category:    core.CategoryGeneral,
		TotalScore:  f.score,
	}, nil
}

type fakeAllocator struct {
	decision  core.CurationDecision
	err       error
	requeued  []core.ScoredItem
	allocated []core.ScoredItem
}

func (f *fakeAllocator) Allocate(scored []core.ScoredItem) (core.CurationDecision, error) {
	f.allocated = scored
	if f.err != nil {
		return core.CurationDecision{CapReached: true}, f.err
	}
	if f.decision.RunID == "" {
		return core.CurationDecision{RunID: "run-1", Selected: scored}, nil
	}
	return f.decision, nil
}

func (f *fakeAllocator) Requeue(items []core.ScoredItem) error {
	f.requeued = append(f.requeued, items...)
	return nil
}

type fakeEnricher struct {
	result func(items []core.ScoredItem) *enrich.BatchResult
}

func (f *fakeEnricher) EnrichBatch(ctx context.Context, items []core.ScoredItem) *enrich.BatchResult {
	return f.result(items)
}

type fakePublisher struct {
	persisted  []core.EnrichedArticle
	persistErr error
	rotated    bool
}

func (f *fakePublisher) Persist(articles ...core.EnrichedArticle) error {
	if f.persistErr != nil {
		return f.persistErr
	}
	f.persisted = append(f.persisted, articles...)
	return nil
}

func (f *fakePublisher) Rotate() error {
	f.rotated = true
	return nil
}

type fakeFingerprintStore struct {
	seen    map[core.Fingerprint]time.Time
	loadErr error
	saved   bool
}

func (f *fakeFingerprintStore) LoadFingerprints(cutoff time.Time) (map[core.Fingerprint]time.Time, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.seen, nil
}

func (f *fakeFingerprintStore) SaveFingerprints(seen map[core.Fingerprint]time.Time, cutoff time.Time) error {
	f.saved = true
	f.seen = seen
	return nil
}

func testPipelineConfig() *config.Config {
	return &config.Config{
		Dedup:      config.Dedup{RetentionDays: 14},
		Enrichment: config.Enrichment{CycleBudget: "20m"},
	}
}

func rawItem(n int) core.RawItem {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return core.RawItem{
		Title:     fmt.Sprintf("Article numéro %d", n),
		Summary:   "Un résumé court de l'article pour le test.",
		Link:      fmt.Sprintf("https://example.fr/articles/%d", n),
		FetchedAt: now,
	}
}

func allReady(items []core.ScoredItem) *enrich.BatchResult {
	result := &enrich.BatchResult{TotalCost: 0.01}
	for _, it := range items {
		result.Ready = append(result.Ready, core.EnrichedArticle{
			Fingerprint:  it.Fingerprint,
			DisplayReady: true,
		})
	}
	return result
}

func newTestPipeline(alloc *fakeAllocator, enr *fakeEnricher, pub *fakePublisher, fps *fakeFingerprintStore) *Pipeline {
	return New(
		dedup.New(14*24*time.Hour),
		&fakeScorer{score: 11.0},
		alloc,
		enr,
		pub,
		fps,
		testPipelineConfig(),
	)
}

func TestCycle_HappyPath(t *testing.T) {
	alloc := &fakeAllocator{}
	pub := &fakePublisher{}
	fps := &fakeFingerprintStore{}
	p := newTestPipeline(alloc, &fakeEnricher{result: allReady}, pub, fps)

	// Item 3 appears twice with different query strings.
	items := []core.RawItem{rawItem(1), rawItem(2), rawItem(3)}
	duplicate := rawItem(3)
	duplicate.Link += "?utm_source=feed"
	items = append(items, duplicate)

	stats, err := p.Cycle(context.Background(), items)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}

	if stats.Incoming != 4 || stats.Duplicates != 1 || stats.Scored != 3 {
		t.Errorf("Stats = incoming %d, duplicates %d, scored %d; want 4, 1, 3",
			stats.Incoming, stats.Duplicates, stats.Scored)
	}
	if stats.Published != 3 || len(pub.persisted) != 3 {
		t.Errorf("Published %d/%d articles, want 3", stats.Published, len(pub.persisted))
	}
	if !pub.rotated {
		t.Error("Cycle must rotate the rolling window")
	}
	if !fps.saved {
		t.Error("Cycle must persist the fingerprint history")
	}
	if stats.CostUSD != 0.01 {
		t.Errorf("CostUSD = %v, want the enricher's total", stats.CostUSD)
	}
}

func TestCycle_MalformedItemsCounted(t *testing.T) {
	alloc := &fakeAllocator{}
	p := newTestPipeline(alloc, &fakeEnricher{result: allReady}, &fakePublisher{}, &fakeFingerprintStore{})

	items := []core.RawItem{rawItem(1), {Title: "", Link: ""}}
	stats, err := p.Cycle(context.Background(), items)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if stats.Malformed != 1 || stats.Scored != 1 {
		t.Errorf("Malformed = %d, Scored = %d; want 1, 1", stats.Malformed, stats.Scored)
	}
}

func TestCycle_StateUnavailableFailsCycle(t *testing.T) {
	alloc := &fakeAllocator{err: fmt.Errorf("loading daily state: %w", quota.ErrStateUnavailable)}
	pub := &fakePublisher{}
	fps := &fakeFingerprintStore{}
	p := newTestPipeline(alloc, &fakeEnricher{result: allReady}, pub, fps)

	_, err := p.Cycle(context.Background(), []core.RawItem{rawItem(1)})
	if !errors.Is(err, quota.ErrStateUnavailable) {
		t.Fatalf("Expected ErrStateUnavailable, got %v", err)
	}
	if len(pub.persisted) != 0 {
		t.Error("Nothing may be published when the allocator fails closed")
	}
	if !fps.saved {
		t.Error("Fingerprint history must still be saved on allocator failure")
	}
}

func TestCycle_UnavailableItemsRequeuedNotPublished(t *testing.T) {
	alloc := &fakeAllocator{}
	pub := &fakePublisher{}
	enr := &fakeEnricher{result: func(items []core.ScoredItem) *enrich.BatchResult {
		// First item enriches, the rest never reach the service.
		result := allReady(items[:1])
		result.Unavailable = items[1:]
		return result
	}}
	p := newTestPipeline(alloc, enr, pub, &fakeFingerprintStore{})

	stats, err := p.Cycle(context.Background(), []core.RawItem{rawItem(1), rawItem(2), rawItem(3)})
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if stats.Published != 1 {
		t.Errorf("Published = %d, want 1", stats.Published)
	}
	if len(alloc.requeued) != 2 {
		t.Errorf("Requeued = %d, want the 2 unavailable items", len(alloc.requeued))
	}
	for _, a := range pub.persisted {
		for _, r := range alloc.requeued {
			if a.Fingerprint == r.Fingerprint {
				t.Error("An item cannot be both published and requeued")
			}
		}
	}
}

func TestCycle_PersistFailureRequeuesEnrichedItems(t *testing.T) {
	alloc := &fakeAllocator{}
	pub := &fakePublisher{persistErr: errors.New("disk full")}
	p := newTestPipeline(alloc, &fakeEnricher{result: allReady}, pub, &fakeFingerprintStore{})

	stats, err := p.Cycle(context.Background(), []core.RawItem{rawItem(1), rawItem(2)})
	if err == nil {
		t.Fatal("Cycle must surface the persist failure")
	}
	if stats.Published != 0 {
		t.Errorf("Published = %d after failed persist, want 0", stats.Published)
	}
	if len(alloc.requeued) != 2 {
		t.Errorf("Requeued = %d, want both enriched items back in overflow", len(alloc.requeued))
	}
}

func TestCycle_EmptySelectionShortCircuits(t *testing.T) {
	alloc := &fakeAllocator{decision: core.CurationDecision{RunID: "run-2", CapReached: true}}
	enriched := false
	enr := &fakeEnricher{result: func(items []core.ScoredItem) *enrich.BatchResult {
		enriched = true
		return &enrich.BatchResult{}
	}}
	p := newTestPipeline(alloc, enr, &fakePublisher{}, &fakeFingerprintStore{})

	stats, err := p.Cycle(context.Background(), []core.RawItem{rawItem(1)})
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if enriched {
		t.Error("Enrichment must not run with an empty selection")
	}
	if !stats.CapReached {
		t.Error("CapReached must propagate from the allocator decision")
	}
}
