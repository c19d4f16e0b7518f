// Package quota enforces the daily publish cap and per-run batch shaping.
// The allocator owns DailyState: every read and update of the published
// counter and the overflow queue happens under its mutex, so two concurrent
// cycles can never double-spend the daily budget.
package quota

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lexipresse/internal/config"
	"lexipresse/internal/core"
	"lexipresse/internal/logger"
	"lexipresse/internal/store"
)

// ErrStateUnavailable signals that the persisted daily counter could not be
// read. The allocator fails closed on this: the day is treated as already at
// cap and nothing is selected, because over-publishing is worse than a
// skipped cycle.
var ErrStateUnavailable = errors.New("daily state unavailable")

const dateLayout = "2006-01-02"

// StateStore is the slice of the persistence layer the allocator needs.
// *store.Store satisfies it.
type StateStore interface {
	LoadDailyState() (core.DailyState, error)
	SaveDailyState(state core.DailyState) error
	LoadOverflow(now time.Time) ([]core.OverflowEntry, error)
	ReplaceOverflow(entries []core.OverflowEntry) error
}

// Allocator selects each run's enrichment batch under the daily cap, the
// per-run cap, and a soft per-category ceiling.
type Allocator struct {
	mu          sync.Mutex
	store       StateStore
	cfg         config.Quota
	overflowTTL time.Duration
	now         func() time.Time

	// selected carries the overflow expiry of the current run's batch so a
	// Requeue puts items back with their first-sighting expiry intact.
	selected map[core.Fingerprint]candidate
}

// NewAllocator creates an allocator backed by the given state store.
func NewAllocator(st StateStore, cfg config.Quota) *Allocator {
	return &Allocator{
		store:       st,
		cfg:         cfg,
		overflowTTL: config.GetDuration(cfg.OverflowTTL, 24*time.Hour),
		now:         time.Now,
	}
}

// candidate pairs a scored item with its overflow expiry, if it has one.
// A zero expiry marks an item seen for the first time this run.
type candidate struct {
	item      core.ScoredItem
	queuedAt  time.Time
	expiresAt time.Time
}

// Allocate merges fresh scored items with the live overflow queue, applies
// the score thresholds, and greedily fills the run batch. Selected items
// decrement the daily budget immediately; qualifying leftovers go to the
// overflow queue with their original expiry preserved.
func (a *Allocator) Allocate(scored []core.ScoredItem) (core.CurationDecision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := logger.Get()
	now := a.now().UTC()
	a.selected = nil
	decision := core.CurationDecision{
		RunID:     uuid.New().String(),
		DecidedAt: now,
	}

	state, err := a.loadState(now)
	if err != nil {
		decision.CapReached = true
		return decision, fmt.Errorf("loading daily state: %w", errors.Join(ErrStateUnavailable, err))
	}

	overflow, err := a.store.LoadOverflow(now)
	if err != nil {
		decision.CapReached = true
		return decision, fmt.Errorf("loading overflow queue: %w", errors.Join(ErrStateUnavailable, err))
	}

	candidates := merge(scored, overflow)
	pool, held, rejected := a.applyThresholds(candidates)
	decision.Rejected = items(rejected)

	remaining := a.cfg.DailyCap - state.PublishedCount
	if remaining <= 0 {
		// Closed for the day. Qualifying items wait in overflow; nothing
		// is selected until the date rolls over.
		decision.CapReached = true
		queue := a.buildOverflow(append(pool, held...), now)
		decision.Overflowed = entryItems(queue)
		if err := a.store.ReplaceOverflow(queue); err != nil {
			return decision, fmt.Errorf("persisting overflow queue: %w", err)
		}
		log.Info("Daily cap reached, deferring batch",
			"date", state.Date, "overflow", len(queue), "rejected", len(rejected))
		return decision, nil
	}

	sortCandidates(pool)

	runCap := a.cfg.PerRunCap
	if runCap > remaining {
		runCap = remaining
	}
	selected, leftover := a.selectBatch(pool, runCap)
	decision.Selected = items(selected)
	a.selected = make(map[core.Fingerprint]candidate, len(selected))
	for _, c := range selected {
		a.selected[c.item.Fingerprint] = c
	}

	state.PublishedCount += len(selected)
	decision.CapReached = state.PublishedCount >= a.cfg.DailyCap
	if err := a.store.SaveDailyState(state); err != nil {
		// The batch is abandoned rather than risk publishing against a
		// counter we failed to advance.
		decision.Selected = nil
		a.selected = nil
		decision.CapReached = true
		return decision, fmt.Errorf("persisting daily state: %w", errors.Join(ErrStateUnavailable, err))
	}

	queue := a.buildOverflow(append(leftover, held...), now)
	decision.Overflowed = entryItems(queue)
	if err := a.store.ReplaceOverflow(queue); err != nil {
		return decision, fmt.Errorf("persisting overflow queue: %w", err)
	}

	log.Info("Batch allocated",
		"run_id", decision.RunID,
		"selected", len(selected),
		"overflow", len(queue),
		"rejected", len(rejected),
		"published_today", state.PublishedCount,
		"daily_cap", a.cfg.DailyCap)
	return decision, nil
}

// Requeue returns selected items that were never published (enrichment
// unavailable, or the cycle deadline hit first) to the overflow queue and
// gives their daily-budget slots back. Items that entered this run from
// overflow re-enter with their first-sighting expiry, never a fresh one.
func (a *Allocator) Requeue(items []core.ScoredItem) error {
	if len(items) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	state, err := a.loadState(now)
	if err != nil {
		return fmt.Errorf("loading daily state: %w", errors.Join(ErrStateUnavailable, err))
	}
	state.PublishedCount -= len(items)
	if state.PublishedCount < 0 {
		state.PublishedCount = 0
	}
	if err := a.store.SaveDailyState(state); err != nil {
		return fmt.Errorf("persisting daily state: %w", err)
	}

	overflow, err := a.store.LoadOverflow(now)
	if err != nil {
		return fmt.Errorf("loading overflow queue: %w", err)
	}
	held := make([]candidate, 0, len(overflow)+len(items))
	seen := make(map[core.Fingerprint]bool, len(overflow))
	for _, entry := range overflow {
		seen[entry.Item.Fingerprint] = true
		held = append(held, candidate{item: entry.Item, queuedAt: entry.QueuedAt, expiresAt: entry.ExpiresAt})
	}
	for _, item := range items {
		if seen[item.Fingerprint] {
			continue
		}
		seen[item.Fingerprint] = true
		c := candidate{item: item}
		if prev, ok := a.selected[item.Fingerprint]; ok {
			c.queuedAt = prev.queuedAt
			c.expiresAt = prev.expiresAt
		}
		held = append(held, c)
	}
	if err := a.store.ReplaceOverflow(a.buildOverflow(held, now)); err != nil {
		return fmt.Errorf("persisting overflow queue: %w", err)
	}

	logger.Get().Info("Requeued unpublished items",
		"count", len(items), "published_today", state.PublishedCount)
	return nil
}

// loadState reads the daily counter, resetting it exactly once when the UTC
// date has rolled over. A missing row is a fresh day, not an error.
func (a *Allocator) loadState(now time.Time) (core.DailyState, error) {
	today := now.Format(dateLayout)
	state, err := a.store.LoadDailyState()
	if errors.Is(err, store.ErrNoState) {
		return core.DailyState{Date: today, PublishedCount: 0}, nil
	}
	if err != nil {
		return core.DailyState{}, err
	}
	if state.Date != today {
		return core.DailyState{Date: today, PublishedCount: 0}, nil
	}
	return state, nil
}

// merge combines fresh items with live overflow entries. When the same
// fingerprint appears in both, the overflow entry wins so its expiry keeps
// counting from first sighting.
func merge(scored []core.ScoredItem, overflow []core.OverflowEntry) []candidate {
	candidates := make([]candidate, 0, len(scored)+len(overflow))
	seen := make(map[core.Fingerprint]bool, len(overflow))
	for _, entry := range overflow {
		seen[entry.Item.Fingerprint] = true
		candidates = append(candidates, candidate{
			item:      entry.Item,
			queuedAt:  entry.QueuedAt,
			expiresAt: entry.ExpiresAt,
		})
	}
	for _, item := range scored {
		if seen[item.Fingerprint] {
			continue
		}
		seen[item.Fingerprint] = true
		candidates = append(candidates, candidate{item: item})
	}
	return candidates
}

// applyThresholds splits candidates into the selection pool (at or above the
// effective threshold), held items (below it but still overflow-worthy), and
// permanent rejects (below even the fallback threshold). The fallback
// threshold kicks in when strict filtering would starve the run.
func (a *Allocator) applyThresholds(candidates []candidate) (pool, held, rejected []candidate) {
	threshold := a.cfg.PrimaryThreshold
	passing := 0
	for _, c := range candidates {
		if c.item.TotalScore >= threshold {
			passing++
		}
	}
	if passing < a.cfg.MinBatchSize && threshold > a.cfg.FallbackThreshold {
		threshold = a.cfg.FallbackThreshold
		logger.Get().Info("Falling back to secondary score threshold",
			"primary", a.cfg.PrimaryThreshold, "fallback", threshold, "passing_primary", passing)
	}

	for _, c := range candidates {
		switch {
		case c.item.TotalScore >= threshold:
			pool = append(pool, c)
		case c.item.TotalScore >= a.cfg.FallbackThreshold:
			held = append(held, c)
		default:
			rejected = append(rejected, c)
		}
	}
	return pool, held, rejected
}

// sortCandidates orders the selection pool: total score descending, then
// items closer to overflow expiry (fresh items last), then category order,
// then fingerprint so the result is fully deterministic.
func sortCandidates(pool []candidate) {
	order := make(map[core.Category]int, len(core.Categories()))
	for i, cat := range core.Categories() {
		order[cat] = i
	}
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.item.TotalScore != b.item.TotalScore {
			return a.item.TotalScore > b.item.TotalScore
		}
		if !a.expiresAt.Equal(b.expiresAt) {
			if a.expiresAt.IsZero() {
				return false
			}
			if b.expiresAt.IsZero() {
				return true
			}
			return a.expiresAt.Before(b.expiresAt)
		}
		if order[a.item.Category] != order[b.item.Category] {
			return order[a.item.Category] < order[b.item.Category]
		}
		return a.item.Fingerprint < b.item.Fingerprint
	})
}

// selectBatch greedily fills up to runCap slots from the ordered pool while
// enforcing the soft per-category ceiling. Slots a capped category cannot use
// roll over to the remaining items in a second pass.
func (a *Allocator) selectBatch(pool []candidate, runCap int) (selected, leftover []candidate) {
	if runCap <= 0 {
		return nil, pool
	}
	ceiling := int(math.Ceil(a.cfg.CategoryCeiling * float64(runCap)))
	if ceiling < 1 {
		ceiling = 1
	}

	perCategory := make(map[core.Category]int)
	var skipped []candidate
	for _, c := range pool {
		if len(selected) == runCap {
			leftover = append(leftover, c)
			continue
		}
		if perCategory[c.item.Category] >= ceiling {
			skipped = append(skipped, c)
			continue
		}
		perCategory[c.item.Category]++
		selected = append(selected, c)
	}
	for _, c := range skipped {
		if len(selected) < runCap {
			selected = append(selected, c)
			continue
		}
		leftover = append(leftover, c)
	}
	return selected, leftover
}

// buildOverflow rebuilds the overflow queue from the items held back this
// run. Entries that already carried an expiry keep it; first-time entries
// get now + TTL.
func (a *Allocator) buildOverflow(held []candidate, now time.Time) []core.OverflowEntry {
	entries := make([]core.OverflowEntry, 0, len(held))
	for _, c := range held {
		entry := core.OverflowEntry{
			Item:      c.item,
			QueuedAt:  c.queuedAt,
			ExpiresAt: c.expiresAt,
		}
		if entry.ExpiresAt.IsZero() {
			entry.QueuedAt = now
			entry.ExpiresAt = now.Add(a.overflowTTL)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ExpiresAt.Equal(entries[j].ExpiresAt) {
			return entries[i].ExpiresAt.Before(entries[j].ExpiresAt)
		}
		return entries[i].Item.Fingerprint < entries[j].Item.Fingerprint
	})
	return entries
}

func items(cs []candidate) []core.ScoredItem {
	if len(cs) == 0 {
		return nil
	}
	out := make([]core.ScoredItem, len(cs))
	for i, c := range cs {
		out[i] = c.item
	}
	return out
}

func entryItems(entries []core.OverflowEntry) []core.ScoredItem {
	if len(entries) == 0 {
		return nil
	}
	out := make([]core.ScoredItem, len(entries))
	for i, e := range entries {
		out[i] = e.Item
	}
	return out
}
