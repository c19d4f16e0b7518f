package store

import (
	"errors"
	"testing"
	"time"

	"lexipresse/internal/core"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDailyState_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.LoadDailyState(); !errors.Is(err, ErrNoState) {
		t.Fatalf("Expected ErrNoState on fresh store, got %v", err)
	}

	want := core.DailyState{Date: "2026-03-01", PublishedCount: 17}
	if err := s.SaveDailyState(want); err != nil {
		t.Fatalf("SaveDailyState failed: %v", err)
	}

	got, err := s.LoadDailyState()
	if err != nil {
		t.Fatalf("LoadDailyState failed: %v", err)
	}
	if got != want {
		t.Errorf("LoadDailyState = %+v, want %+v", got, want)
	}

	// Overwrite is a single-row replace, not an append.
	want.PublishedCount = 18
	if err := s.SaveDailyState(want); err != nil {
		t.Fatalf("SaveDailyState failed: %v", err)
	}
	got, err = s.LoadDailyState()
	if err != nil {
		t.Fatalf("LoadDailyState failed: %v", err)
	}
	if got.PublishedCount != 18 {
		t.Errorf("PublishedCount = %d, want 18", got.PublishedCount)
	}
}

func TestDailyState_CorruptDate(t *testing.T) {
	s := newTestStore(t)

	_, err := s.db.Exec(`INSERT INTO daily_state (id, date, published_count) VALUES (1, 'not-a-date', 3)`)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if _, err := s.LoadDailyState(); err == nil || errors.Is(err, ErrNoState) {
		t.Errorf("Expected corruption error, got %v", err)
	}
}

func TestFingerprints_RoundTripAndPrune(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	seen := map[core.Fingerprint]time.Time{
		0xdeadbeefcafe0001: now,
		0xdeadbeefcafe0002: now.Add(-20 * 24 * time.Hour),
	}
	cutoff := now.Add(-14 * 24 * time.Hour)
	if err := s.SaveFingerprints(seen, cutoff); err != nil {
		t.Fatalf("SaveFingerprints failed: %v", err)
	}

	got, err := s.LoadFingerprints(cutoff)
	if err != nil {
		t.Fatalf("LoadFingerprints failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 fingerprint after pruning, got %d", len(got))
	}
	if _, ok := got[0xdeadbeefcafe0001]; !ok {
		t.Error("Fresh fingerprint missing after round trip")
	}
}

func overflowEntry(fp core.Fingerprint, score float64, expiresAt time.Time) core.OverflowEntry {
	return core.OverflowEntry{
		Item: core.ScoredItem{
			Item:        core.RawItem{Title: "t", Link: "https://example.fr/t"},
			Fingerprint: fp,
			TotalScore:  score,
		},
		QueuedAt:  expiresAt.Add(-24 * time.Hour),
		ExpiresAt: expiresAt,
	}
}

func TestOverflow_ExpiredEntriesPurged(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	entries := []core.OverflowEntry{
		overflowEntry(1, 12.0, now.Add(2*time.Hour)),
		overflowEntry(2, 15.0, now.Add(-time.Minute)), // already expired
		overflowEntry(3, 11.0, now.Add(30*time.Minute)),
	}
	if err := s.ReplaceOverflow(entries); err != nil {
		t.Fatalf("ReplaceOverflow failed: %v", err)
	}

	got, err := s.LoadOverflow(now)
	if err != nil {
		t.Fatalf("LoadOverflow failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 live entries, got %d", len(got))
	}
	// Soonest expiry first.
	if got[0].Item.Fingerprint != 3 || got[1].Item.Fingerprint != 1 {
		t.Errorf("Expected expiry-ordered fingerprints [3 1], got [%d %d]",
			got[0].Item.Fingerprint, got[1].Item.Fingerprint)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	if err := s.SaveFingerprints(map[core.Fingerprint]time.Time{7: now}, now.Add(-time.Hour)); err != nil {
		t.Fatalf("SaveFingerprints failed: %v", err)
	}
	if err := s.ReplaceOverflow([]core.OverflowEntry{overflowEntry(8, 10, now.Add(time.Hour))}); err != nil {
		t.Fatalf("ReplaceOverflow failed: %v", err)
	}
	if err := s.SaveDailyState(core.DailyState{Date: "2026-03-01", PublishedCount: 4}); err != nil {
		t.Fatalf("SaveDailyState failed: %v", err)
	}

	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Fingerprints != 1 || stats.OverflowCount != 1 || !stats.HasState {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}
