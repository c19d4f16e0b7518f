package dedup

import (
	"testing"
	"time"

	"lexipresse/internal/core"
)

func testItem(title, link string) core.RawItem {
	return core.RawItem{
		Title:      title,
		Link:       link,
		SourceName: "Le Monde",
		FetchedAt:  time.Now().UTC(),
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	item := testItem("Réforme des retraites : le cap est maintenu", "https://example.fr/politique/retraites")

	fp1, err := Fingerprint(item)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	fp2, err := Fingerprint(item)
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("Expected identical fingerprints, got %d and %d", fp1, fp2)
	}
}

func TestFingerprint_Malformed(t *testing.T) {
	_, err := Fingerprint(core.RawItem{SourceName: "unknown"})
	if err != ErrMalformedItem {
		t.Errorf("Expected ErrMalformedItem, got %v", err)
	}
}

func TestFingerprint_QuerySuffixesCollapse(t *testing.T) {
	// Three items with identical normalized titles and links differing only in
	// query-string suffixes must share one fingerprint.
	links := []string{
		"https://example.fr/article",
		"https://example.fr/article?utm_source=rss",
		"https://example.fr/article?fbclid=abc123&ref=tw",
	}

	d := New(14 * 24 * time.Hour)
	survivors := 0
	for _, link := range links {
		item := testItem("Grève SNCF : trafic perturbé lundi", link)
		dup, err := d.IsDuplicate(item)
		if err != nil {
			t.Fatalf("IsDuplicate failed: %v", err)
		}
		if !dup {
			survivors++
			if err := d.Remember(item); err != nil {
				t.Fatalf("Remember failed: %v", err)
			}
		}
	}

	if survivors != 1 {
		t.Errorf("Expected exactly 1 survivor, got %d", survivors)
	}
}

func TestIsDuplicate_AfterRemember(t *testing.T) {
	d := New(14 * 24 * time.Hour)
	item := testItem("Le budget 2026 adopté", "https://example.fr/budget-2026")

	if err := d.Remember(item); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}

	// A structurally identical item with a different fetch time is still a duplicate.
	later := item
	later.FetchedAt = item.FetchedAt.Add(3 * time.Hour)
	later.SourceName = "AFP"

	dup, err := d.IsDuplicate(later)
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if !dup {
		t.Error("Expected duplicate after Remember")
	}
}

func TestRemember_PrunesStaleEntries(t *testing.T) {
	d := New(14 * 24 * time.Hour)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return current }

	old := testItem("Vieille actu", "https://example.fr/vieux")
	if err := d.Remember(old); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}

	// Advance past the retention window; the old entry is dropped on next insert.
	current = current.Add(15 * 24 * time.Hour)
	fresh := testItem("Nouvelle actu", "https://example.fr/nouveau")
	if err := d.Remember(fresh); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}

	if d.Len() != 1 {
		t.Errorf("Expected 1 retained fingerprint, got %d", d.Len())
	}
	dup, err := d.IsDuplicate(old)
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if dup {
		t.Error("Entry outside the retention window should be forgotten")
	}
}

func TestHydrate_SkipsExpired(t *testing.T) {
	d := New(14 * 24 * time.Hour)
	now := time.Now()

	d.Hydrate(map[core.Fingerprint]time.Time{
		1: now.Add(-1 * 24 * time.Hour),
		2: now.Add(-20 * 24 * time.Hour),
	})

	if d.Len() != 1 {
		t.Errorf("Expected 1 hydrated fingerprint, got %d", d.Len())
	}
}

func TestNormalizeLink(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips query", "https://Example.fr/Article?utm_source=x", "https://example.fr/Article"},
		{"strips trailing slash", "https://example.fr/article/", "https://example.fr/article"},
		{"strips default port", "https://example.fr:443/article", "https://example.fr/article"},
		{"strips fragment", "https://example.fr/article#section", "https://example.fr/article"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeLink(tt.in); got != tt.want {
				t.Errorf("NormalizeLink(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"case folds", "Grève SNCF", "grève sncf"},
		{"collapses whitespace", "  deux   mots ", "deux mots"},
		{"strips punctuation", "Budget : 2026, enfin !", "budget 2026 enfin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTitle(tt.in); got != tt.want {
				t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
