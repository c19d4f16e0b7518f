package dedup

import (
	"errors"
	"hash/fnv"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"lexipresse/internal/core"
)

// ErrMalformedItem is returned when an item has neither a link nor a title,
// leaving nothing to fingerprint.
var ErrMalformedItem = errors.New("dedup: item has no link and no title")

// Deduplicator tracks fingerprints of previously seen items within a bounded
// retention window. Safe for concurrent use.
type Deduplicator struct {
	mu        sync.Mutex
	seen      map[core.Fingerprint]time.Time
	retention time.Duration
	now       func() time.Time
}

// New creates a Deduplicator with the given retention window.
func New(retention time.Duration) *Deduplicator {
	return &Deduplicator{
		seen:      make(map[core.Fingerprint]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// Hydrate seeds the seen-set from persisted entries. Entries already outside
// the retention window are skipped.
func (d *Deduplicator) Hydrate(entries map[core.Fingerprint]time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.retention)
	for fp, seenAt := range entries {
		if seenAt.After(cutoff) {
			d.seen[fp] = seenAt
		}
	}
}

// Fingerprint computes the deterministic identity digest for an item.
// Returns ErrMalformedItem when both link and title are empty.
func Fingerprint(item core.RawItem) (core.Fingerprint, error) {
	link := NormalizeLink(item.Link)
	title := NormalizeTitle(item.Title)
	if link == "" && title == "" {
		return 0, ErrMalformedItem
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(link))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(title))
	return core.Fingerprint(h.Sum64()), nil
}

// IsDuplicate reports whether an item's fingerprint is already in the seen-set.
func (d *Deduplicator) IsDuplicate(item core.RawItem) (bool, error) {
	fp, err := Fingerprint(item)
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	seenAt, ok := d.seen[fp]
	if !ok {
		return false, nil
	}
	// A stale entry does not count as seen; it will be dropped on next insert.
	return seenAt.After(d.now().Add(-d.retention)), nil
}

// Remember records an item's fingerprint. Stale entries are pruned lazily here
// so memory stays bounded without a background sweeper.
func (d *Deduplicator) Remember(item core.RawItem) error {
	fp, err := Fingerprint(item)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.retention)
	for k, seenAt := range d.seen {
		if !seenAt.After(cutoff) {
			delete(d.seen, k)
		}
	}
	d.seen[fp] = d.now()
	return nil
}

// Snapshot returns a copy of the current seen-set for persistence.
func (d *Deduplicator) Snapshot() map[core.Fingerprint]time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[core.Fingerprint]time.Time, len(d.seen))
	for fp, seenAt := range d.seen {
		out[fp] = seenAt
	}
	return out
}

// Len returns the number of retained fingerprints.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// NormalizeLink canonicalizes a URL for fingerprinting: lowercased scheme and
// host, default port stripped, trailing slash stripped, and the entire query
// string and fragment dropped so tracking suffixes never split an identity.
func NormalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Not a parseable absolute URL; fall back to the trimmed lowercase string.
		return strings.ToLower(strings.TrimRight(raw, "/"))
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	path := strings.TrimRight(u.Path, "/")
	return strings.ToLower(u.Scheme) + "://" + host + path
}

// NormalizeTitle case-folds a headline, strips punctuation, and collapses
// whitespace so cosmetic edits don't defeat deduplication.
func NormalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
