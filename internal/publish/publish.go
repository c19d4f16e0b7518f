// Package publish maintains the rolling set of published articles: one JSON
// document the site renderer reads directly. Every write is atomic and
// preceded by a timestamped backup, so a crash mid-write never corrupts the
// previously published set.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"lexipresse/internal/config"
	"lexipresse/internal/core"
	"lexipresse/internal/logger"
)

// document is the renderer contract: a schema marker plus the article array.
type document struct {
	SchemaVersion int                    `json:"schema_version"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Articles      []core.EnrichedArticle `json:"articles"`
}

// Manager owns the rolling file. All writes go through its mutex so two
// persists never interleave their temp-and-rename sequences.
type Manager struct {
	mu        sync.Mutex
	path      string
	backupDir string
	cap       int
	retention int
	now       func() time.Time
}

// NewManager creates a storage manager for the configured rolling path.
func NewManager(cfg config.Storage) *Manager {
	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(cfg.RollingPath), "backups")
	}
	return &Manager{
		path:      cfg.RollingPath,
		backupDir: backupDir,
		cap:       cfg.RollingCap,
		retention: cfg.BackupRetention,
		now:       time.Now,
	}
}

// Load reads the current rolling set. A missing file is an empty set, not an
// error; a corrupt file is an error so the caller never overwrites data it
// could not read.
func (m *Manager) Load() ([]core.EnrichedArticle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Manager) load() ([]core.EnrichedArticle, error) {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading rolling set: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing rolling set %s: %w", m.path, err)
	}
	return doc.Articles, nil
}

// Persist merges new articles into the rolling set and atomically replaces
// the file. It fails closed: on any error the previous set is untouched and
// the error is surfaced.
func (m *Manager) Persist(articles ...core.EnrichedArticle) error {
	if len(articles) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.load()
	if err != nil {
		return err
	}

	merged := m.merge(current, articles)
	if err := m.backupCurrent(); err != nil {
		return err
	}
	if err := m.writeAtomic(merged); err != nil {
		return err
	}

	logger.Get().Info("Rolling set persisted",
		"added", len(articles), "total", len(merged), "path", m.path)
	return nil
}

// Rotate re-applies the window cap to the rolling set and prunes old
// backups. It is safe to call on every cycle.
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.load()
	if err != nil {
		return err
	}
	if len(current) > 0 {
		trimmed := m.merge(nil, current)
		if len(trimmed) != len(current) {
			if err := m.backupCurrent(); err != nil {
				return err
			}
			if err := m.writeAtomic(trimmed); err != nil {
				return err
			}
		}
	}
	return m.pruneBackups()
}

// merge combines existing and new articles: newest version per fingerprint
// wins, display-ready articles take the feed when any exist, and the result
// is newest-first under the window cap.
func (m *Manager) merge(current, added []core.EnrichedArticle) []core.EnrichedArticle {
	byFingerprint := make(map[core.Fingerprint]core.EnrichedArticle, len(current)+len(added))
	for _, a := range append(append([]core.EnrichedArticle{}, current...), added...) {
		prev, exists := byFingerprint[a.Fingerprint]
		if !exists || a.ProcessedAt.After(prev.ProcessedAt) {
			byFingerprint[a.Fingerprint] = a
		}
	}

	pool := make([]core.EnrichedArticle, 0, len(byFingerprint))
	for _, a := range byFingerprint {
		pool = append(pool, a)
	}

	// Prefer display-ready articles, but never publish an empty feed when
	// partially enriched articles exist.
	var ready []core.EnrichedArticle
	for _, a := range pool {
		if a.DisplayReady {
			ready = append(ready, a)
		}
	}
	if len(ready) == 0 {
		ready = pool
	}

	sort.Slice(ready, func(i, j int) bool {
		di, dj := sortDate(ready[i]), sortDate(ready[j])
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return ready[i].Fingerprint < ready[j].Fingerprint
	})

	if m.cap > 0 && len(ready) > m.cap {
		ready = ready[:m.cap]
	}
	return ready
}

// sortDate orders by original publication date, falling back to processing
// time so undated articles still sort sensibly.
func sortDate(a core.EnrichedArticle) time.Time {
	if a.PublishedAt != nil {
		return *a.PublishedAt
	}
	return a.ProcessedAt
}

// backupCurrent snapshots the existing rolling file into a timestamped
// backup before it gets overwritten.
func (m *Manager) backupCurrent() error {
	src, err := os.Open(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening rolling set for backup: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(m.backupDir, 0o755); err != nil {
		return fmt.Errorf("creating backup dir: %w", err)
	}
	name := fmt.Sprintf("rolling_%s.json", m.now().UTC().Format("20060102_150405"))
	dst, err := os.Create(filepath.Join(m.backupDir, name))
	if err != nil {
		return fmt.Errorf("creating backup file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("writing backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing backup: %w", err)
	}
	return m.pruneBackups()
}

// pruneBackups removes the oldest backups beyond the retention count. The
// timestamped names sort chronologically.
func (m *Manager) pruneBackups() error {
	if m.retention <= 0 {
		return nil
	}
	entries, err := os.ReadDir(m.backupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("listing backups: %w", err)
	}

	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "rolling_") && strings.HasSuffix(e.Name(), ".json") {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= m.retention {
		return nil
	}
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-m.retention] {
		if err := os.Remove(filepath.Join(m.backupDir, name)); err != nil {
			return fmt.Errorf("pruning backup %s: %w", name, err)
		}
	}
	return nil
}

// writeAtomic serializes the document to a temp file in the same directory,
// fsyncs it, and renames it over the rolling path. The rename is the commit
// point; everything before it leaves the previous set intact.
func (m *Manager) writeAtomic(articles []core.EnrichedArticle) error {
	doc := document{
		SchemaVersion: core.SchemaVersion,
		UpdatedAt:     m.now().UTC(),
		Articles:      articles,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling rolling set: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating rolling dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rolling-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, m.path); err != nil {
		return fmt.Errorf("replacing rolling set: %w", err)
	}
	return nil
}
