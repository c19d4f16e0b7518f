package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"lexipresse/internal/core"
)

// ErrNoState indicates the daily-state row has never been written.
var ErrNoState = errors.New("store: no daily state recorded")

// Store persists pipeline state in SQLite: the fingerprint seen-set, the
// daily publish counter, and the overflow queue. Each collection is
// independently loadable so a crash mid-cycle loses at most the current
// cycle's partial progress.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (and if needed creates) the state database in dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "lexipresse.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}

// initialize creates the necessary tables.
func (s *Store) initialize() error {
	fingerprintsTable := `
	CREATE TABLE IF NOT EXISTS fingerprints (
		hash TEXT PRIMARY KEY,
		seen_at DATETIME NOT NULL
	);`

	dailyStateTable := `
	CREATE TABLE IF NOT EXISTS daily_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		date TEXT NOT NULL,
		published_count INTEGER NOT NULL
	);`

	overflowTable := `
	CREATE TABLE IF NOT EXISTS overflow (
		fingerprint TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		total_score REAL NOT NULL,
		expires_at DATETIME NOT NULL
	);`

	tables := []string{fingerprintsTable, dailyStateTable, overflowTable}
	for _, table := range tables {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadFingerprints returns all fingerprints seen at or after the cutoff.
func (s *Store) LoadFingerprints(cutoff time.Time) (map[core.Fingerprint]time.Time, error) {
	rows, err := s.db.Query(`SELECT hash, seen_at FROM fingerprints WHERE seen_at >= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprints: %w", err)
	}
	defer rows.Close()

	out := make(map[core.Fingerprint]time.Time)
	for rows.Next() {
		var hash string
		var seenAt time.Time
		if err := rows.Scan(&hash, &seenAt); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint row: %w", err)
		}
		var fp uint64
		if _, err := fmt.Sscanf(hash, "%016x", &fp); err != nil {
			continue // unreadable row, skip rather than poison the set
		}
		out[core.Fingerprint(fp)] = seenAt
	}
	return out, rows.Err()
}

// SaveFingerprints upserts the given seen-set and prunes rows older than the cutoff.
func (s *Store) SaveFingerprints(seen map[core.Fingerprint]time.Time, cutoff time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO fingerprints (hash, seen_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare fingerprint upsert: %w", err)
	}
	defer stmt.Close()

	for fp, seenAt := range seen {
		if _, err := stmt.Exec(fmt.Sprintf("%016x", uint64(fp)), seenAt.UTC()); err != nil {
			return fmt.Errorf("failed to upsert fingerprint: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM fingerprints WHERE seen_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune fingerprints: %w", err)
	}
	return tx.Commit()
}

// LoadDailyState reads the publish counter. ErrNoState means a fresh install;
// any other error means the persisted counter is unreadable and callers must
// fail closed.
func (s *Store) LoadDailyState() (core.DailyState, error) {
	row := s.db.QueryRow(`SELECT date, published_count FROM daily_state WHERE id = 1`)

	var state core.DailyState
	err := row.Scan(&state.Date, &state.PublishedCount)
	if err == sql.ErrNoRows {
		return core.DailyState{}, ErrNoState
	}
	if err != nil {
		return core.DailyState{}, fmt.Errorf("failed to read daily state: %w", err)
	}
	if _, err := time.Parse("2006-01-02", state.Date); err != nil {
		return core.DailyState{}, fmt.Errorf("corrupt daily state date %q: %w", state.Date, err)
	}
	if state.PublishedCount < 0 {
		return core.DailyState{}, fmt.Errorf("corrupt daily state count %d", state.PublishedCount)
	}
	return state, nil
}

// SaveDailyState writes the publish counter in a single atomic statement.
func (s *Store) SaveDailyState(state core.DailyState) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO daily_state (id, date, published_count) VALUES (1, ?, ?)`,
		state.Date, state.PublishedCount,
	)
	if err != nil {
		return fmt.Errorf("failed to save daily state: %w", err)
	}
	return nil
}

// LoadOverflow returns entries that expire strictly after now, soonest-expiry
// first. Expired rows are deleted on the way out.
func (s *Store) LoadOverflow(now time.Time) ([]core.OverflowEntry, error) {
	if _, err := s.db.Exec(`DELETE FROM overflow WHERE expires_at <= ?`, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to purge expired overflow: %w", err)
	}

	rows, err := s.db.Query(`SELECT payload FROM overflow WHERE expires_at > ? ORDER BY expires_at ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query overflow: %w", err)
	}
	defer rows.Close()

	var entries []core.OverflowEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan overflow row: %w", err)
		}
		var entry core.OverflowEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			continue // drop unreadable entries instead of failing the run
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ReplaceOverflow rewrites the overflow queue in one transaction.
func (s *Store) ReplaceOverflow(entries []core.OverflowEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM overflow`); err != nil {
		return fmt.Errorf("failed to clear overflow: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO overflow (fingerprint, payload, total_score, expires_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare overflow insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal overflow entry: %w", err)
		}
		_, err = stmt.Exec(
			fmt.Sprintf("%016x", uint64(entry.Item.Fingerprint)),
			string(payload),
			entry.Item.TotalScore,
			entry.ExpiresAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert overflow entry: %w", err)
		}
	}
	return tx.Commit()
}

// ResetDailyState deletes the publish counter. Used by the state command to
// recover from a corrupt or wedged counter; the next cycle starts a fresh day.
func (s *Store) ResetDailyState() error {
	if _, err := s.db.Exec(`DELETE FROM daily_state WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to reset daily state: %w", err)
	}
	return nil
}

// ClearOverflow empties the overflow queue.
func (s *Store) ClearOverflow() error {
	if _, err := s.db.Exec(`DELETE FROM overflow`); err != nil {
		return fmt.Errorf("failed to clear overflow: %w", err)
	}
	return nil
}

// Stats summarizes the persisted state for the status command.
type Stats struct {
	Fingerprints  int
	OverflowCount int
	DailyState    core.DailyState
	HasState      bool
}

// GetStats reports row counts and the current daily state.
func (s *Store) GetStats() (Stats, error) {
	var stats Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM fingerprints`).Scan(&stats.Fingerprints); err != nil {
		return stats, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM overflow`).Scan(&stats.OverflowCount); err != nil {
		return stats, fmt.Errorf("failed to count overflow: %w", err)
	}
	state, err := s.LoadDailyState()
	if err == nil {
		stats.DailyState = state
		stats.HasState = true
	} else if !errors.Is(err, ErrNoState) {
		return stats, err
	}
	return stats, nil
}
