// Package catalogdb keeps timestamped catalogue snapshots in SQLite so a
// portal outage does not wipe the channel list: the last snapshot is always
// loadable offline.
package catalogdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/magbridge/magbridge/internal/catalog"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at TEXT NOT NULL,
	source TEXT NOT NULL,
	channel_count INTEGER NOT NULL,
	channels TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON snapshots(taken_at);
`

// Store is a SQLite-backed snapshot store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init snapshot schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Save records a snapshot of channels under the given source label
// (the portal endpoint or playlist URL it came from).
func (s *Store) Save(source string, channels []catalog.Channel) error {
	payload, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (taken_at, source, channel_count, channels) VALUES (?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), source, len(channels), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot for source, or sql.ErrNoRows
// when none exists.
func (s *Store) Latest(source string) ([]catalog.Channel, time.Time, error) {
	var takenAt, payload string
	err := s.db.QueryRow(
		`SELECT taken_at, channels FROM snapshots WHERE source = ? ORDER BY id DESC LIMIT 1`,
		source,
	).Scan(&takenAt, &payload)
	if err != nil {
		return nil, time.Time{}, err
	}
	var channels []catalog.Channel
	if err := json.Unmarshal([]byte(payload), &channels); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode snapshot: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, takenAt)
	if err != nil {
		ts = time.Time{}
	}
	return channels, ts, nil
}

// Prune deletes all but the newest keep snapshots per source.
func (s *Store) Prune(source string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	_, err := s.db.Exec(
		`DELETE FROM snapshots WHERE source = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE source = ? ORDER BY id DESC LIMIT ?)`,
		source, source, keep,
	)
	return err
}
