// Package state persists small JSON documents keyed by (kind, id) in the
// resource_state table. Energy checkpoints live here.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Record is one stored document.
type Record struct {
	Kind      string
	ID        string
	Payload   []byte
	Version   int64 // incremented on every write, starting at 1
	UpdatedAt time.Time
}

// Store reads and writes records.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Get returns the record for (kind, id). found is false if there is none.
func (s *Store) Get(kind, id string) (rec Record, found bool, err error) {
	var payload string
	var updated int64
	err = s.db.QueryRow(`
		SELECT payload, version, updated_at FROM resource_state
		WHERE kind = ? AND id = ?
	`, kind, id).Scan(&payload, &rec.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read %s/%s: %w", kind, id, err)
	}

	rec.Kind, rec.ID = kind, id
	rec.Payload = []byte(payload)
	rec.UpdatedAt = time.Unix(updated, 0).UTC()
	return rec, true, nil
}

// Put writes payload and returns the new version.
func (s *Store) Put(kind, id string, payload []byte) (int64, error) {
	var version int64
	err := s.db.QueryRow(`
		INSERT INTO resource_state (kind, id, payload, version, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			payload = excluded.payload,
			version = version + 1,
			updated_at = excluded.updated_at
		RETURNING version
	`, kind, id, string(payload), s.now().UTC().Unix()).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to write %s/%s: %w", kind, id, err)
	}

	log.Trace().Str("kind", kind).Str("id", id).Int64("version", version).Msg("State saved")
	return version, nil
}

// Delete removes (kind, id). Deleting a missing record is not an error.
func (s *Store) Delete(kind, id string) error {
	if _, err := s.db.Exec(`DELETE FROM resource_state WHERE kind = ? AND id = ?`, kind, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", kind, id, err)
	}
	return nil
}

// Clear removes every record of kind.
func (s *Store) Clear(kind string) error {
	if _, err := s.db.Exec(`DELETE FROM resource_state WHERE kind = ?`, kind); err != nil {
		return fmt.Errorf("failed to clear %s: %w", kind, err)
	}
	return nil
}

// List returns every record of kind ordered by id.
func (s *Store) List(kind string) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, payload, version, updated_at FROM resource_state
		WHERE kind = ? ORDER BY id
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{Kind: kind}
		var payload string
		var updated int64
		if err := rows.Scan(&rec.ID, &payload, &rec.Version, &updated); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		rec.UpdatedAt = time.Unix(updated, 0).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}
