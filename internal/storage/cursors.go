package storage

// cursors.go contains the per-relay fetch cursors: the "already fetched
// up to timestamp X" high-water marks that keep signal log refreshes
// from re-downloading the same segments.

import (
	"database/sql"
	"errors"
	"fmt"
)

// Cursor returns the relay's high-water fetch timestamp. The second
// return is false when the relay has never been fetched from.
func (s *Store) Cursor(relayName string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ts int64
	err := s.db.QueryRow(`SELECT next_ts FROM relay_cursors WHERE relay = ?`, relayName).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query relay cursor: %w", err)
	}
	return ts, true, nil
}

// SetCursor advances the relay's high-water fetch timestamp.
func (s *Store) SetCursor(relayName string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO relay_cursors (relay, next_ts) VALUES (?, ?)
		ON CONFLICT(relay) DO UPDATE SET next_ts = excluded.next_ts
	`
	if _, err := s.db.Exec(query, relayName, ts); err != nil {
		return fmt.Errorf("set relay cursor: %w", err)
	}
	return nil
}
