package storage

// positions.go contains Store methods for the device position records:
// the mutable latest-value row per tag and the append-only history.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	herderrors "github.com/tagherd/tagherd/internal/errors"
)

// UpdatePosition records a successful position poll: one history row
// plus an overwrite of the tag's latest device position. Requires an
// open session; a poll result arriving after the session closed is
// rejected without mutating state.
func (s *Store) UpdatePosition(tag, relay string, pos int64, hostTS, hostTSSend float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	defer tx.Rollback()

	sessID, ok, err := openSessionID(tx, tag)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("storage: cannot update position, no session open for tag %s", tag)
		return herderrors.NoOpenSession(tag)
	}

	serverTS := s.nowUnix()
	const history = `
		INSERT INTO pos_history (tag_mac, relay, host_ts, host_ts_send, server_ts, pos, sess_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.Exec(history, tag, relay, hostTS, hostTSSend, serverTS, pos, sessID); err != nil {
		return fmt.Errorf("append position history: %w", err)
	}

	// The latest row exists from session open; the insert arm only runs
	// if something removed it out of band.
	const latest = `
		INSERT INTO pos_latest (tag_mac, pos, server_ts_pos, next, server_ts_next)
		VALUES (?, ?, ?, 0, 0)
		ON CONFLICT(tag_mac) DO UPDATE SET pos = excluded.pos, server_ts_pos = excluded.server_ts_pos
	`
	if _, err := tx.Exec(latest, tag, pos, serverTS); err != nil {
		return fmt.Errorf("update latest position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

// UpdateNextPosition overwrites the first not-yet-collected offset for
// the tag. The caller must have reduced next modulo MaxSampleCount.
func (s *Store) UpdateNextPosition(tag string, next int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		UPDATE pos_latest SET next = ?, server_ts_next = ? WHERE tag_mac = ?
	`
	if _, err := s.db.Exec(query, next, s.nowUnix(), tag); err != nil {
		return fmt.Errorf("update next position: %w", err)
	}
	return nil
}

// CollectionRange computes the parameters for the tag's next data pull.
//
// The backlog is (pos - next + MaxSampleCount) mod MaxSampleCount. When
// it is below minSamples the pull is not worth the radio time and ok is
// false. Otherwise the count is capped at maxSamples and rounded down
// to a multiple of 5, the device's samples-per-response-line packing.
//
// Known boundary: if the device writes more than one full buffer
// revolution between polls the modular difference under-reports the
// backlog, and the overwritten samples are lost. Accepted - poll
// cadence keeps revolutions far apart in practice.
func (s *Store) CollectionRange(tag string, maxSamples, minSamples int64) (start, count int64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `SELECT next, pos FROM pos_latest WHERE tag_mac = ?`
	var next, pos int64
	qerr := s.db.QueryRow(query, tag).Scan(&next, &pos)
	if errors.Is(qerr, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if qerr != nil {
		return 0, 0, false, fmt.Errorf("query latest position: %w", qerr)
	}

	available := (pos - next + MaxSampleCount) % MaxSampleCount
	if available < minSamples {
		return 0, 0, false, nil
	}
	if available > maxSamples {
		available = maxSamples
	}
	return next, available - available%5, true, nil
}

// StalePositionTags returns the tags whose latest device position has
// not been refreshed for longer than interval - candidates for a
// position poll.
func (s *Store) StalePositionTags(interval time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.nowUnix() - interval.Seconds()
	const query = `SELECT tag_mac FROM pos_latest WHERE server_ts_pos < ?`
	rows, err := s.db.Query(query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query stale positions: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan stale position tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale positions: %w", err)
	}
	return tags, nil
}
