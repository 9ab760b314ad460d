package storage

// sessions.go contains Store methods for the start/stop log.
//
// Session ids are allocated from the total row count of the start/stop
// log across all tags, so they form a single process-wide monotonically
// increasing sequence - a global ordering of start/stop events, not a
// per-tag counter.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// NoSessionID is recorded on a stop row when no session was open for
// the tag. Such stops are tolerated, not errors.
const NoSessionID = -1

// OpenSession records a successful start for tag via relay and returns
// the new session id. If a session is already open for the tag it is
// closed first with a warning (the restart-without-stop case). The
// tag's latest-position row is reset to (0, 0).
func (s *Store) OpenSession(tag, relay string, ts, tsSend float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	defer tx.Rollback()

	if old, ok, err := openSessionID(tx, tag); err != nil {
		return 0, err
	} else if ok {
		log.Printf("storage: restarted session for tag %s, closing stale session %d", tag, old)
		if err := appendStopTx(tx, old, tag, "", s.nowUnix()); err != nil {
			return 0, err
		}
	}

	id, err := rowCountTx(tx, "start_stop")
	if err != nil {
		return 0, err
	}
	const insert = `
		INSERT INTO start_stop (sess_id, is_start, tag_mac, relay, ts, ts_send)
		VALUES (?, 1, ?, ?, ?, ?)
	`
	if _, err := tx.Exec(insert, id, tag, relay, ts, tsSend); err != nil {
		return 0, fmt.Errorf("append start row: %w", err)
	}

	// Everything on the device restarted, so the position cache must too.
	const reset = `
		INSERT INTO pos_latest (tag_mac, pos, server_ts_pos, next, server_ts_next)
		VALUES (?, 0, 0, 0, 0)
		ON CONFLICT(tag_mac) DO UPDATE SET
			pos = 0, server_ts_pos = 0, next = 0, server_ts_next = 0
	`
	if _, err := tx.Exec(reset, tag); err != nil {
		return 0, fmt.Errorf("reset latest position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("open session: %w", err)
	}
	log.Printf("storage: opened session %d for tag %s via %s", id, tag, relay)
	return id, nil
}

// CloseSession records a stop for the tag's current session. When no
// session is open the stop is still recorded with the NoSessionID
// sentinel - an explicit stop against an idle tag is not an error.
func (s *Store) CloseSession(tag, relay string, ts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	defer tx.Rollback()

	id, ok, err := openSessionID(tx, tag)
	if err != nil {
		return err
	}
	if !ok {
		id = NoSessionID
	}
	if err := appendStopTx(tx, id, tag, relay, ts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	log.Printf("storage: closed session %d for tag %s", id, tag)
	return nil
}

// ForceCloseSession closes the tag's open session with the current
// server time, used when the device reports a failure state rather
// than a stop command succeeding. Reports whether a session was open.
func (s *Store) ForceCloseSession(tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("force close session: %w", err)
	}
	defer tx.Rollback()

	id, ok, err := openSessionID(tx, tag)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := appendStopTx(tx, id, tag, "", s.nowUnix()); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("force close session: %w", err)
	}
	log.Printf("storage: force-closed session %d for tag %s", id, tag)
	return true, nil
}

// OpenSessionID returns the tag's open session id. The second return is
// false when the tag's latest start/stop record is a stop, or when the
// tag has no records at all.
func (s *Store) OpenSessionID(tag string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return openSessionID(s.db, tag)
}

// AllOpenSessions returns a map of tag -> open session id.
func (s *Store) AllOpenSessions() (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The most recent row per tag decides: open iff it is a start.
	const query = `
		SELECT tag_mac, sess_id FROM start_stop
		WHERE is_start = 1 AND id IN (
			SELECT MAX(id) FROM start_stop GROUP BY tag_mac
		)
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	open := make(map[string]int64)
	for rows.Next() {
		var tag string
		var id int64
		if err := rows.Scan(&tag, &id); err != nil {
			return nil, fmt.Errorf("scan open session: %w", err)
		}
		open[tag] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open sessions: %w", err)
	}
	return open, nil
}

// querier covers *sql.DB and *sql.Tx.
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func openSessionID(q querier, tag string) (int64, bool, error) {
	const query = `
		SELECT sess_id, is_start FROM start_stop
		WHERE tag_mac = ? ORDER BY id DESC LIMIT 1
	`
	var id int64
	var isStart int
	err := q.QueryRow(query, tag).Scan(&id, &isStart)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query open session: %w", err)
	}
	if isStart == 0 {
		return 0, false, nil
	}
	return id, true, nil
}

func appendStopTx(q querier, sessID int64, tag, relay string, ts float64) error {
	const insert = `
		INSERT INTO start_stop (sess_id, is_start, tag_mac, relay, ts, ts_send)
		VALUES (?, 0, ?, ?, ?, NULL)
	`
	if _, err := q.Exec(insert, sessID, tag, relay, ts); err != nil {
		return fmt.Errorf("append stop row: %w", err)
	}
	return nil
}

func rowCountTx(q querier, table string) (int64, error) {
	var n int64
	if err := q.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s rows: %w", table, err)
	}
	return n, nil
}
