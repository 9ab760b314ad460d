package storage

// events.go contains Store methods for the collection event log and the
// per-event sample files.

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// sampleHeader is the first line of every sample file.
const sampleHeader = "pos,x,y,z\n"

// SaveCollectionEvent records one successful data pull and writes the
// sample payload to a side file named <sess_id>_<seq_id>.csv. Returns
// the allocated sequence id (the event log row count at append time).
//
// The sample file is written to a temp file and renamed into place so a
// crash never leaves a half-written payload under the final name.
func (s *Store) SaveCollectionEvent(tag, relay string, sessID, startPos, count int64, payload string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("save collection event: %w", err)
	}
	defer tx.Rollback()

	seqID, err := rowCountTx(tx, "collection_events")
	if err != nil {
		return 0, err
	}

	const insert = `
		INSERT INTO collection_events (seq_id, server_ts, tag_mac, relay, start_pos, count, sess_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.Exec(insert, seqID, s.nowUnix(), tag, relay, startPos, count, sessID); err != nil {
		return 0, fmt.Errorf("append collection event: %w", err)
	}

	if err := s.writeSampleFile(sessID, seqID, payload); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save collection event: %w", err)
	}
	log.Printf("storage: saved collection event %d for tag %s (session %d, start %d, count %d)",
		seqID, tag, sessID, startPos, count)
	return seqID, nil
}

// SamplePath returns the sample file path for a (session, sequence) pair.
func (s *Store) SamplePath(sessID, seqID int64) string {
	return filepath.Join(s.opts.SampleDir, fmt.Sprintf("%d_%d.csv", sessID, seqID))
}

func (s *Store) writeSampleFile(sessID, seqID int64, payload string) error {
	final := s.SamplePath(sessID, seqID)

	tmp, err := os.CreateTemp(s.opts.SampleDir, ".tagherd-write-*")
	if err != nil {
		return fmt.Errorf("create sample temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(sampleHeader + payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write sample file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close sample file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("finalize sample file: %w", err)
	}
	return nil
}
