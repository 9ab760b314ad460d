package storage

// signal.go contains the signal-strength ledger and relay selection.
//
// Observations land in two tables: an unbounded history kept for
// offline analysis, and a time-windowed recent table that relay
// selection reads. The recent table is trimmed on every merge.

import (
	"fmt"
	"log"

	"github.com/tagherd/tagherd/internal/relay"
)

// RecordObservations appends signal observations to the history and the
// recent window, then trims the recent window to the configured age.
func (s *Store) RecordObservations(entries []relay.SignalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("record observations: %w", err)
	}
	defer tx.Rollback()

	const insertHist = `INSERT INTO signal_history (ts, relay, tag_mac, rssi) VALUES (?, ?, ?, ?)`
	const insertRecent = `INSERT INTO signal_recent (ts, relay, tag_mac, rssi) VALUES (?, ?, ?, ?)`
	for _, e := range entries {
		if _, err := tx.Exec(insertHist, e.TS, e.Host, e.Tag, e.RSSI); err != nil {
			return fmt.Errorf("append signal history: %w", err)
		}
		if _, err := tx.Exec(insertRecent, e.TS, e.Host, e.Tag, e.RSSI); err != nil {
			return fmt.Errorf("append signal recent: %w", err)
		}
	}

	threshold := s.nowUnix() - s.opts.RecentWindow.Seconds()
	if _, err := tx.Exec(`DELETE FROM signal_recent WHERE ts < ?`, threshold); err != nil {
		return fmt.Errorf("trim signal recent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record observations: %w", err)
	}
	return nil
}

// MergeSignalLog applies a fetched log segment from one relay: records
// the observations and advances that relay's fetch cursor so the next
// refresh resumes where this one ended.
func (s *Store) MergeSignalLog(relayName string, entries []relay.SignalEntry, maxTS int64) error {
	if err := s.RecordObservations(entries); err != nil {
		return err
	}
	if err := s.SetCursor(relayName, maxTS); err != nil {
		return err
	}
	log.Printf("ledger: merged %d observations from %s, cursor now %d", len(entries), relayName, maxTS)
	return nil
}

// BestRelay picks the relay to reach tag through. Candidates are relays
// with at least MinObsCount recent observations of the tag, excluding
// the given set, whose average signal strength is within RatioThreshold
// of the best. One candidate is chosen uniformly at random so load
// spreads across near-equally-good relays instead of piling onto the
// single best.
//
// RSSI is negative dBm, so "within ratio r of the best" means
// avg >= best/r: with best -40 and r 0.9 a relay averaging -42
// qualifies (-42 >= -44.4) while one averaging -80 does not.
func (s *Store) BestRelay(tag string, exclude map[string]bool) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		SELECT relay, AVG(rssi) AS avg_rssi, COUNT(*) AS n
		FROM signal_recent
		WHERE tag_mac = ?
		GROUP BY relay
		HAVING n >= ?
	`
	rows, err := s.db.Query(query, tag, s.opts.MinObsCount)
	if err != nil {
		return "", false, fmt.Errorf("query signal averages: %w", err)
	}
	defer rows.Close()

	type relayAvg struct {
		name string
		avg  float64
	}
	var avgs []relayAvg
	for rows.Next() {
		var ra relayAvg
		var n int
		if err := rows.Scan(&ra.name, &ra.avg, &n); err != nil {
			return "", false, fmt.Errorf("scan signal average: %w", err)
		}
		if exclude[ra.name] {
			continue
		}
		avgs = append(avgs, ra)
	}
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("iterate signal averages: %w", err)
	}
	if len(avgs) == 0 {
		return "", false, nil
	}

	best := avgs[0].avg
	for _, ra := range avgs[1:] {
		if ra.avg > best {
			best = ra.avg
		}
	}

	threshold := best * s.opts.RatioThreshold
	if best < 0 {
		threshold = best / s.opts.RatioThreshold
	}

	var candidates []string
	for _, ra := range avgs {
		if ra.avg >= threshold {
			candidates = append(candidates, ra.name)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	return candidates[s.randIntn(len(candidates))], true, nil
}
