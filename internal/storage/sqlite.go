// Package storage is the durable record of tag sessions, device buffer
// positions, collection events and the signal-strength ledger.
//
// All state lives in one SQLite database plus per-event sample files on
// disk. The coordinator is the only writer at runtime; the internal
// mutex exists so tests and future tooling can share a store safely,
// not because concurrent writers are expected.
package storage

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	// Pure-Go SQLite driver, imported for its driver registration.
	// No CGO keeps cross-compilation for the collection server trivial.
	"database/sql"

	_ "modernc.org/sqlite"
)

// MaxSampleCount is the size of a tag's onboard circular sample buffer.
// Every device position is an offset modulo this value.
const MaxSampleCount = 4194304

// Options configures a Store.
type Options struct {
	// SampleDir is where per-event sample files are written.
	SampleDir string

	// RecentWindow is how far back signal observations count toward
	// relay selection.
	RecentWindow time.Duration

	// MinObsCount is the minimum number of recent observations a relay
	// needs for a tag before it can be selected.
	MinObsCount int

	// RatioThreshold defines the candidate set for relay selection:
	// relays within this ratio of the best average signal strength.
	RatioThreshold float64
}

// Store wraps the SQLite database and the sample file directory.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	opts Options

	// now and randIntn are test seams.
	now      func() time.Time
	randIntn func(int) int
}

// Open opens or creates the database at path and initializes the schema.
// Use ":memory:" for an in-memory database (useful for testing, but the
// sample dir must still exist for data collection events).
func Open(path string, opts Options) (*Store, error) {
	log.Printf("storage: opening database at %s", path)

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if opts.SampleDir != "" {
		if err := os.MkdirAll(opts.SampleDir, 0o755); err != nil {
			db.Close()
			return nil, fmt.Errorf("create sample dir: %w", err)
		}
	}

	s := &Store{
		db:       db,
		opts:     opts,
		now:      time.Now,
		randIntn: rand.Intn,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Printf("storage: database ready (schema version %d)", currentSchemaVersion)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	log.Printf("storage: closing database")
	return s.db.Close()
}

// nowUnix returns the current server time as unix seconds with
// sub-second precision, the format shared with device timestamps.
func (s *Store) nowUnix() float64 {
	t := s.now()
	return float64(t.UnixNano()) / float64(time.Second)
}
