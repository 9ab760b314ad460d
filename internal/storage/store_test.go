package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tagherd/tagherd/internal/relay"
)

const (
	tag1 = "AA:BB:CC:DD:EE:01"
	tag2 = "AA:BB:CC:DD:EE:02"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tagherd.db"), Options{
		SampleDir:      filepath.Join(dir, "samples"),
		RecentWindow:   30 * time.Minute,
		MinObsCount:    10,
		RatioThreshold: 0.9,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func okResponse(ts, tsSend float64) relay.Response {
	return relay.Response{Success: true, Timestamp: ts, TimestampSend: tsSend}
}

func posResponse(ts float64, pos int64) relay.Response {
	return relay.Response{Success: true, Timestamp: ts, TimestampSend: ts + 0.2, Pos: pos}
}

func dataResponse(ts float64, next int64, data string) relay.Response {
	return relay.Response{Success: true, Timestamp: ts, TimestampSend: ts + 0.1, Next: &next, Data: &data}
}

func failResponse(tagState *int) relay.Response {
	return relay.Response{Success: false, TagState: tagState}
}

func intPtr(v int) *int { return &v }

// apply pushes a result through the dispatch funnel and fails the test
// on storage errors.
func apply(t *testing.T, s *Store, res Result) bool {
	t.Helper()
	applied, err := s.ApplyResult(res)
	if err != nil {
		t.Fatalf("ApplyResult(%s %s): %v", res.Kind, res.Tag, err)
	}
	return applied
}

func mustRange(t *testing.T, s *Store, tag string) (int64, int64, bool) {
	t.Helper()
	start, count, ok, err := s.CollectionRange(tag, 15000, 10000)
	if err != nil {
		t.Fatalf("CollectionRange(%s): %v", tag, err)
	}
	return start, count, ok
}

func mustOpen(t *testing.T, s *Store, tag string) (int64, bool) {
	t.Helper()
	id, ok, err := s.OpenSessionID(tag)
	if err != nil {
		t.Fatalf("OpenSessionID(%s): %v", tag, err)
	}
	return id, ok
}
