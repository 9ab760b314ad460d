package storage

import "testing"

// TestSessionIDsAreGlobal verifies the id sequence counts start and
// stop rows across all tags, not per tag.
func TestSessionIDsAreGlobal(t *testing.T) {
	s := newTestStore(t)

	id, err := s.OpenSession(tag1, "obs1", 1.0, 1.1)
	if err != nil {
		t.Fatalf("OpenSession(tag1): %v", err)
	}
	if id != 0 {
		t.Fatalf("first session id = %d, want 0", id)
	}

	id, err = s.OpenSession(tag2, "obs1", 2.0, 2.1)
	if err != nil {
		t.Fatalf("OpenSession(tag2): %v", err)
	}
	if id != 1 {
		t.Fatalf("second session id = %d, want 1", id)
	}

	// tag1's stop is row 2, so tag1's next session gets id 3.
	if err := s.CloseSession(tag1, "obs1", 3.0); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	id, err = s.OpenSession(tag1, "obs2", 4.0, 4.1)
	if err != nil {
		t.Fatalf("OpenSession(tag1) again: %v", err)
	}
	if id != 3 {
		t.Fatalf("session id after stop = %d, want 3", id)
	}
}

// TestOpenSessionClosesStale verifies the restart-without-stop path:
// the stale close row shifts the counter before the new start row.
func TestOpenSessionClosesStale(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.OpenSession(tag1, "obs1", 1.0, 1.1); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	id, err := s.OpenSession(tag1, "obs2", 2.0, 2.1)
	if err != nil {
		t.Fatalf("OpenSession restart: %v", err)
	}
	if id != 2 {
		t.Fatalf("restarted session id = %d, want 2", id)
	}
	got, ok := mustOpen(t, s, tag1)
	if !ok || got != 2 {
		t.Fatalf("open session = %d, %v; want 2, true", got, ok)
	}
}

func TestForceCloseSession(t *testing.T) {
	s := newTestStore(t)

	closed, err := s.ForceCloseSession(tag1)
	if err != nil {
		t.Fatalf("ForceCloseSession idle: %v", err)
	}
	if closed {
		t.Fatal("nothing to close for an idle tag")
	}

	if _, err := s.OpenSession(tag1, "obs1", 1.0, 1.1); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	closed, err = s.ForceCloseSession(tag1)
	if err != nil {
		t.Fatalf("ForceCloseSession: %v", err)
	}
	if !closed {
		t.Fatal("expected the open session to be closed")
	}
	if _, ok := mustOpen(t, s, tag1); ok {
		t.Fatal("session still open after force close")
	}
}

// TestCloseSessionSentinel verifies a stop with no open session records
// the sentinel id and the counter still advances.
func TestCloseSessionSentinel(t *testing.T) {
	s := newTestStore(t)

	if err := s.CloseSession(tag1, "obs1", 1.0); err != nil {
		t.Fatalf("CloseSession idle: %v", err)
	}

	// The sentinel stop row is row 0, so the first start gets id 1.
	id, err := s.OpenSession(tag1, "obs1", 2.0, 2.1)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if id != 1 {
		t.Fatalf("session id = %d, want 1 (sentinel stop occupies row 0)", id)
	}
}
