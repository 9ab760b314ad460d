package relay

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	herderrors "github.com/tagherd/tagherd/internal/errors"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("barn-1", srv.URL, Options{
		CommandTimeout: 2 * time.Second,
		CollectTimeout: 2 * time.Second,
	})
}

// TestStartRecordSuccess verifies URL layout and response decoding.
func TestStartRecordSuccess(t *testing.T) {
	var gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"SUCCESS": true, "Timestamp": 12.5, "Timestamp_send": 12.9}`)
	}))

	resp, err := c.StartRecord(context.Background(), "AA:BB:CC:DD:EE:01", 2, 25)
	if err != nil {
		t.Fatalf("StartRecord failed: %v", err)
	}
	if gotPath != "/StartRecord/AA:BB:CC:DD:EE:01/2/25" {
		t.Errorf("path = %q", gotPath)
	}
	if !resp.Success || resp.Timestamp != 12.5 || resp.TimestampSend != 12.9 {
		t.Errorf("resp = %+v", resp)
	}
}

// TestCollectDataURL verifies the data pull path carries start, count and range.
func TestCollectDataURL(t *testing.T) {
	var gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"SUCCESS": true, "Timestamp": 3.0, "Data": "0,1,2,3\n", "Next": 15000}`)
	}))

	resp, err := c.CollectData(context.Background(), "AA:BB:CC:DD:EE:01", 0, 15000, 2)
	if err != nil {
		t.Fatalf("CollectData failed: %v", err)
	}
	if gotPath != "/CollectData/AA:BB:CC:DD:EE:01/0/15000/2" {
		t.Errorf("path = %q", gotPath)
	}
	if resp.Next == nil || *resp.Next != 15000 {
		t.Errorf("Next = %v, want 15000", resp.Next)
	}
	if resp.Data == nil || *resp.Data != "0,1,2,3\n" {
		t.Errorf("Data = %v, want payload", resp.Data)
	}
}

// TestCollectDataOmittedFields verifies that a body without Data or Next
// decodes them as nil rather than zero values.
func TestCollectDataOmittedFields(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"SUCCESS": true, "Timestamp": 3.0}`)
	}))

	resp, err := c.CollectData(context.Background(), "AA:BB:CC:DD:EE:01", 0, 15000, 2)
	if err != nil {
		t.Fatalf("CollectData failed: %v", err)
	}
	if resp.Next != nil || resp.Data != nil {
		t.Errorf("omitted fields should decode nil, got Next=%v Data=%v", resp.Next, resp.Data)
	}
}

// TestCommandRateLimit verifies CommandsPerSecond spaces out commands.
func TestCommandRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"SUCCESS": true, "Timestamp": 1.0}`)
	}))
	defer srv.Close()

	c := NewClient("barn-1", srv.URL, Options{
		CommandTimeout:    time.Second,
		CommandsPerSecond: 100,
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.ReadPosition(context.Background(), "AA:BB:CC:DD:EE:01"); err != nil {
			t.Fatalf("ReadPosition %d failed: %v", i, err)
		}
	}
	// Burst of 1, so the second and third command each wait 10ms.
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("3 commands took %v, want at least ~20ms at 100/s", elapsed)
	}
}

// TestDeviceFailureNotRetried verifies that a device-reported failure
// comes back as a decoded response, not an error, and is not retried.
func TestDeviceFailureNotRetried(t *testing.T) {
	var calls atomic.Int64
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"SUCCESS": false, "DBG_TAG_STATE": 0}`)
	}))

	resp, err := c.ReadPosition(context.Background(), "AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatalf("ReadPosition failed: %v", err)
	}
	if resp.Success {
		t.Error("expected Success=false")
	}
	if !resp.DeviceOff() {
		t.Errorf("expected device-off state, got %+v", resp)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on device failure)", calls.Load())
	}
}

// TestTransportFailureBoundedRetry verifies transient server errors are
// retried up to RetryMax and then surface as relay.unreachable.
func TestTransportFailureBoundedRetry(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("barn-1", srv.URL, Options{
		CommandTimeout: time.Second,
		RetryMax:       2,
	})
	_, err := c.StopRecord(context.Background(), "AA:BB:CC:DD:EE:01")
	if err == nil {
		t.Fatal("expected error")
	}
	if !herderrors.IsCode(err, herderrors.CodeRelayUnreachable) {
		t.Errorf("code = %q, want relay.unreachable", herderrors.GetCode(err))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (1 attempt + 2 retries)", got)
	}
}

// TestTransportRecoveryWithinRetries verifies a flaky relay succeeds
// once a retry gets through.
func TestTransportRecoveryWithinRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"SUCCESS": true, "Timestamp": 1.0, "Pos": 4096}`)
	}))
	defer srv.Close()

	c := NewClient("barn-1", srv.URL, Options{CommandTimeout: time.Second, RetryMax: 3})
	resp, err := c.ReadPosition(context.Background(), "AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatalf("ReadPosition failed: %v", err)
	}
	if resp.Pos != 4096 {
		t.Errorf("Pos = %d, want 4096", resp.Pos)
	}
}

// TestUndecodableResponse verifies garbage bodies fail without retry.
func TestUndecodableResponse(t *testing.T) {
	var calls atomic.Int64
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "not json")
	}))

	_, err := c.StopRecord(context.Background(), "AA:BB:CC:DD:EE:01")
	if err == nil {
		t.Fatal("expected error")
	}
	if !herderrors.IsCode(err, herderrors.CodeRelayBadResponse) {
		t.Errorf("code = %q, want relay.bad_response", herderrors.GetCode(err))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// signalArchive builds a zip archive the way a relay's /ReadRssiLog does.
func signalArchive(t *testing.T, segments map[string]string, meta string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range segments {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if meta != "" {
		f, err := w.Create("meta")
		if err != nil {
			t.Fatalf("create meta: %v", err)
		}
		if _, err := f.Write([]byte(meta)); err != nil {
			t.Fatalf("write meta: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	return buf.Bytes()
}

// TestReadSignalLog verifies archive parsing, tag normalization and the
// meta manifest timestamp.
func TestReadSignalLog(t *testing.T) {
	archive := signalArchive(t, map[string]string{
		"barn-1.log.0": "1700000000.5,barn-1,aa:bb:cc:dd:ee:01,-42\n1700000002.0,barn-1,aabbccddee02,-55\n",
		"barn-1.log.1": "garbage line\n1700000004.0,barn-1,aa:bb:cc:dd:ee:01,-44\n",
	}, "1700000004\n")

	var gotPath string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write(archive)
	}))

	entries, maxTS, err := c.ReadSignalLog(context.Background(), 1699999000)
	if err != nil {
		t.Fatalf("ReadSignalLog failed: %v", err)
	}
	if gotPath != "/ReadRssiLog/1699999000" {
		t.Errorf("path = %q", gotPath)
	}
	if maxTS != 1700000004 {
		t.Errorf("maxTS = %d, want 1700000004", maxTS)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3 (garbage skipped)", len(entries))
	}
	for _, e := range entries {
		if e.Tag != "AA:BB:CC:DD:EE:01" && e.Tag != "AA:BB:CC:DD:EE:02" {
			t.Errorf("tag not normalized: %q", e.Tag)
		}
	}
}

// TestReadSignalLogMissingMeta verifies a manifest-less archive is rejected.
func TestReadSignalLogMissingMeta(t *testing.T) {
	archive := signalArchive(t, map[string]string{
		"barn-1.log.0": "1700000000.5,barn-1,aa:bb:cc:dd:ee:01,-42\n",
	}, "")

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))

	if _, _, err := c.ReadSignalLog(context.Background(), 0); err == nil {
		t.Fatal("expected error for missing meta manifest")
	}
}
