package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

// TestCodedErrorFormat verifies the code and message appear in Error().
func TestCodedErrorFormat(t *testing.T) {
	err := New(CodeRelayUnreachable, "relay barn-3 unreachable")
	if !strings.Contains(err.Error(), CodeRelayUnreachable) {
		t.Errorf("Error() = %q, want code %q included", err.Error(), CodeRelayUnreachable)
	}
	if !strings.Contains(err.Error(), "barn-3") {
		t.Errorf("Error() = %q, want message included", err.Error())
	}
}

// TestWrapUnwrap verifies errors.Is works through CodedError.
func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(CodeRelayUnreachable, "relay down", cause)
	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the wrapped cause")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() = %q, want cause included", err.Error())
	}
}

// TestGetCode verifies code extraction, including wrapped and foreign errors.
func TestGetCode(t *testing.T) {
	if got := GetCode(nil); got != "" {
		t.Errorf("GetCode(nil) = %q, want empty", got)
	}
	if got := GetCode(stderrors.New("plain")); got != CodeUnknown {
		t.Errorf("GetCode(plain) = %q, want %q", got, CodeUnknown)
	}
	coded := NoOpenSession("AA:BB:CC:DD:EE:FF")
	wrapped := fmt.Errorf("apply result: %w", coded)
	if got := GetCode(wrapped); got != CodeStorageNoOpenSession {
		t.Errorf("GetCode(wrapped) = %q, want %q", got, CodeStorageNoOpenSession)
	}
}

// TestIsCode verifies code matching.
func TestIsCode(t *testing.T) {
	err := NoRelayAvailable("AA:BB:CC:DD:EE:FF")
	if !IsCode(err, CodeSchedulerNoRelay) {
		t.Error("expected IsCode to match scheduler.no_relay_available")
	}
	if IsCode(err, CodeRelayUnreachable) {
		t.Error("did not expect IsCode to match relay.unreachable")
	}
}
