// Package errors provides standardized error codes for the coordinator.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (storage, relay, scheduler, fleet, config)
//   - error: The specific error type within that domain
//
// Codes are stable so log scrapers and operators can match on them.
// Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Storage domain - database and persistence errors
	CodeStorageOpenFailed        = "storage.open_failed"        // Database open failed
	CodeStorageQueryFailed       = "storage.query_failed"       // Database query failed
	CodeStorageSaveFailed        = "storage.save_failed"        // Failed to persist data
	CodeStorageNoOpenSession     = "storage.no_open_session"    // Operation requires an open session
	CodeStorageMalformedResponse = "storage.malformed_response" // Relay response missing required fields

	// Relay domain - remote command errors
	CodeRelayUnreachable    = "relay.unreachable"      // Transport failure (timeout, refused)
	CodeRelayBadResponse    = "relay.bad_response"     // Response body could not be decoded
	CodeRelayDeviceOff      = "relay.device_off"       // Device reported off state
	CodeRelayDeviceNotFound = "relay.device_not_found" // Device not found by the relay

	// Scheduler domain - task routing errors
	CodeSchedulerNoRelay    = "scheduler.no_relay_available" // No relay qualifies for the tag
	CodeSchedulerWorkerDead = "scheduler.worker_dead"        // Worker for the relay is not alive

	// Fleet domain - tag/observer roster errors
	CodeFleetBadList = "fleet.bad_list"     // Roster file missing or malformed
	CodeFleetBadAddr = "fleet.bad_address"  // Tag address cannot be normalized

	// Config domain
	CodeConfigInvalid = "config.invalid" // Config file missing or unparsable

	// General domain
	CodeUnknown = "error.unknown"
)

// CodedError wraps an error with a stable error code.
type CodedError struct {
	Code    string // Stable error code (e.g., "relay.unreachable")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors.

// NoOpenSession creates a "storage.no_open_session" error.
func NoOpenSession(tag string) *CodedError {
	return New(CodeStorageNoOpenSession, fmt.Sprintf("no open session for tag %s", tag))
}

// MalformedResponse creates a "storage.malformed_response" error.
func MalformedResponse(kind, reason string) *CodedError {
	return New(CodeStorageMalformedResponse, fmt.Sprintf("%s response rejected: %s", kind, reason))
}

// RelayUnreachable creates a "relay.unreachable" error.
func RelayUnreachable(relay string, cause error) *CodedError {
	return Wrap(CodeRelayUnreachable, fmt.Sprintf("relay %s unreachable", relay), cause)
}

// NoRelayAvailable creates a "scheduler.no_relay_available" error.
func NoRelayAvailable(tag string) *CodedError {
	return New(CodeSchedulerNoRelay, fmt.Sprintf("no relay qualifies for tag %s", tag))
}

// BadAddress creates a "fleet.bad_address" error.
func BadAddress(addr string) *CodedError {
	return New(CodeFleetBadAddr, fmt.Sprintf("tag address %q cannot be normalized", addr))
}
