package storage

// dispatch.go is the single funnel through which relay command results
// reach durable state. Nothing else decides what a response means.

import (
	"log"

	herderrors "github.com/tagherd/tagherd/internal/errors"
	"github.com/tagherd/tagherd/internal/relay"
)

// EventKind identifies the operation a relay result belongs to.
type EventKind string

const (
	EventStart     EventKind = "start"
	EventStop      EventKind = "stop"
	EventForceStop EventKind = "force_stop"
	EventPos       EventKind = "pos"
	EventData      EventKind = "data"
)

// Result is a relay command outcome, ready to be applied to the store.
// For data pulls the worker attaches the session id and requested range
// alongside the raw response, since the relay does not echo them.
type Result struct {
	Kind  EventKind
	Tag   string
	Relay string
	Resp  relay.Response

	// Data pull context. HasParams is false for every other kind.
	HasParams bool
	SessionID int64
	StartPos  int64
	Count     int64
}

// ApplyResult applies one relay result to durable state. It returns
// whether the result mutated state; err is non-nil for storage failures
// and for results rejected at this boundary (malformed shape, position
// update without an open session).
//
// Failure handling, regardless of kind:
//   - device reports "off": the tag lost power or reset, so the open
//     session is force-closed.
//   - device reports "not found": logged, no state change.
//   - any other failure: no state change.
func (s *Store) ApplyResult(res Result) (bool, error) {
	switch res.Kind {
	case EventStart, EventStop, EventForceStop, EventPos, EventData:
	default:
		return false, herderrors.MalformedResponse(string(res.Kind), "unknown event kind")
	}

	if !res.Resp.Success {
		switch {
		case res.Resp.DeviceOff():
			log.Printf("storage: %s for tag %s via %s failed - tag state off", res.Kind, res.Tag, res.Relay)
			closed, err := s.ForceCloseSession(res.Tag)
			if err != nil {
				return false, err
			}
			return closed, nil
		case res.Resp.DeviceNotFound():
			log.Printf("storage: %s for tag %s via %s failed - tag not found", res.Kind, res.Tag, res.Relay)
		}
		return false, nil
	}

	switch res.Kind {
	case EventStart:
		if _, err := s.OpenSession(res.Tag, res.Relay, res.Resp.Timestamp, res.Resp.TimestampSend); err != nil {
			return false, err
		}
		return true, nil

	case EventStop, EventForceStop:
		if err := s.CloseSession(res.Tag, res.Relay, res.Resp.Timestamp); err != nil {
			return false, err
		}
		return true, nil

	case EventPos:
		if err := s.UpdatePosition(res.Tag, res.Relay, res.Resp.Pos, res.Resp.Timestamp, res.Resp.TimestampSend); err != nil {
			return false, err
		}
		return true, nil

	case EventData:
		if !res.HasParams {
			return false, herderrors.MalformedResponse(string(res.Kind), "missing session id and collection range")
		}
		// A success body without Data or Next would rewind the collect
		// cursor to a decoded zero value; reject before touching state.
		if res.Resp.Data == nil || res.Resp.Next == nil {
			return false, herderrors.MalformedResponse(string(res.Kind), "success body missing Data or Next")
		}
		next := ((*res.Resp.Next % MaxSampleCount) + MaxSampleCount) % MaxSampleCount
		if _, err := s.SaveCollectionEvent(res.Tag, res.Relay, res.SessionID, res.StartPos, res.Count, *res.Resp.Data); err != nil {
			return false, err
		}
		if err := s.UpdateNextPosition(res.Tag, next); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
