// Package scheduler is the coordination core: a single-goroutine
// coordinator that assigns start/stop/position/data jobs to per-relay
// workers, applies their results to the store, recovers from worker
// death and drains cleanly on shutdown.
package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/tagherd/tagherd/internal/relay"
	"github.com/tagherd/tagherd/internal/storage"
)

// TaskKind identifies one of the four relay operations.
type TaskKind string

const (
	TaskStart TaskKind = "start"
	TaskStop  TaskKind = "stop"
	TaskPos   TaskKind = "pos"
	TaskData  TaskKind = "data"
)

// Task is one unit of work for a relay worker. Tasks are in-memory
// only; the store's session and position state is the durable record of
// what must still happen, so a lost task is simply re-derived on a
// later tick.
type Task struct {
	ID   uuid.UUID
	Kind TaskKind
	Tag  string

	// Relay is assigned when the task is dispatched to a worker.
	Relay string

	// Data pull parameters, set for TaskData only.
	SessionID int64
	StartPos  int64
	Count     int64
}

func newTask(kind TaskKind, tag string) Task {
	return Task{ID: uuid.New(), Kind: kind, Tag: tag}
}

// eventKind maps a task to its storage event kind.
func (t Task) eventKind() storage.EventKind {
	switch t.Kind {
	case TaskStart:
		return storage.EventStart
	case TaskStop:
		return storage.EventStop
	case TaskPos:
		return storage.EventPos
	case TaskData:
		return storage.EventData
	}
	return storage.EventKind(t.Kind)
}

// Message is anything the coordinator inbox accepts. All coordinator
// state changes happen while handling one message at a time.
type Message interface{ isMessage() }

// TickMsg requests a scheduling pass.
type TickMsg struct{}

// ResultMsg carries a completed task back from a worker. Err is set for
// transport-level failures; Resp.Success is false in that case too.
type ResultMsg struct {
	Task Task
	Resp relay.Response
	Err  error
}

// LedgerMsg carries one relay's fetched signal log segment. Only the
// coordinator merges it into the store.
type LedgerMsg struct {
	Relay   string
	Entries []relay.SignalEntry
	MaxTS   int64
}

// ShutdownMsg requests a graceful drain.
type ShutdownMsg struct{}

func (TickMsg) isMessage()     {}
func (ResultMsg) isMessage()   {}
func (LedgerMsg) isMessage()   {}
func (ShutdownMsg) isMessage() {}

// RelayClient is the command surface a worker needs from a relay.
// *relay.Client implements it; tests substitute fakes.
type RelayClient interface {
	Name() string
	StartRecord(ctx context.Context, tag string, sampleRange, sampleRate int) (relay.Response, error)
	StopRecord(ctx context.Context, tag string) (relay.Response, error)
	ReadPosition(ctx context.Context, tag string) (relay.Response, error)
	CollectData(ctx context.Context, tag string, startPos, count int64, sampleRange int) (relay.Response, error)
	ReadSignalLog(ctx context.Context, fromTS int64) ([]relay.SignalEntry, int64, error)
}
