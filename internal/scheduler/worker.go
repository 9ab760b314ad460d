package scheduler

import (
	"context"
	"log"
	"sync"
)

// worker runs jobs for one relay on its own goroutine. Jobs arrive on a
// buffered channel; closing the channel drains remaining jobs and
// exits, while terminate finishes the current job and exits without
// pulling further ones. A panic while executing a job kills the worker;
// the coordinator notices via alive() at tick granularity and respawns.
type worker struct {
	name        string
	client      RelayClient
	inbox       chan<- Message
	jobs        chan Task
	quit        chan struct{}
	quitOnce    sync.Once
	done        chan struct{}
	sampleRange int
	sampleRate  int
}

func newWorker(client RelayClient, inbox chan<- Message, sampleRange, sampleRate int) *worker {
	w := &worker{
		name:        client.Name(),
		client:      client,
		inbox:       inbox,
		jobs:        make(chan Task, 8),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		sampleRange: sampleRange,
		sampleRate:  sampleRate,
	}
	go w.run()
	return w
}

// alive reports whether the worker goroutine is still running.
func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// enqueue hands the worker a job. Returns false when the queue is full;
// the caller drops the task and re-derives it on a later tick.
func (w *worker) enqueue(t Task) bool {
	select {
	case w.jobs <- t:
		return true
	default:
		return false
	}
}

// close drains the remaining queue and exits the worker.
func (w *worker) close() { close(w.jobs) }

// terminate makes the worker exit after its current job without
// pulling further ones. Safe to call repeatedly.
func (w *worker) terminate() {
	w.quitOnce.Do(func() {
		log.Printf("worker: %s terminating after current job", w.name)
		close(w.quit)
	})
}

func (w *worker) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("worker: %s died: %v", w.name, r)
		}
	}()

	for {
		select {
		case <-w.quit:
			return
		default:
		}
		select {
		case <-w.quit:
			return
		case t, ok := <-w.jobs:
			if !ok {
				return
			}
			w.execute(t)
		}
	}
}

// execute issues the remote command for one task and posts the result.
// Timeouts live in the relay client, so a background context is enough.
func (w *worker) execute(t Task) {
	ctx := context.Background()

	var res ResultMsg
	res.Task = t
	switch t.Kind {
	case TaskStart:
		res.Resp, res.Err = w.client.StartRecord(ctx, t.Tag, w.sampleRange, w.sampleRate)
	case TaskStop:
		res.Resp, res.Err = w.client.StopRecord(ctx, t.Tag)
	case TaskPos:
		res.Resp, res.Err = w.client.ReadPosition(ctx, t.Tag)
	case TaskData:
		res.Resp, res.Err = w.client.CollectData(ctx, t.Tag, t.StartPos, t.Count, w.sampleRange)
	default:
		log.Printf("worker: %s dropping task %s with unknown kind %q", w.name, t.ID, t.Kind)
		return
	}
	if res.Err != nil {
		res.Resp.Success = false
	}
	w.inbox <- res
}
