package scheduler

import (
	"context"
	"log"
	"time"
)

// tickSource posts a TickMsg to the inbox at a fixed cadence. It never
// touches coordinator state directly.
type tickSource struct {
	interval time.Duration
	inbox    chan<- Message
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func startTicker(interval time.Duration, inbox chan<- Message) *tickSource {
	t := &tickSource{
		interval: interval,
		inbox:    inbox,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *tickSource) loop() {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			select {
			case t.inbox <- TickMsg{}:
			case <-t.stopCh:
				return
			}
		}
	}
}

func (t *tickSource) stop() {
	close(t.stopCh)
	<-t.doneCh
}

// cursorSource is the read-only slice of the store the refresher needs.
type cursorSource interface {
	Cursor(relayName string) (int64, bool, error)
}

// refresher periodically fetches each relay's signal log segment since
// that relay's high-water mark and posts the entries to the inbox. The
// network fetch happens here, off the coordinator goroutine, but the
// merge into the store is done by the coordinator when it handles the
// LedgerMsg - this goroutine only reads cursors.
//
// A relay that cannot be reached is skipped for the cycle and retried
// on the next one.
type refresher struct {
	interval  time.Duration
	inbox     chan<- Message
	clients   map[string]RelayClient
	cursors   cursorSource
	blacklist func() (map[string]bool, error)
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func startRefresher(interval time.Duration, inbox chan<- Message, clients map[string]RelayClient,
	cursors cursorSource, blacklist func() (map[string]bool, error)) *refresher {
	r := &refresher{
		interval:  interval,
		inbox:     inbox,
		clients:   clients,
		cursors:   cursors,
		blacklist: blacklist,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// alive reports whether the refresh goroutine is still running. The
// coordinator restarts a dead refresher at tick granularity.
func (r *refresher) alive() bool {
	select {
	case <-r.doneCh:
		return false
	default:
		return true
	}
}

func (r *refresher) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *refresher) loop() {
	defer close(r.doneCh)

	// First refresh immediately so relay selection has data before the
	// first scheduling tick fires.
	r.refresh()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}

func (r *refresher) refresh() {
	excluded := map[string]bool{}
	if r.blacklist != nil {
		bl, err := r.blacklist()
		if err != nil {
			log.Printf("ledger: cannot read blacklist, refreshing all relays: %v", err)
		} else {
			excluded = bl
		}
	}

	for name, client := range r.clients {
		if excluded[name] {
			continue
		}
		from, _, err := r.cursors.Cursor(name)
		if err != nil {
			log.Printf("ledger: cursor for %s unavailable: %v", name, err)
			continue
		}
		entries, maxTS, err := client.ReadSignalLog(context.Background(), from)
		if err != nil {
			log.Printf("ledger: skipping %s this cycle: %v", name, err)
			continue
		}
		select {
		case r.inbox <- LedgerMsg{Relay: name, Entries: entries, MaxTS: maxTS}:
		case <-r.stopCh:
			return
		}
	}
}
