package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	herderrors "github.com/tagherd/tagherd/internal/errors"
	"github.com/tagherd/tagherd/internal/fleet"
	"github.com/tagherd/tagherd/internal/storage"
)

// Options configures a Coordinator.
type Options struct {
	// TickInterval is the scheduling tick cadence. Zero disables the
	// internal ticker; callers then post TickMsg themselves.
	TickInterval time.Duration

	// RefreshInterval is the signal-ledger refresh cadence. Zero
	// disables the refresher.
	RefreshInterval time.Duration

	// PosInterval is how stale a tag's device position may get before a
	// position poll is scheduled.
	PosInterval time.Duration

	// SampleRange and SampleRate are the device recording parameters
	// passed to start commands.
	SampleRange int
	SampleRate  int

	// MaxSamples and MinSamples bound one data pull.
	MaxSamples int64
	MinSamples int64

	// RunTimer bounds total runtime; the coordinator starts draining
	// when it elapses. Zero means unbounded.
	RunTimer time.Duration

	// MaxInFlightPerRelay is the backlog at which a relay stops
	// receiving new tasks. Defaults to 3.
	MaxInFlightPerRelay int
}

// Snapshot is the coordinator's observable state, published after every
// handled message for the status surface.
type Snapshot struct {
	Time         time.Time         `json:"time"`
	Draining     bool              `json:"draining"`
	BusyTags     map[string]string `json:"busy_tags"`
	InFlight     map[string]int    `json:"in_flight"`
	OpenSessions map[string]int64  `json:"open_sessions"`
}

// Coordinator owns one worker per relay and serializes every state
// mutation by draining a single inbox. It is the sole write path to the
// store; workers and tick sources only ever produce messages.
type Coordinator struct {
	opts    Options
	store   *storage.Store
	roster  *fleet.Roster
	clients map[string]RelayClient

	inbox    chan Message
	workers  map[string]*worker
	busy     map[string]Task
	inFlight map[string][]Task

	shutdown bool
	draining bool
	fatal    error

	ticker    *tickSource
	refresher *refresher

	// notify, when set, receives a snapshot after every handled
	// message. Called from the coordinator goroutine; must not block.
	notify func(Snapshot)
}

// New creates a coordinator over the given store, fleet roster and
// relay clients. Run starts it.
func New(store *storage.Store, roster *fleet.Roster, clients map[string]RelayClient, opts Options) *Coordinator {
	if opts.MaxInFlightPerRelay == 0 {
		opts.MaxInFlightPerRelay = 3
	}
	return &Coordinator{
		opts:     opts,
		store:    store,
		roster:   roster,
		clients:  clients,
		inbox:    make(chan Message, 64),
		workers:  make(map[string]*worker),
		busy:     make(map[string]Task),
		inFlight: make(map[string][]Task),
	}
}

// SetNotify installs the snapshot hook. Must be called before Run.
func (c *Coordinator) SetNotify(fn func(Snapshot)) { c.notify = fn }

// Post delivers a message to the coordinator's inbox.
func (c *Coordinator) Post(msg Message) { c.inbox <- msg }

// Run drives the coordinator until a shutdown request (ShutdownMsg,
// context cancellation or run-timer expiry) has been fully drained:
// every in-flight task completed and a stop sent for every session that
// could still be stopped. Only unrecoverable storage errors make Run
// return early.
func (c *Coordinator) Run(ctx context.Context) error {
	blacklist, err := c.roster.Blacklist()
	if err != nil {
		return fmt.Errorf("read blacklist: %w", err)
	}
	for name, client := range c.clients {
		if blacklist[name] {
			log.Printf("scheduler: relay %s blacklisted, no worker spawned", name)
			continue
		}
		c.workers[name] = newWorker(client, c.inbox, c.opts.SampleRange, c.opts.SampleRate)
	}
	log.Printf("scheduler: coordinator running with %d workers", len(c.workers))

	if c.opts.TickInterval > 0 {
		c.ticker = startTicker(c.opts.TickInterval, c.inbox)
		defer c.ticker.stop()
	}
	if c.opts.RefreshInterval > 0 {
		c.refresher = startRefresher(c.opts.RefreshInterval, c.inbox, c.clients, c.store, c.roster.Blacklist)
		defer func() { c.refresher.stop() }()
	}

	var timerCh <-chan time.Time
	if c.opts.RunTimer > 0 {
		timerCh = time.After(c.opts.RunTimer)
	}
	ctxDone := ctx.Done()

	for {
		select {
		case <-ctxDone:
			log.Printf("scheduler: shutdown requested, draining")
			c.shutdown = true
			ctxDone = nil
		case <-timerCh:
			log.Printf("scheduler: run timer elapsed, draining")
			c.shutdown = true
			timerCh = nil
		case msg := <-c.inbox:
			c.handle(msg)
		}

		if c.fatal != nil {
			break
		}
		c.maybeDrain()
		if c.draining && len(c.busy) == 0 {
			break
		}
	}

	for _, w := range c.workers {
		w.close()
	}
	for name, w := range c.workers {
		c.awaitWorker(name, w)
	}
	if c.fatal != nil {
		return c.fatal
	}
	log.Printf("scheduler: coordinator drained")
	return nil
}

// awaitWorker waits for one worker to exit while draining the inbox,
// so a worker blocked posting a result can always finish. Messages
// arriving after the loop has exited are discarded.
func (c *Coordinator) awaitWorker(name string, w *worker) {
	for {
		select {
		case <-w.done:
			log.Printf("scheduler: worker %s stopped", name)
			return
		case <-c.inbox:
		}
	}
}

// handle processes one inbox message. Panics are caught and logged so a
// single bad message cannot take down the loop; nothing beyond what was
// already durably written is assumed consistent afterwards.
func (c *Coordinator) handle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: recovered while handling %T: %v", msg, r)
		}
	}()

	switch m := msg.(type) {
	case TickMsg:
		c.reapDeadWorkers()
		c.healRefresher()
		if !c.shutdown && !c.draining {
			c.scheduleTick()
		}
	case ResultMsg:
		c.handleResult(m)
	case LedgerMsg:
		if err := c.store.MergeSignalLog(m.Relay, m.Entries, m.MaxTS); err != nil {
			c.storeError("merge signal log", err)
		}
	case ShutdownMsg:
		log.Printf("scheduler: shutdown message received, draining")
		c.shutdown = true
	default:
		log.Printf("scheduler: ignoring unknown message %T", msg)
	}

	if c.notify != nil {
		c.notify(c.snapshot())
	}
}

// scheduleTick derives new tasks from the roster and the store: starts
// for idle tags, stops for stop-listed tags, data pulls for sessions
// with enough backlog, position polls for stale tags.
func (c *Coordinator) scheduleTick() {
	tags, err := c.roster.Tags()
	if err != nil {
		log.Printf("scheduler: cannot read tag list, skipping tick: %v", err)
		return
	}
	stopList, err := c.roster.StopTags()
	if err != nil {
		log.Printf("scheduler: cannot read stop list, skipping tick: %v", err)
		return
	}
	open, err := c.store.AllOpenSessions()
	if err != nil {
		c.storeError("list open sessions", err)
		return
	}

	for tag := range tags {
		if _, isBusy := c.busy[tag]; isBusy {
			continue
		}
		_, isOpen := open[tag]
		switch {
		case !isOpen && !stopList[tag]:
			c.schedule(newTask(TaskStart, tag), nil)
		case isOpen && stopList[tag]:
			c.schedule(newTask(TaskStop, tag), nil)
		}
	}

	for tag, sessID := range open {
		if _, isBusy := c.busy[tag]; isBusy {
			continue
		}
		if stopList[tag] {
			continue
		}
		start, count, ok, err := c.store.CollectionRange(tag, c.opts.MaxSamples, c.opts.MinSamples)
		if err != nil {
			c.storeError("collection range", err)
			return
		}
		if !ok {
			continue
		}
		t := newTask(TaskData, tag)
		t.SessionID = sessID
		t.StartPos = start
		t.Count = count
		c.schedule(t, nil)
	}

	stale, err := c.store.StalePositionTags(c.opts.PosInterval)
	if err != nil {
		c.storeError("stale positions", err)
		return
	}
	for _, tag := range stale {
		if _, isBusy := c.busy[tag]; isBusy {
			continue
		}
		if _, isOpen := open[tag]; !isOpen {
			continue
		}
		c.schedule(newTask(TaskPos, tag), nil)
	}
}

// handleResult clears the busy state for the task's tag, applies the
// result to the store and chains a position poll after a successful
// data pull so the device offset stays fresh.
func (c *Coordinator) handleResult(m ResultMsg) {
	t := m.Task
	// A task rescheduled off a dead worker may still produce a late
	// result from the original worker; only the current in-flight task
	// clears the busy flag.
	if cur, ok := c.busy[t.Tag]; ok && cur.ID == t.ID && cur.Relay == t.Relay {
		delete(c.busy, t.Tag)
	}
	c.removeInFlight(t)

	if m.Err != nil {
		log.Printf("scheduler: %s %s via %s failed: %v", t.Kind, t.Tag, t.Relay, m.Err)
	}

	res := storage.Result{
		Kind:  t.eventKind(),
		Tag:   t.Tag,
		Relay: t.Relay,
		Resp:  m.Resp,
	}
	if t.Kind == TaskData {
		res.HasParams = true
		res.SessionID = t.SessionID
		res.StartPos = t.StartPos
		res.Count = t.Count
	}
	applied, err := c.store.ApplyResult(res)
	if err != nil {
		c.storeError(fmt.Sprintf("apply %s result for %s", t.Kind, t.Tag), err)
		return
	}
	log.Printf("scheduler: task %s (%s %s via %s) success=%v applied=%v",
		t.ID, t.Kind, t.Tag, t.Relay, m.Resp.Success, applied)

	if t.Kind == TaskData && m.Resp.Success && !c.shutdown && !c.draining {
		c.schedule(newTask(TaskPos, t.Tag), nil)
	}
}

// schedule resolves a relay for the task and hands it to that relay's
// worker. No relay qualifying means the task is dropped for this tick;
// the tag stays not-busy, so it is re-derived on the next one.
func (c *Coordinator) schedule(t Task, extraExclude map[string]bool) bool {
	if _, isBusy := c.busy[t.Tag]; isBusy {
		return false
	}

	exclude := c.excludedRelays()
	for name := range extraExclude {
		exclude[name] = true
	}
	name, ok, err := c.store.BestRelay(t.Tag, exclude)
	if err != nil {
		c.storeError("relay selection", err)
		return false
	}
	if !ok {
		log.Printf("scheduler: no relay qualifies for %s %s, dropping for this tick", t.Kind, t.Tag)
		return false
	}
	w := c.workers[name]
	if w == nil || !w.alive() {
		return false
	}

	t.Relay = name
	if !w.enqueue(t) {
		log.Printf("scheduler: worker %s queue full, dropping %s %s", name, t.Kind, t.Tag)
		return false
	}
	c.busy[t.Tag] = t
	c.inFlight[name] = append(c.inFlight[name], t)
	return true
}

// excludedRelays builds the exclusion set for relay selection: dead
// workers, blacklisted relays, and relays at or over the in-flight cap.
func (c *Coordinator) excludedRelays() map[string]bool {
	exclude := map[string]bool{}
	blacklist, err := c.roster.Blacklist()
	if err != nil {
		log.Printf("scheduler: cannot read blacklist: %v", err)
	} else {
		for name := range blacklist {
			exclude[name] = true
		}
	}
	for name := range c.clients {
		w := c.workers[name]
		if w == nil || !w.alive() {
			exclude[name] = true
		}
	}
	for name, tasks := range c.inFlight {
		if len(tasks) >= c.opts.MaxInFlightPerRelay {
			exclude[name] = true
		}
	}
	return exclude
}

// reapDeadWorkers terminates workers whose relay was blacklisted after
// spawn, respawns dead non-blacklisted workers with a fresh queue and
// reschedules their in-flight tasks through other relays. One death
// triggers exactly one respawn; a respawned worker that dies again is a
// new death.
func (c *Coordinator) reapDeadWorkers() {
	blacklist, err := c.roster.Blacklist()
	if err != nil {
		log.Printf("scheduler: cannot read blacklist: %v", err)
		blacklist = map[string]bool{}
	}

	for name, w := range c.workers {
		if w.alive() {
			// A live-edited blacklist takes effect without a restart:
			// the worker finishes its current job and exits, and the
			// dead-worker path below reaps it on a later tick.
			if blacklist[name] {
				w.terminate()
			}
			continue
		}
		pending := c.inFlight[name]
		delete(c.inFlight, name)
		log.Printf("scheduler: worker %s dead with %d tasks in flight", name, len(pending))

		if blacklist[name] {
			delete(c.workers, name)
			log.Printf("scheduler: relay %s blacklisted, not respawning", name)
		} else {
			c.workers[name] = newWorker(c.clients[name], c.inbox, c.opts.SampleRange, c.opts.SampleRate)
			log.Printf("scheduler: worker %s respawned", name)
		}

		// Reassign through a different relay; the dead one is excluded
		// even if just respawned, since its link is suspect.
		for _, t := range pending {
			delete(c.busy, t.Tag)
			c.schedule(t, map[string]bool{name: true})
		}
	}
}

// healRefresher restarts the ledger-refresh source if its goroutine
// stopped.
func (c *Coordinator) healRefresher() {
	if c.refresher == nil || c.refresher.alive() {
		return
	}
	log.Printf("scheduler: ledger refresher stopped, restarting")
	c.refresher = startRefresher(c.opts.RefreshInterval, c.inbox, c.clients, c.store, c.roster.Blacklist)
}

// maybeDrain begins the drain once shutdown has been requested and no
// tag is busy: a stop is scheduled for every open session, then the
// loop exits when those results have all come back.
func (c *Coordinator) maybeDrain() {
	if !c.shutdown || c.draining {
		return
	}
	if len(c.busy) > 0 {
		return
	}

	open, err := c.store.AllOpenSessions()
	if err != nil {
		c.storeError("list open sessions for drain", err)
		return
	}
	for tag := range open {
		if !c.schedule(newTask(TaskStop, tag), nil) {
			log.Printf("scheduler: could not schedule drain stop for %s, session left open", tag)
		}
	}
	c.draining = true
	log.Printf("scheduler: draining, %d stop tasks in flight", len(c.busy))
}

// storeError separates rejections (coded, logged, loop continues) from
// unrecoverable storage failures, which stop the coordinator rather
// than keep writing to a store in an unknown state.
func (c *Coordinator) storeError(op string, err error) {
	if herderrors.GetCode(err) != herderrors.CodeUnknown {
		log.Printf("scheduler: %s rejected: %v", op, err)
		return
	}
	log.Printf("scheduler: fatal storage failure during %s: %v", op, err)
	c.fatal = fmt.Errorf("%s: %w", op, err)
}

func (c *Coordinator) snapshot() Snapshot {
	snap := Snapshot{
		Time:     time.Now(),
		Draining: c.draining,
		BusyTags: make(map[string]string, len(c.busy)),
		InFlight: make(map[string]int, len(c.inFlight)),
	}
	for tag, t := range c.busy {
		snap.BusyTags[tag] = t.Relay
	}
	for name, tasks := range c.inFlight {
		snap.InFlight[name] = len(tasks)
	}
	if open, err := c.store.AllOpenSessions(); err == nil {
		snap.OpenSessions = open
	}
	return snap
}

func (c *Coordinator) removeInFlight(t Task) {
	tasks := c.inFlight[t.Relay]
	for i, other := range tasks {
		if other.ID == t.ID {
			c.inFlight[t.Relay] = append(tasks[:i], tasks[i+1:]...)
			return
		}
	}
}
