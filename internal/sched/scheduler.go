package sched

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"vworld/internal/collab"
	"vworld/internal/config"
	"vworld/internal/ids"
	"vworld/internal/logging"
	"vworld/internal/notify"
)

// Scheduler owns the process table, ready queue, timer heap, and
// identifier allocators, and drives every process's state transitions.
type Scheduler struct {
	cfg    config.SchedulerConfig
	logger *slog.Logger
	bus    collab.EventBus

	pids *ids.Allocator
	rids *ids.Allocator

	mu         sync.Mutex
	records    map[PID]*record
	ridOwner   map[RID]PID
	ownerIndex map[collab.EntityID]map[PID]struct{}
	timers     *timerQueue

	// ready is the bounded MPSC queue of runnable PIDs. sem bounds its
	// depth: makeReady acquires one unit before sending, nextExecute
	// releases one unit after receiving — "semaphore gating on the ready
	// queue is the only cross-thread synchronization point on the hot
	// path," per the concurrency model this replaces the original's
	// lock-free queue plus POSIX semaphore with.
	ready chan PID
	sem   *semaphore.Weighted

	// timeJump lets an operator (or a clock-jump detector) break workers
	// loose from a stale bounded wait after a backward clock jump.
	timeJump *notify.Signal

	shuttingDown  bool
	activeWorkers atomic.Int64
	targetWorkers atomic.Int64
	workersWG     sync.WaitGroup
	runCtx        context.Context
	runCancel     context.CancelFunc
}

// New constructs a Scheduler. bus is the event-bus collaborator used to
// publish ProcessExecutionEvents; it must not be nil.
func New(cfg config.SchedulerConfig, logger *slog.Logger, bus collab.EventBus) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultSchedulerConfig().Workers
	}
	if cfg.ReadyQueueCapacity <= 0 {
		cfg.ReadyQueueCapacity = config.DefaultSchedulerConfig().ReadyQueueCapacity
	}
	if cfg.MaxPID == 0 {
		cfg.MaxPID = config.DefaultSchedulerConfig().MaxPID
	}
	if cfg.MaxRID == 0 {
		cfg.MaxRID = config.DefaultSchedulerConfig().MaxRID
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = config.DefaultSchedulerConfig().PollPeriod
	}

	return &Scheduler{
		cfg:        cfg,
		logger:     logging.Default(logger).With("component", "scheduler"),
		bus:        bus,
		pids:       ids.New(ids.ID(cfg.MaxPID)),
		rids:       ids.New(ids.ID(cfg.MaxRID)),
		records:    make(map[PID]*record),
		ridOwner:   make(map[RID]PID),
		ownerIndex: make(map[collab.EntityID]map[PID]struct{}),
		timers:     newTimerQueue(),
		ready:      make(chan PID, cfg.ReadyQueueCapacity),
		sem:        semaphore.NewWeighted(int64(cfg.ReadyQueueCapacity)),
		timeJump:   notify.NewSignal(),
	}
}

// Start launches the worker pool and begins draining the ready queue.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.targetWorkers.Store(int64(s.cfg.Workers))
	s.spawnWorkers(s.cfg.Workers)
	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "ready_queue_capacity", s.cfg.ReadyQueueCapacity)
}

func (s *Scheduler) spawnWorkers(n int) {
	for range n {
		s.activeWorkers.Add(1)
		s.workersWG.Add(1)
		go s.worker(s.runCtx)
	}
}

// Resize grows or shrinks the worker pool to n workers without disturbing
// in-flight processes. Growing spawns new goroutines immediately; shrinking
// lets the excess workers exit after their current nextExecute cycle.
func (s *Scheduler) Resize(n int) {
	if n <= 0 {
		return
	}
	old := s.targetWorkers.Swap(int64(n))
	if int64(n) > old {
		s.spawnWorkers(int(int64(n) - old))
	}
	s.logger.Info("worker pool resized", "from", old, "to", n)
}

// Admit allocates a PID, inserts a CREATED process record, indexes it by
// owner, calls the callback's Added hook, then publishes a creation event.
// Returns Invalid on saturation or shutdown.
func (s *Scheduler) Admit(cb Callback, executable, owner collab.EntityID) PID {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return Invalid
	}
	id, ok := s.pids.Acquire()
	if !ok {
		s.mu.Unlock()
		s.logger.Error("pid space saturated")
		return Invalid
	}
	pid := PID(id)
	rec := newRecord(pid, cb, executable, owner)
	s.records[pid] = rec
	if s.ownerIndex[owner] == nil {
		s.ownerIndex[owner] = make(map[PID]struct{})
	}
	s.ownerIndex[owner][pid] = struct{}{}
	s.mu.Unlock()

	cb.Added(&Services{sched: s, pid: pid})

	s.publish(collab.ProcessExecutionEvent{
		PID: uint64(pid), Executable: executable, Owner: owner, Name: cb.Name(), State: collab.ProcessCreated,
	})
	return pid
}

// Resume transitions a CREATED or SUSPENDED process to READY. Other states
// are ignored without error.
func (s *Scheduler) Resume(pid PID) {
	rec, ok := s.lookup(pid)
	if !ok {
		return
	}
	rec.mu.Lock()
	st := rec.state
	rec.mu.Unlock()
	if st != Created && st != Suspended {
		return
	}
	s.scheduleReady(rec)
}

// Suspend sets pending-suspend; on the next scheduler touch the process
// clears its message queue and enters SUSPENDED, receiving no further
// messages or wakeups until resumed.
func (s *Scheduler) Suspend(pid PID) {
	rec, ok := s.lookup(pid)
	if !ok {
		return
	}
	rec.mu.Lock()
	switch rec.state {
	case Executing:
		rec.pendingSuspend = true
	case Killed, Completed, Suspended:
		// no-op
	default:
		rec.state = Suspended
		rec.clearQueue()
		rec.onTimerHeap = false
	}
	rec.mu.Unlock()
}

// Kill sets pending-kill and ensures the process is eventually dequeued by
// a worker, which invokes the Killed hook and tears it down. Idempotent:
// killing an already-KILLED/COMPLETED/unknown process returns true (R3).
func (s *Scheduler) Kill(pid PID) bool {
	rec, ok := s.lookup(pid)
	if !ok {
		return true
	}
	rec.mu.Lock()
	if rec.state == Killed || rec.state == Completed {
		rec.mu.Unlock()
		return true
	}
	rec.pendingKill = true
	executing := rec.state == Executing
	alreadyQueued := rec.onReadyQueue
	if !executing {
		rec.state = Killed
	}
	rec.mu.Unlock()

	if !executing && !alreadyQueued {
		s.forceReady(rec)
	}
	return true
}

// SendMessage delivers body to pid, optionally via rid (Invalid if not from
// a resource). Returns false if the process cannot receive or rid is not
// one of its current resources; ownership of body is the caller's in that
// case.
func (s *Scheduler) SendMessage(pid PID, rid RID, body any) bool {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return false
	}
	rec, ok := s.records[pid]
	s.mu.Unlock()
	if !ok {
		return false
	}

	rec.mu.Lock()
	switch rec.state {
	case Suspended, Killed, Completed:
		rec.mu.Unlock()
		return false
	}
	if rid != Invalid {
		if _, owns := rec.resources[rid]; !owns {
			rec.mu.Unlock()
			return false
		}
	}
	rec.enqueue(Message{RID: rid, Body: body})

	var reschedule bool
	switch {
	case rec.state == Created:
		reschedule = false
	case rec.state == Blocked:
		if rid != Invalid {
			delete(rec.currentBlocked, rid)
			reschedule = len(rec.currentBlocked) == 0
		}
	default:
		reschedule = true
	}
	rec.mu.Unlock()

	if reschedule {
		s.scheduleReady(rec)
	}
	return true
}

// CleanupOwner kills every process indexed under owner.
func (s *Scheduler) CleanupOwner(owner collab.EntityID) {
	s.mu.Lock()
	pids := make([]PID, 0, len(s.ownerIndex[owner]))
	for pid := range s.ownerIndex[owner] {
		pids = append(pids, pid)
	}
	s.mu.Unlock()
	for _, pid := range pids {
		s.Kill(pid)
	}
}

// Query returns process records at the given site (executable or owner
// site matches), or every record if site is zero.
func (s *Scheduler) Query(site uint32) []Info {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	out := make([]Info, 0, len(recs))
	for _, r := range recs {
		info := r.snapshot()
		if site == 0 || info.Executable.Site == site || info.Owner.Site == site {
			out = append(out, info)
		}
	}
	return out
}

// NotifyTimeJump breaks every waiting worker loose from its bounded ready-queue wait,
// for recovery after a backward steady-clock jump (the forward case merely
// shortens the next poll harmlessly).
func (s *Scheduler) NotifyTimeJump() {
	s.timeJump.Notify()
}

// Shutdown sets the shutting-down flag, kills every live process, and waits
// (bounded by ctx) for the process table to drain before stopping workers.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.shuttingDown = true
	pids := make([]PID, 0, len(s.records))
	for pid := range s.records {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		s.Kill(pid)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		s.mu.Lock()
		empty := len(s.records) == 0
		s.mu.Unlock()
		if empty {
			break drain
		}
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}

	if s.runCancel != nil {
		s.runCancel()
	}
	s.workersWG.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) lookup(pid PID) (*record, bool) {
	s.mu.Lock()
	rec, ok := s.records[pid]
	s.mu.Unlock()
	return rec, ok
}

func (s *Scheduler) publish(ev collab.ProcessExecutionEvent) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.Background(), collab.KindProcessExecution, ev); err != nil {
		s.logger.Warn("publish process execution event failed", "pid", ev.PID, "error", err)
	}
}

// scheduleReady places rec on the ready queue iff it is not currently
// executing and not already queued (insertion is idempotent w.r.t. state).
func (s *Scheduler) scheduleReady(rec *record) {
	rec.mu.Lock()
	if rec.state == Executing || rec.onReadyQueue || rec.state == Killed || rec.state == Completed {
		rec.mu.Unlock()
		return
	}
	rec.state = Ready
	rec.onReadyQueue = true
	rec.mu.Unlock()
	s.makeReady(rec.pid)
}

// forceReady places rec on the ready queue regardless of its current
// state, as long as it isn't already queued. Used by Kill on a non-queued,
// non-executing process so a worker eventually dequeues and tears it down.
func (s *Scheduler) forceReady(rec *record) {
	rec.mu.Lock()
	if rec.onReadyQueue {
		rec.mu.Unlock()
		return
	}
	rec.onReadyQueue = true
	rec.mu.Unlock()
	s.makeReady(rec.pid)
}

func (s *Scheduler) makeReady(pid PID) {
	if !s.sem.TryAcquire(1) {
		s.logger.Error("ready queue saturated, dropping schedule", "pid", pid)
		return
	}
	select {
	case s.ready <- pid:
	default:
		// Capacity invariant (sem weight == channel capacity) means this
		// should never happen; release to avoid leaking the permit.
		s.sem.Release(1)
		s.logger.Error("ready channel unexpectedly full", "pid", pid)
	}
}

// worker is one member of the cooperative pool: it repeatedly calls
// nextExecute and runs whatever it returns to completion before looping.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.workersWG.Done()
	defer s.activeWorkers.Add(-1)
	for {
		if s.activeWorkers.Load() > s.targetWorkers.Load() {
			return
		}
		rec, killed, down := s.nextExecute(ctx)
		if down {
			return
		}
		if rec == nil {
			continue
		}
		if killed {
			s.runKilled(rec)
			continue
		}
		status := s.runBatch(rec)
		s.returnFromExecute(rec, status)
	}
}

// nextExecute scans the timer heap for due wakeups, reschedules them, then
// waits up to PollPeriod (or until the next timer, whichever is sooner) on
// the ready queue, repeating until a process is dequeued. Returns the next
// process to run with state EXECUTING (or a KILLED one with killed=true),
// or shuttingDown=true with a nil record once ctx is done.
func (s *Scheduler) nextExecute(ctx context.Context) (rec *record, killed bool, shuttingDown bool) {
	for {
		now := time.Now()
		s.mu.Lock()
		due := s.timers.dueBefore(now, func(pid PID, wake time.Time) bool {
			r, ok := s.records[pid]
			if !ok {
				return false
			}
			r.mu.Lock()
			live := r.onTimerHeap && r.wake.Equal(wake)
			if live {
				r.onTimerHeap = false
			}
			r.mu.Unlock()
			return live
		})
		wait := s.cfg.PollPeriod
		if nw, ok := s.timers.nextWake(); ok {
			if d := nw.Sub(now); d > 0 && d < wait {
				wait = d
			}
		}
		s.mu.Unlock()

		for _, pid := range due {
			if r, ok := s.lookup(pid); ok {
				s.scheduleReady(r)
			}
		}

		timer := time.NewTimer(wait)
		var pid PID
		var gotReady bool
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, true
		case <-s.timeJump.C():
			timer.Stop()
			continue
		case <-timer.C:
			continue
		case pid = <-s.ready:
			timer.Stop()
			gotReady = true
		}
		if !gotReady {
			continue
		}

		s.sem.Release(1)
		r, ok := s.lookup(pid)
		if !ok {
			continue
		}

		r.mu.Lock()
		r.onReadyQueue = false
		switch r.state {
		case Suspended, Completed:
			r.mu.Unlock()
			continue
		case Killed:
			r.mu.Unlock()
			return r, true, false
		default:
			r.state = Executing
			r.mu.Unlock()
			return r, false, false
		}
	}
}

// runBatch invokes the right Execute* variant, continuing with the next
// queued message only while the callback returns EXECUTE_MORE and the
// queue is non-empty; any other status ends the batch.
func (s *Scheduler) runBatch(rec *record) ExecuteStatus {
	svc := &Services{sched: s, pid: rec.pid}
	for {
		rec.mu.Lock()
		msg, hasMsg := rec.dequeue()
		rec.mu.Unlock()

		var status ExecuteStatus
		switch {
		case !hasMsg:
			status = rec.cb.Execute(svc)
		case msg.RID != Invalid:
			status = rec.cb.ExecuteRIDMessage(svc, msg)
		default:
			status = rec.cb.ExecuteMessage(svc, msg)
		}

		if status == Error || status == SuspendedStatus || status == Finished {
			return status
		}
		if status != ExecuteMore {
			return status
		}

		rec.mu.Lock()
		empty := len(rec.queue) == 0
		rec.mu.Unlock()
		if empty {
			return status
		}
	}
}

// runKilled runs the Killed hook for a process dequeued with state KILLED,
// then tears it down.
func (s *Scheduler) runKilled(rec *record) {
	svc := &Services{sched: s, pid: rec.pid}
	rec.cb.Killed(svc)
	s.teardown(rec, collab.ProcessKilled, "")
}

// returnFromExecute applies the transition table for a worker's execute
// result, honoring pending-kill (always wins) and pending-suspend
// (cancels SLEEP/WAIT_MESSAGE transitions).
func (s *Scheduler) returnFromExecute(rec *record, status ExecuteStatus) {
	svc := &Services{sched: s, pid: rec.pid}

	rec.mu.Lock()
	if rec.pendingKill {
		rec.pendingKill = false
		rec.state = Killed
		rec.mu.Unlock()
		rec.cb.Killed(svc)
		s.teardown(rec, collab.ProcessKilled, "")
		return
	}

	switch status {
	case Finished:
		rec.mu.Unlock()
		s.teardown(rec, collab.ProcessCompleted, "")

	case Error:
		errText := rec.cb.ErrorText()
		rec.mu.Unlock()
		s.teardown(rec, collab.ProcessKilled, errText)

	case ExecuteMore:
		rec.mu.Unlock()
		s.scheduleReady(rec)

	case WaitMessageStatus:
		if rec.pendingSuspend {
			rec.pendingSuspend = false
			rec.state = Suspended
			rec.clearQueue()
			rec.mu.Unlock()
			return
		}
		rec.state = WaitMessage
		hasMsg := len(rec.queue) > 0
		rec.mu.Unlock()
		if hasMsg {
			s.scheduleReady(rec)
		}

	case Sleep:
		d, ok := rec.cb.SleepDuration()
		if !ok {
			rec.state = Killed
			rec.mu.Unlock()
			rec.cb.Killed(svc)
			s.teardown(rec, collab.ProcessKilled, "invalid sleep duration")
			return
		}
		if rec.pendingSuspend {
			rec.pendingSuspend = false
			rec.state = Suspended
			rec.clearQueue()
			rec.mu.Unlock()
			return
		}
		if len(rec.queue) > 0 {
			rec.mu.Unlock()
			s.scheduleReady(rec)
			return
		}
		wake := time.Now().Add(d)
		rec.wake = wake
		rec.onTimerHeap = true
		rec.state = Sleeping
		rec.mu.Unlock()
		s.mu.Lock()
		s.timers.insert(rec.pid, wake)
		s.mu.Unlock()

	case SuspendedStatus:
		rec.pendingSuspend = false
		rec.state = Suspended
		rec.clearQueue()
		rec.mu.Unlock()

	case BlockedStatus:
		rec.resetBlockedSet()
		if rec.pendingSuspend {
			rec.pendingSuspend = false
			rec.state = Suspended
			rec.clearQueue()
			rec.mu.Unlock()
			return
		}
		if len(rec.queue) > 0 {
			rec.mu.Unlock()
			s.scheduleReady(rec)
			return
		}
		rec.state = Blocked
		rec.mu.Unlock()

	default:
		rec.mu.Unlock()
	}
}

// teardown finalizes a process: sets its terminal state, publishes the
// final event, runs Finished, detaches and releases every resource, then
// removes the record and releases its PID.
func (s *Scheduler) teardown(rec *record, finalEvent collab.ProcessState, errText string) {
	final := Completed
	if finalEvent == collab.ProcessKilled {
		final = Killed
	}
	rec.mu.Lock()
	rec.state = final
	rec.mu.Unlock()

	if errText != "" {
		s.logger.Warn("process terminated with error", "pid", rec.pid, "error", errText)
	}

	s.publish(collab.ProcessExecutionEvent{
		PID: uint64(rec.pid), Executable: rec.executable, Owner: rec.owner, Name: rec.cb.Name(), State: finalEvent,
	})

	rec.cb.Finished(&Services{sched: s, pid: rec.pid})

	rec.mu.Lock()
	resources := make(map[RID]Resource, len(rec.resources))
	for rid, res := range rec.resources {
		resources[rid] = res
	}
	rec.mu.Unlock()

	for rid, res := range resources {
		res.RemovedFromProcess(rec.pid, rid, true)
		s.rids.Release(ids.ID(rid))
	}

	s.mu.Lock()
	delete(s.records, rec.pid)
	for rid := range resources {
		delete(s.ridOwner, rid)
	}
	if m, ok := s.ownerIndex[rec.owner]; ok {
		delete(m, rec.pid)
		if len(m) == 0 {
			delete(s.ownerIndex, rec.owner)
		}
	}
	s.pids.Release(ids.ID(rec.pid))
	s.mu.Unlock()

	if rec.cb.DeleteWhenFinished() {
		rec.mu.Lock()
		rec.cb = nil
		rec.mu.Unlock()
	}
}

// addResource allocates a RID for r and calls its AddedToProcess hook.
func (s *Scheduler) addResource(pid PID, r Resource, blocking bool) (RID, bool) {
	rec, ok := s.lookup(pid)
	if !ok {
		return Invalid, false
	}

	id, ok := s.rids.Acquire()
	if !ok {
		s.logger.Error("rid space saturated", "pid", pid)
		return Invalid, false
	}
	rid := RID(id)

	if !r.AddedToProcess(pid, rid) {
		s.rids.Release(id)
		return Invalid, false
	}

	rec.mu.Lock()
	rec.resources[rid] = r
	if blocking {
		rec.defaultBlocked[rid] = struct{}{}
	}
	rec.mu.Unlock()

	s.mu.Lock()
	s.ridOwner[rid] = pid
	s.mu.Unlock()

	return rid, true
}

// removeResource detaches the resource at rid from pid, calling its
// RemovedFromProcess(processCleanup=false) hook.
func (s *Scheduler) removeResource(pid PID, rid RID) bool {
	s.mu.Lock()
	owner, owns := s.ridOwner[rid]
	s.mu.Unlock()
	if !owns || owner != pid {
		return false
	}

	rec, ok := s.lookup(pid)
	if !ok {
		return false
	}

	rec.mu.Lock()
	r, exists := rec.resources[rid]
	if !exists {
		rec.mu.Unlock()
		return false
	}
	delete(rec.resources, rid)
	delete(rec.defaultBlocked, rid)
	delete(rec.currentBlocked, rid)
	rec.mu.Unlock()

	s.mu.Lock()
	delete(s.ridOwner, rid)
	s.mu.Unlock()
	s.rids.Release(ids.ID(rid))

	r.RemovedFromProcess(pid, rid, false)
	return true
}

// findResourceRID scans pid's resource set for r, for RemoveResource(r).
func (s *Scheduler) findResourceRID(pid PID, r Resource) (RID, bool) {
	rec, ok := s.lookup(pid)
	if !ok {
		return Invalid, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for rid, res := range rec.resources {
		if res == r {
			return rid, true
		}
	}
	return Invalid, false
}
