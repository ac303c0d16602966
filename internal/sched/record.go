package sched

import (
	"sync"
	"time"

	"vworld/internal/collab"
)

// record is a live process's full state. Owned exclusively by the
// scheduler; callbacks only ever see it indirectly through Services.
type record struct {
	pid PID
	cb  Callback

	executable, owner collab.EntityID

	mu             sync.Mutex
	state          State
	pendingKill    bool
	pendingSuspend bool
	wake           time.Time
	onTimerHeap    bool
	onReadyQueue   bool

	queue []Message // FIFO; RID Invalid means "not from a resource"

	resources      map[RID]Resource
	defaultBlocked map[RID]struct{}
	currentBlocked map[RID]struct{}
}

func newRecord(pid PID, cb Callback, executable, owner collab.EntityID) *record {
	return &record{
		pid:            pid,
		cb:             cb,
		executable:     executable,
		owner:          owner,
		state:          Created,
		resources:      make(map[RID]Resource),
		defaultBlocked: make(map[RID]struct{}),
		currentBlocked: make(map[RID]struct{}),
	}
}

// enqueue appends a message to the FIFO. Caller must hold r.mu.
func (r *record) enqueue(msg Message) {
	r.queue = append(r.queue, msg)
}

// dequeue pops the oldest message, if any. Caller must hold r.mu.
func (r *record) dequeue() (Message, bool) {
	if len(r.queue) == 0 {
		return Message{}, false
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, true
}

// clearQueue drops all pending messages (SUSPENDED transition, invariant v).
// Caller must hold r.mu.
func (r *record) clearQueue() {
	r.queue = nil
}

// resetBlockedSet copies defaultBlocked into currentBlocked. Caller must hold r.mu.
func (r *record) resetBlockedSet() {
	r.currentBlocked = make(map[RID]struct{}, len(r.defaultBlocked))
	for rid := range r.defaultBlocked {
		r.currentBlocked[rid] = struct{}{}
	}
}

// Info is the externally-visible snapshot Query returns.
type Info struct {
	PID        PID
	State      State
	Name       string
	Executable collab.EntityID
	Owner      collab.EntityID
}

func (r *record) snapshot() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	var name string
	if r.cb != nil {
		name = r.cb.Name()
	}
	return Info{
		PID:        r.pid,
		State:      r.state,
		Name:       name,
		Executable: r.executable,
		Owner:      r.owner,
	}
}
