// Package sched implements the cooperative process scheduler: the process
// table, ready queue, timer queue, worker pool, and the services handle a
// running process uses to manage its own resources.
package sched

import (
	"time"

	"vworld/internal/ids"
)

// PID is a process identifier.
type PID ids.ID

// RID is a resource identifier.
type RID ids.ID

// Invalid is the shared "no identifier" sentinel for both PID and RID. An
// untyped constant so it compares and converts freely against both.
const Invalid = 0

// State is a process's lifecycle state.
type State int

const (
	Created State = iota
	Ready
	Executing
	WaitMessage
	Sleeping
	Suspended
	Blocked
	Scheduling // external-display-only transient state; never set internally.
	Killed
	Completed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Ready:
		return "READY"
	case Executing:
		return "EXECUTING"
	case WaitMessage:
		return "WAIT_MESSAGE"
	case Sleeping:
		return "SLEEPING"
	case Suspended:
		return "SUSPENDED"
	case Blocked:
		return "BLOCKED"
	case Scheduling:
		return "SCHEDULING"
	case Killed:
		return "KILLED"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// ExecuteStatus is the result a callback's execute method returns.
type ExecuteStatus int

const (
	Finished ExecuteStatus = iota
	Error
	ExecuteMore
	WaitMessageStatus
	Sleep
	SuspendedStatus
	BlockedStatus
)

// Message is a queued (RID, payload) pair delivered to a process. RID is
// Invalid when the message did not originate from a resource.
type Message struct {
	RID  RID
	Body any
}

// Callback is the process callback contract: the object a process admits
// into the scheduler. Only one callback method runs at a time for a given
// process; the callback need not otherwise be thread-safe.
type Callback interface {
	// Added is called once, outside any scheduler lock, right after the
	// process record is created, so the callback may register resources.
	Added(svc *Services)

	// Execute runs with no pending message (an EXECUTE_MORE continuation or
	// a SLEEP/timer wakeup).
	Execute(svc *Services) ExecuteStatus
	// ExecuteMessage runs when the next queued item has no RID.
	ExecuteMessage(svc *Services, msg Message) ExecuteStatus
	// ExecuteRIDMessage runs when the next queued item carries a RID.
	ExecuteRIDMessage(svc *Services, msg Message) ExecuteStatus

	// Name identifies the process for Query and logging.
	Name() string
	// DeleteWhenFinished reports whether the scheduler should delete this
	// callback object on teardown.
	DeleteWhenFinished() bool
	// SleepDuration is consulted only after an Execute* call returns Sleep.
	// ok=false aborts the sleep and kills the process (invalid duration).
	SleepDuration() (d time.Duration, ok bool)
	// ErrorText is consulted only after an Execute* call returns Error.
	ErrorText() string

	// Killed runs instead of Execute* when a worker dequeues a KILLED process.
	Killed(svc *Services)
	// Finished runs once during teardown, after state is set to its
	// terminal value (COMPLETED, or KILLED on the kill and error paths) and
	// all scheduler locks are released.
	Finished(svc *Services)
}

// Resource is the process-resource contract: anything a process may
// register, block on, and receive asynchronous signals from.
type Resource interface {
	// AddedToProcess is called synchronously when svc.AddResource accepts
	// this resource; returning false refuses the add and releases the RID.
	AddedToProcess(pid PID, rid RID) bool
	// RemovedFromProcess is called when the resource is detached, either
	// explicitly (processCleanup=false) or during process teardown
	// (processCleanup=true). Must be reentrant-safe.
	RemovedFromProcess(pid PID, rid RID, processCleanup bool)
}
