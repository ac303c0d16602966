package sched

import "fmt"

// Services is handed to a callback inside every Added/Execute*/Killed hook.
// It mediates the callback's own resource set: add/remove operations here
// are the only legal way a process manages its RID-to-resource mapping.
type Services struct {
	sched *Scheduler
	pid   PID
}

// PID returns the owning process's identifier.
func (s *Services) PID() PID { return s.pid }

// AddResource allocates a RID for r and calls its AddedToProcess hook. If
// the resource refuses (returns false), the RID is released and add fails.
// The resource is not part of the process's default-blocked set.
func (s *Services) AddResource(r Resource) (RID, bool) {
	return s.sched.addResource(s.pid, r, false)
}

// AddBlockingResource is AddResource plus membership in the default-blocked
// set: while the process is BLOCKED, a message from this RID can wake it.
func (s *Services) AddBlockingResource(r Resource) (RID, bool) {
	return s.sched.addResource(s.pid, r, true)
}

// RemoveResourceByRID detaches the resource at rid, if owned by this
// process, calling its RemovedFromProcess(processCleanup=false) hook.
func (s *Services) RemoveResourceByRID(rid RID) bool {
	return s.sched.removeResource(s.pid, rid)
}

// RemoveResource detaches r by scanning this process's resource set for a
// pointer match. Returns false if r is not currently registered.
func (s *Services) RemoveResource(r Resource) bool {
	rid, ok := s.sched.findResourceRID(s.pid, r)
	if !ok {
		return false
	}
	return s.sched.removeResource(s.pid, rid)
}

// SendMessage delivers a message to another process, exactly as an
// external caller would via Scheduler.SendMessage. Convenience for
// callbacks that need to message a peer process directly (e.g. the puppet
// manager forwarding commands to puppet agents by PID).
func (s *Services) SendMessage(pid PID, rid RID, body any) bool {
	return s.sched.SendMessage(pid, rid, body)
}

func (s *Services) String() string {
	return fmt.Sprintf("services(pid=%d)", s.pid)
}
