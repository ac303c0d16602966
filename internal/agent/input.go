// Package agent implements the user-facing and puppet process callbacks
// that sit on top of the scheduler: command parsing, action dispatch,
// capability refresh, idle disconnect, and the redirect-to-document
// editor feature.
package agent

import "vworld/internal/sched"

// inputResource adapts an inbound text line stream into a process
// resource: SendLine (called by the communication collaborator's read
// pump) forwards the line to the owning process as a RID message, exactly
// as any other resource would signal its process.
type inputResource struct {
	svc *sched.Services
	rid sched.RID
}

func (r *inputResource) AddedToProcess(pid sched.PID, rid sched.RID) bool {
	r.rid = rid
	return true
}

func (r *inputResource) RemovedFromProcess(sched.PID, sched.RID, bool) {}

// SendLine implements collab.TextSink.
func (r *inputResource) SendLine(line string) error {
	r.svc.SendMessage(r.svc.PID(), r.rid, line)
	return nil
}
