package agent

import (
	"vworld/internal/ids"
	"vworld/internal/sched"
)

// schedSender adapts a *sched.Scheduler to channel.Sender: channels only
// know about raw ids.ID endpoints, while the scheduler's PID/RID are
// distinct named types, so a thin conversion sits between them.
type schedSender struct {
	s *sched.Scheduler
}

func (a schedSender) SendMessage(pid, rid ids.ID, body any) bool {
	return a.s.SendMessage(sched.PID(pid), sched.RID(rid), body)
}
