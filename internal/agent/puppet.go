package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vworld/internal/channel"
	"vworld/internal/collab"
	"vworld/internal/logging"
	"vworld/internal/sched"
)

// puppetControl is the sentinel message body used to tell a PuppetAgent to
// tear itself down. NotifyOwnerChanged sends controlOwnerChanged; dispatch
// also handles controlChannelGone, but nothing in this package sends it.
type puppetControl int

const (
	controlOwnerChanged puppetControl = iota
	controlChannelGone
)

// PuppetAgent is the process callback backing an owned, non-player
// character: unlike UserAgent it starts dormant (no session behind it)
// and only begins acting once its owner sends it a first command. It
// shares the owner's inherited capability set rather than refreshing its
// own, per the puppet-inherits-owner capability rule.
type PuppetAgent struct {
	logger *slog.Logger

	self  collab.EntityID
	owner collab.EntityID

	softcode collab.Softcode
	sched    *sched.Scheduler

	out *channel.Text
	in  *inputResource

	sctx   *collab.Context
	active bool

	errText   string
	nextSleep time.Duration
}

// NewPuppetAgent constructs a dormant PuppetAgent for the given puppet
// entity, acting on behalf of owner.
func NewPuppetAgent(self, owner collab.EntityID, softcode collab.Softcode, sched *sched.Scheduler, logger *slog.Logger) *PuppetAgent {
	sctx := &collab.Context{Requester: owner, Program: self, Mode: collab.RunAsOther}
	sctx.Capabilities = make(map[collab.Capability]bool, len(collab.InheritedPuppetCapabilities))
	for _, c := range collab.InheritedPuppetCapabilities {
		sctx.Capabilities[c] = true
	}
	return &PuppetAgent{
		logger:   logging.Default(logger).With("component", "puppet-agent", "entity", self.String()),
		self:     self,
		owner:    owner,
		softcode: softcode,
		sched:    sched,
		sctx:     sctx,
	}
}

func (p *PuppetAgent) Added(svc *sched.Services) {
	p.sctx.PID = uint64(svc.PID())
	p.out = channel.NewText("puppet-out:"+p.self.String(), schedSender{p.sched})
	p.out.Unblock(0)

	p.in = &inputResource{svc: svc}
	rid, ok := svc.AddBlockingResource(p.in)
	if !ok {
		p.logger.Error("failed to register input resource")
		return
	}
	p.in.rid = rid
}

// Execute is only reached before the first command arrives: a puppet has
// nothing to do while dormant, so it waits indefinitely for a message.
func (p *PuppetAgent) Execute(svc *sched.Services) sched.ExecuteStatus {
	return sched.WaitMessageStatus
}

func (p *PuppetAgent) ExecuteMessage(svc *sched.Services, msg sched.Message) sched.ExecuteStatus {
	return p.dispatch(msg)
}

func (p *PuppetAgent) ExecuteRIDMessage(svc *sched.Services, msg sched.Message) sched.ExecuteStatus {
	return p.dispatch(msg)
}

func (p *PuppetAgent) dispatch(msg sched.Message) sched.ExecuteStatus {
	if ctl, ok := msg.Body.(puppetControl); ok {
		switch ctl {
		case controlOwnerChanged:
			p.out.SendLine("owner changed, deactivating.")
		case controlChannelGone:
			p.logger.Debug("puppet output channel destroyed")
		}
		return sched.Finished
	}

	line, ok := msg.Body.(string)
	if !ok {
		line = fmt.Sprintf("%v", msg.Body)
	}
	p.active = true

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return sched.WaitMessageStatus
	}
	ctx := context.Background()
	if _, err := p.softcode.MakeProcess(ctx, p.sctx, fields[0], fields[1:], p.out, p.in); err != nil {
		p.out.SendError(err.Error())
		p.errText = err.Error()
	}
	return sched.WaitMessageStatus
}

// NotifyOwnerChanged tells a live puppet process to deactivate because its
// owning entity changed, satisfying the "owner-change termination" rule.
// Sent with no RID; dispatch only inspects the message body.
func NotifyOwnerChanged(s *sched.Scheduler, pid sched.PID) {
	s.SendMessage(pid, sched.Invalid, controlOwnerChanged)
}

func (p *PuppetAgent) Name() string                       { return "puppet-agent:" + p.self.String() }
func (p *PuppetAgent) DeleteWhenFinished() bool            { return true }
func (p *PuppetAgent) SleepDuration() (time.Duration, bool) { return p.nextSleep, p.nextSleep > 0 }
func (p *PuppetAgent) ErrorText() string                   { return p.errText }

func (p *PuppetAgent) Killed(svc *sched.Services) {
	p.out.Close()
}

func (p *PuppetAgent) Finished(svc *sched.Services) {
	p.out.Close()
}
