package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"vworld/internal/channel"
	"vworld/internal/collab"
	"vworld/internal/housekeeping"
	"vworld/internal/ids"
	"vworld/internal/logging"
	"vworld/internal/sched"
)

// roomEmit and privateEmit tag an EmitEvent with which of the agent's two
// emit subscriptions delivered it, so the main loop can tell a room
// broadcast from a private message without trusting the event's own
// SubscriptionID (nothing in this server populates it yet).
type roomEmit collab.EmitEvent
type privateEmit collab.EmitEvent

// UserAgent is the process callback backing one connected player session:
// it parses command lines off its input resource, resolves them against
// the action namespace and runs them as softcode programs (or dispatches
// the handful of agent-native slash commands), reacts to movement and emit
// events, refreshes its security context on a timer, and disconnects
// sessions that go idle too long.
type UserAgent struct {
	logger *slog.Logger

	self      collab.EntityID
	requester collab.EntityID

	security  collab.Security
	softcode  collab.Softcode
	comm      collab.Communication
	documents *collab.DocumentStore
	db        collab.Database
	bus       collab.EventBus
	sched     *sched.Scheduler
	jobs      *housekeeping.Jobs
	puppets   *PuppetManager

	idleWarn       time.Duration
	idleDisconnect time.Duration
	refreshEvery   time.Duration

	limiter *rate.Limiter

	out *channel.Text
	in  *inputResource

	sctx *collab.Context

	container collab.EntityID
	moveSub   collab.SubscriptionID
	roomSub   collab.SubscriptionID
	privSub   collab.SubscriptionID
	delSub    collab.SubscriptionID

	svc          *sched.Services
	lastActivity time.Time
	nextSleep    time.Duration
	warned       bool

	// redirect/redirectPath hold the in-progress /editprog document buffer;
	// distinct from a `>>` run-time redirect, which is local to one
	// processAction call and never stored on the agent.
	redirect     *collab.DocumentWriter
	redirectPath string
	errText      string
}

// Config bundles a UserAgent's collaborators and tunables.
type Config struct {
	Self, Requester          collab.EntityID
	Security                 collab.Security
	Softcode                 collab.Softcode
	Communication            collab.Communication
	Documents                *collab.DocumentStore
	Database                 collab.Database
	Bus                      collab.EventBus
	Scheduler                *sched.Scheduler
	Jobs                     *housekeeping.Jobs
	Puppets                  *PuppetManager
	IdleWarn, IdleDisconnect time.Duration
	RefreshEvery             time.Duration
	RateLimit, RateBurst     float64
}

// NewUserAgent constructs a dormant UserAgent callback ready to Admit.
func NewUserAgent(cfg Config, logger *slog.Logger) *UserAgent {
	burst := int(cfg.RateBurst)
	if burst <= 0 {
		burst = 1
	}
	return &UserAgent{
		logger:         logging.Default(logger).With("component", "agent", "entity", cfg.Self.String()),
		self:           cfg.Self,
		requester:      cfg.Requester,
		security:       cfg.Security,
		softcode:       cfg.Softcode,
		comm:           cfg.Communication,
		documents:      cfg.Documents,
		db:             cfg.Database,
		bus:            cfg.Bus,
		sched:          cfg.Scheduler,
		jobs:           cfg.Jobs,
		puppets:        cfg.Puppets,
		idleWarn:       cfg.IdleWarn,
		idleDisconnect: cfg.IdleDisconnect,
		refreshEvery:   cfg.RefreshEvery,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		sctx:           &collab.Context{Requester: cfg.Requester, Mode: collab.RunAsRequester},
	}
}

// Output returns the agent's outbound text channel, for wiring to the
// communication collaborator as the client-bound side of the session.
func (a *UserAgent) Output() *channel.Text { return a.out }

// Input returns the agent's inbound line sink, for wiring to the
// communication collaborator as the session's read-pump target.
func (a *UserAgent) Input() collab.TextSink { return a.in }

func (a *UserAgent) Added(svc *sched.Services) {
	a.svc = svc
	a.sctx.PID = uint64(svc.PID())
	a.lastActivity = time.Now()

	a.out = channel.NewText("agent-out:"+a.self.String(), schedSender{a.sched})
	// Register the agent itself as a sender so channel flow-status
	// transitions (in particular CLOSED) come back as a queued message
	// instead of being silently swallowed: main-loop rule (b).
	a.out.AddSender(ids.ID(svc.PID()), ids.ID(sched.Invalid))
	a.out.Unblock(0) // unlimited credit: outbound text is never flow-controlled

	a.in = &inputResource{}
	rid, ok := svc.AddBlockingResource(a.in)
	if !ok {
		a.logger.Error("failed to register input resource")
		return
	}
	a.in.svc = svc
	a.in.rid = rid

	ctx := context.Background()
	if err := a.security.PopulateCapabilities(ctx, a.sctx); err != nil {
		a.logger.Warn("initial capability population failed", "error", err)
	}
	a.scheduleRefresh()

	if a.db != nil {
		if v, err := a.db.GetProperty(ctx, a.self, "location"); err == nil {
			if loc, ok := v.(collab.EntityID); ok {
				a.container = loc
			}
		}
	}
	a.subscribeEvents()

	// Force an initial room description, queued like any other command so
	// it runs through the same rate-limited main loop.
	svc.SendMessage(svc.PID(), sched.Invalid, "look")
}

// subscribeEvents registers the agent's standing event subscriptions: its
// own movement, private messages targeting it, and deletion/owner-change
// notifications. The room-scoped emit subscription is handled separately
// by resubscribeContainer since it moves with the agent.
func (a *UserAgent) subscribeEvents() {
	if a.bus == nil {
		return
	}
	if id, err := a.bus.Subscribe(collab.EventFilter{Kind: collab.KindMovement, Target: a.self}, a.onMovementRaw); err != nil {
		a.logger.Warn("movement subscribe failed", "error", err)
	} else {
		a.moveSub = id
	}
	if id, err := a.bus.Subscribe(collab.EventFilter{Kind: collab.KindEmit, Target: a.self}, a.onPrivateEmitRaw); err != nil {
		a.logger.Warn("private-emit subscribe failed", "error", err)
	} else {
		a.privSub = id
	}
	if id, err := a.bus.Subscribe(collab.EventFilter{Kind: collab.KindEntityChanged, Target: a.self}, a.onEntityChangedRaw); err != nil {
		a.logger.Warn("entity-changed subscribe failed", "error", err)
	} else {
		a.delSub = id
	}
	a.resubscribeContainer(a.container)
}

// resubscribeContainer drops the agent's current room-emit subscription
// (if any) and re-subscribes to container, called on setup and on every
// movement.
func (a *UserAgent) resubscribeContainer(container collab.EntityID) {
	if a.bus == nil {
		return
	}
	if a.roomSub != 0 {
		a.bus.Unsubscribe(a.roomSub)
		a.roomSub = 0
	}
	if container.IsZero() {
		return
	}
	id, err := a.bus.Subscribe(collab.EventFilter{Kind: collab.KindEmit, Target: container}, a.onRoomEmitRaw)
	if err != nil {
		a.logger.Warn("room-emit subscribe failed", "error", err)
		return
	}
	a.roomSub = id
}

func (a *UserAgent) unsubscribeAll() {
	if a.bus == nil {
		return
	}
	for _, id := range []collab.SubscriptionID{a.moveSub, a.privSub, a.delSub, a.roomSub} {
		if id != 0 {
			a.bus.Unsubscribe(id)
		}
	}
}

// onMovementRaw, onRoomEmitRaw, onPrivateEmitRaw and onEntityChangedRaw are
// the bus-facing handlers: they run on the publisher's goroutine, so they
// only ever forward the typed event back to this process as a queued
// message. Everything else happens in the main loop (handleBody).
func (a *UserAgent) onMovementRaw(ev any) {
	if e, ok := ev.(collab.MovementEvent); ok {
		a.svc.SendMessage(a.svc.PID(), sched.Invalid, e)
	}
}

func (a *UserAgent) onRoomEmitRaw(ev any) {
	if e, ok := ev.(collab.EmitEvent); ok {
		a.svc.SendMessage(a.svc.PID(), sched.Invalid, roomEmit(e))
	}
}

func (a *UserAgent) onPrivateEmitRaw(ev any) {
	if e, ok := ev.(collab.EmitEvent); ok {
		a.svc.SendMessage(a.svc.PID(), sched.Invalid, privateEmit(e))
	}
}

func (a *UserAgent) onEntityChangedRaw(ev any) {
	if e, ok := ev.(collab.EntityChangedEvent); ok {
		a.svc.SendMessage(a.svc.PID(), sched.Invalid, e)
	}
}

func (a *UserAgent) scheduleRefresh() {
	if a.jobs == nil || a.refreshEvery <= 0 {
		return
	}
	if err := a.jobs.RefreshCapabilitiesAfter(a.refreshEvery, a.self.String(), a.refresh); err != nil {
		a.logger.Warn("failed to schedule capability refresh", "error", err)
	}
}

func (a *UserAgent) refresh(ctx context.Context) error {
	if err := a.security.PopulateCapabilities(ctx, a.sctx); err != nil {
		return err
	}
	a.scheduleRefresh()
	return nil
}

func (a *UserAgent) Execute(svc *sched.Services) sched.ExecuteStatus {
	idle := time.Since(a.lastActivity)
	if idle >= a.idleDisconnect {
		a.out.SendLine("idle timeout, disconnecting.")
		_ = a.comm.DisconnectSession(context.Background(), a.self)
		return sched.Finished
	}
	if idle >= a.idleWarn && !a.warned {
		a.warned = true
		a.out.SendLine(fmt.Sprintf("idle warning: disconnecting in %s.", (a.idleDisconnect - idle).Round(time.Second)))
	}
	return a.armIdleSleep(idle)
}

// armIdleSleep schedules the next wakeup at whichever idle boundary is
// still ahead: the warn threshold first, then the disconnect threshold,
// so a session that goes quiet actually sees both stages instead of
// sleeping straight through to disconnect.
func (a *UserAgent) armIdleSleep(idle time.Duration) sched.ExecuteStatus {
	next := a.idleDisconnect
	if !a.warned {
		next = a.idleWarn
	}
	remaining := next - idle
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	a.nextSleep = remaining
	return sched.Sleep
}

func (a *UserAgent) ExecuteMessage(svc *sched.Services, msg sched.Message) sched.ExecuteStatus {
	return a.handleBody(msg.Body)
}

func (a *UserAgent) ExecuteRIDMessage(svc *sched.Services, msg sched.Message) sched.ExecuteStatus {
	return a.handleBody(msg.Body)
}

// handleBody is the full main-loop dispatch: (a) a plain string is a typed
// command line from the input resource; (b) a FlowMessage is the output
// channel's own flow status, CLOSED terminating the agent; (c) movement,
// emit and entity-changed events drive resubscribe/force-look, message
// delivery and subscription-deleted termination respectively.
func (a *UserAgent) handleBody(body any) sched.ExecuteStatus {
	switch v := body.(type) {
	case string:
		return a.handleLine(v)
	case channel.FlowMessage:
		return a.handleOutputFlow(v)
	case collab.MovementEvent:
		return a.handleMovement(v)
	case roomEmit:
		return a.handleEmit(collab.EmitEvent(v), false)
	case privateEmit:
		return a.handleEmit(collab.EmitEvent(v), true)
	case collab.EntityChangedEvent:
		return a.handleEntityChanged(v)
	default:
		return a.handleLine(fmt.Sprintf("%v", v))
	}
}

func (a *UserAgent) handleOutputFlow(fm channel.FlowMessage) sched.ExecuteStatus {
	if fm.Status == channel.Closed {
		return sched.Finished
	}
	return a.armIdleSleep(0)
}

func (a *UserAgent) handleMovement(ev collab.MovementEvent) sched.ExecuteStatus {
	a.lastActivity = time.Now()
	a.container = ev.To
	a.resubscribeContainer(ev.To)
	a.dispatchLine(context.Background(), "look")
	return a.armIdleSleep(0)
}

func (a *UserAgent) handleEmit(ev collab.EmitEvent, private bool) sched.ExecuteStatus {
	if private {
		a.out.SendLine("[private] " + ev.Text)
	} else {
		a.out.SendLine(ev.Text)
	}
	return a.armIdleSleep(0)
}

func (a *UserAgent) handleEntityChanged(ev collab.EntityChangedEvent) sched.ExecuteStatus {
	if ev.Field == "deleted" {
		return sched.Finished
	}
	return a.armIdleSleep(0)
}

func (a *UserAgent) handleLine(line string) sched.ExecuteStatus {
	a.lastActivity = time.Now()
	a.warned = false

	if a.redirect != nil {
		return a.handleEditLine(line)
	}

	if !a.limiter.Allow() {
		a.out.SendError("rate limit exceeded, slow down.")
		return a.armIdleSleep(0)
	}

	if a.dispatchLine(context.Background(), line) {
		return sched.Finished
	}
	return a.armIdleSleep(0)
}

// dispatchLine parses and executes one command line: trims it, maps a
// leading `:` to a pose action by inserting a space, splits into a first
// word and arguments, then dispatches QUIT, the slash built-ins, or falls
// through to action resolution. Returns true if the session should
// terminate.
func (a *UserAgent) dispatchLine(ctx context.Context, raw string) bool {
	line := strings.TrimSpace(raw)
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, ":") {
		line = ": " + strings.TrimSpace(strings.TrimPrefix(line, ":"))
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "QUIT", "/quit":
		a.out.SendLine("goodbye.")
		return true
	case "/listprog":
		a.cmdListProg(fields)
		return false
	case "/editprog":
		a.cmdEditProg(fields)
		return false
	}

	a.runCommand(ctx, line, fields)
	return false
}

func (a *UserAgent) handleEditLine(line string) sched.ExecuteStatus {
	switch strings.TrimSpace(line) {
	case ".abort":
		a.out.SendLine("edit aborted.")
		a.redirect = nil
		a.redirectPath = ""
		return a.armIdleSleep(0)
	case ".save":
		path := a.redirectPath
		a.redirect = nil
		a.redirectPath = ""
		if a.softcode != nil {
			if err := a.softcode.Uncompile(context.Background(), a.self); err != nil {
				a.logger.Warn("uncompile after save failed", "error", err)
			}
		}
		a.out.SendLine(fmt.Sprintf("saved to %s.", path))
		return a.armIdleSleep(0)
	}
	if err := a.redirect.Write(line); err != nil {
		a.out.SendError(err.Error())
	}
	return a.armIdleSleep(0)
}

func (a *UserAgent) cmdEditProg(fields []string) {
	if len(fields) < 2 {
		a.out.SendError("usage: /editprog <path>")
		return
	}
	if a.documents == nil {
		a.out.SendError("document store unavailable.")
		return
	}
	// Test-set with empty content first (spec 4.6 step iv): validates the
	// path is writable before the agent commits to redirecting into it.
	if err := a.documents.Set(context.Background(), a.self, fields[1], ""); err != nil {
		a.out.SendError(err.Error())
		return
	}
	a.redirectPath = fields[1]
	a.redirect = collab.NewDocumentWriter(a.documents, a.self, fields[1])
	a.out.SendLine(fmt.Sprintf("redirecting to %s; end with \".save\" or discard with \".abort\".", fields[1]))
}

func (a *UserAgent) cmdListProg(fields []string) {
	if a.sched == nil {
		a.out.SendError("process listing unavailable.")
		return
	}
	infos := a.sched.Query(a.self.Site)
	for _, info := range infos {
		if info.Owner != a.self {
			continue
		}
		a.out.SendLine(fmt.Sprintf("%d\t%s\t%s", info.PID, info.State, info.Name))
	}

	if len(fields) < 2 || a.documents == nil {
		return
	}
	docs, err := a.documents.Find(context.Background(), a.self, fields[1])
	if err != nil {
		a.out.SendError(err.Error())
		return
	}
	for _, path := range docs {
		a.out.SendLine("doc\t" + path)
	}
}

// runCommand resolves line against the action namespace via the database
// collaborator and dispatches the result: an exit moves the agent, a
// command runs as a program. With no database collaborator configured it
// falls back to running the line directly as a program, so the agent still
// functions in a minimal (database-less) deployment.
func (a *UserAgent) runCommand(ctx context.Context, line string, fields []string) {
	if a.db == nil {
		a.processAction(ctx, collab.Entity{ID: a.self, Type: "command"}, line)
		return
	}

	entity, found := a.resolveAction(ctx, line, fields[0])
	if !found {
		a.out.SendError("Command not found.")
		return
	}

	allowed, err := a.security.SecurityCheck(ctx, "resolve", a.sctx, entity.ID)
	if err != nil {
		a.out.SendError(err.Error())
		return
	}
	if !allowed {
		a.out.SendError("access denied.")
		return
	}

	if entity.Type == "exit" {
		a.moveThrough(ctx, entity)
		return
	}
	a.processAction(ctx, entity, line)
}

// resolveAction looks up line against the action namespace, trying the
// full command string first and falling back to its first word alone, per
// spec 4.6 command resolution. Find only supports prefix matching, so each
// attempt filters its results down to an exact name match.
func (a *UserAgent) resolveAction(ctx context.Context, line, firstWord string) (collab.Entity, bool) {
	if e, ok := a.findExact(ctx, line); ok {
		return e, true
	}
	if e, ok := a.findExact(ctx, firstWord); ok {
		return e, true
	}
	return collab.Entity{}, false
}

func (a *UserAgent) findExact(ctx context.Context, name string) (collab.Entity, bool) {
	ents, err := a.db.Find(ctx, a.self.Site, "", collab.EntityID{}, name)
	if err != nil {
		return collab.Entity{}, false
	}
	for _, e := range ents {
		if e.Name == name {
			return e, true
		}
	}
	return collab.Entity{}, false
}

// moveThrough follows exit to its destination, updating the agent's
// location and publishing a movement event. With an event bus configured,
// the resubscribe-and-force-look step happens when that event is
// delivered back to this agent's own movement subscription; without one,
// it happens inline.
func (a *UserAgent) moveThrough(ctx context.Context, exit collab.Entity) {
	dest, err := a.db.GetProperty(ctx, exit.ID, "destination")
	if err != nil {
		a.out.SendError(err.Error())
		return
	}
	to, ok := dest.(collab.EntityID)
	if !ok || to.IsZero() {
		a.out.SendError("that exit leads nowhere.")
		return
	}
	from := a.container
	if err := a.db.SetProperty(ctx, a.self, "location", to); err != nil {
		a.out.SendError(err.Error())
		return
	}

	if a.bus == nil {
		a.container = to
		a.resubscribeContainer(to)
		a.dispatchLine(ctx, "look")
		return
	}
	if err := a.bus.Publish(ctx, collab.KindMovement, collab.MovementEvent{Entity: a.self, From: from, To: to}); err != nil {
		a.logger.Warn("publish movement failed", "error", err)
	}
}

// processAction runs entity as a program: capability check, a fresh
// per-invocation security context, a fresh output channel, optional `>>`
// redirect to a document, then MakeProcess. Any failure tears down
// whatever was created and emits a descriptive error (spec 4.6 action
// dispatch).
func (a *UserAgent) processAction(ctx context.Context, entity collab.Entity, line string) {
	allowed, err := a.security.SecurityCheck(ctx, "execute", a.sctx, entity.ID)
	if err != nil {
		a.out.SendError(err.Error())
		return
	}
	if !allowed {
		a.out.SendError("access denied.")
		return
	}

	caps := make(map[collab.Capability]bool, len(a.sctx.Capabilities))
	for k, v := range a.sctx.Capabilities {
		caps[k] = v
	}
	progCtx := &collab.Context{
		Requester:    a.sctx.Requester,
		Program:      entity.ID,
		PID:          a.sctx.PID,
		Mode:         a.sctx.Mode,
		Capabilities: caps,
	}

	invocation, target, property, hasRedirect := a.parseRedirect(line)
	fields := strings.Fields(invocation)
	if len(fields) == 0 {
		a.out.SendError("Command not found.")
		return
	}

	progOut := channel.NewText("agent-prog-out:"+a.self.String(), schedSender{a.sched})

	if hasRedirect {
		if a.documents == nil {
			a.out.SendError("document store unavailable.")
			return
		}
		// Test-set validates the target is writable before committing the
		// program's output to it (spec 4.6 step iv).
		if err := a.documents.Set(ctx, target, property, ""); err != nil {
			a.out.SendError(err.Error())
			return
		}
		writer := collab.NewDocumentWriter(a.documents, target, property)
		progOut.SetReceiverCallback(func(item any) error {
			frags, ok := item.([]channel.Fragment)
			if !ok {
				return fmt.Errorf("agent: unexpected redirect item %T", item)
			}
			return writer.Write(channel.Line(frags))
		})
	} else if a.comm != nil {
		if err := a.comm.AddChannel(ctx, a.self, progOut, true); err != nil {
			a.out.SendError(err.Error())
			return
		}
	}

	// Unblock before MakeProcess: softcode implementations may write
	// output synchronously as part of creating the process, and a still-
	// BLOCKED channel would silently drop it.
	progOut.Unblock(0)

	if _, err := a.softcode.MakeProcess(ctx, progCtx, fields[0], fields[1:], progOut, a.in); err != nil {
		progOut.Close()
		a.out.SendError(err.Error())
		a.errText = err.Error()
	}
}

// parseRedirect splits line on a trailing `>> entity.property` suffix, per
// spec 4.6 step (iv) and §6. "me" is the special keyword for the agent's
// own entity. Returns has=false if there is no `>>` suffix or its target
// doesn't resolve.
func (a *UserAgent) parseRedirect(line string) (invocation string, target collab.EntityID, property string, has bool) {
	idx := strings.LastIndex(line, ">>")
	if idx < 0 {
		return line, collab.EntityID{}, "", false
	}
	invocation = strings.TrimSpace(line[:idx])
	dest := strings.TrimSpace(line[idx+2:])
	dot := strings.LastIndex(dest, ".")
	if dot < 0 {
		return line, collab.EntityID{}, "", false
	}
	entityName, path := dest[:dot], dest[dot+1:]
	if path == "" {
		return line, collab.EntityID{}, "", false
	}
	if entityName == "me" {
		return invocation, a.self, path, true
	}
	if a.db != nil {
		if e, ok := a.findExact(context.Background(), entityName); ok {
			return invocation, e.ID, path, true
		}
	}
	return line, collab.EntityID{}, "", false
}

func (a *UserAgent) Name() string            { return "user-agent:" + a.self.String() }
func (a *UserAgent) DeleteWhenFinished() bool { return true }
func (a *UserAgent) SleepDuration() (time.Duration, bool) {
	return a.nextSleep, a.nextSleep > 0
}
func (a *UserAgent) ErrorText() string { return a.errText }

func (a *UserAgent) Killed(svc *sched.Services) {
	a.unsubscribeAll()
	a.out.SendLine("session terminated.")
	a.out.RemoveSender(ids.ID(svc.PID()), ids.ID(sched.Invalid))
	a.out.Close()
}

func (a *UserAgent) Finished(svc *sched.Services) {
	a.unsubscribeAll()
	a.out.RemoveSender(ids.ID(svc.PID()), ids.ID(sched.Invalid))
	a.out.Close()
}
