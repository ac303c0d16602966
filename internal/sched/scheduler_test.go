package sched

import (
	"context"
	"testing"
	"time"

	"vworld/internal/collab"
	"vworld/internal/config"
)

// fakeEventBus records published events for assertions.
type fakeEventBus struct {
	events chan collab.ProcessExecutionEvent
}

func newFakeEventBus() *fakeEventBus {
	return &fakeEventBus{events: make(chan collab.ProcessExecutionEvent, 64)}
}

func (b *fakeEventBus) Subscribe(collab.EventFilter, func(any)) (collab.SubscriptionID, error) {
	return 0, nil
}
func (b *fakeEventBus) Unsubscribe(collab.SubscriptionID) {}
func (b *fakeEventBus) Publish(ctx context.Context, kind collab.EventKind, ev any) error {
	if pe, ok := ev.(collab.ProcessExecutionEvent); ok {
		b.events <- pe
	}
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeEventBus) {
	t.Helper()
	cfg := config.DefaultSchedulerConfig()
	cfg.Workers = 2
	cfg.PollPeriod = 50 * time.Millisecond
	bus := newFakeEventBus()
	s := New(cfg, nil, bus)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shCancel()
		s.Shutdown(shCtx)
	})
	return s, bus
}

// echoProc implements Callback: on a RID message it echoes the body back
// out through an output channel captured at construction via a send func.
type echoProc struct {
	name      string
	onExecute func(svc *Services) ExecuteStatus
	onRIDMsg  func(svc *Services, msg Message) ExecuteStatus
	onMsg     func(svc *Services, msg Message) ExecuteStatus
	onKilled  func(svc *Services)
	onFinish  func(svc *Services)
	sleepFor  time.Duration
	sleepOK   bool
	errText   string
}

func (p *echoProc) Added(svc *Services) {}
func (p *echoProc) Execute(svc *Services) ExecuteStatus {
	if p.onExecute != nil {
		return p.onExecute(svc)
	}
	return WaitMessageStatus
}
func (p *echoProc) ExecuteMessage(svc *Services, msg Message) ExecuteStatus {
	if p.onMsg != nil {
		return p.onMsg(svc, msg)
	}
	return WaitMessageStatus
}
func (p *echoProc) ExecuteRIDMessage(svc *Services, msg Message) ExecuteStatus {
	if p.onRIDMsg != nil {
		return p.onRIDMsg(svc, msg)
	}
	return WaitMessageStatus
}
func (p *echoProc) Name() string                         { return p.name }
func (p *echoProc) DeleteWhenFinished() bool              { return true }
func (p *echoProc) SleepDuration() (time.Duration, bool)  { return p.sleepFor, p.sleepOK }
func (p *echoProc) ErrorText() string                     { return p.errText }
func (p *echoProc) Killed(svc *Services) {
	if p.onKilled != nil {
		p.onKilled(svc)
	}
}
func (p *echoProc) Finished(svc *Services) {
	if p.onFinish != nil {
		p.onFinish(svc)
	}
}

type nullResource struct{}

func (nullResource) AddedToProcess(PID, RID) bool      { return true }
func (nullResource) RemovedFromProcess(PID, RID, bool) {}

// Scenario 1: echo round trip.
func TestEchoRoundTrip(t *testing.T) {
	s, _ := newTestScheduler(t)

	received := make(chan Message, 1)
	proc := &echoProc{
		name: "echo",
		onRIDMsg: func(svc *Services, msg Message) ExecuteStatus {
			received <- msg
			return WaitMessageStatus
		},
	}
	pid := s.Admit(proc, collab.EntityID{}, collab.EntityID{})
	if pid == Invalid {
		t.Fatal("Admit returned Invalid")
	}
	rid, ok := s.addResource(pid, nullResource{}, true)
	if !ok {
		t.Fatal("addResource failed")
	}
	s.Resume(pid)

	if !s.SendMessage(pid, rid, "hello") {
		t.Fatal("SendMessage failed")
	}

	select {
	case msg := <-received:
		if msg.Body != "hello" || msg.RID != rid {
			t.Fatalf("got %+v, want body=hello rid=%d", msg, rid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

// Scenario 2: timer wakeup.
func TestTimerWakeup(t *testing.T) {
	s, _ := newTestScheduler(t)

	woke := make(chan struct{}, 1)
	first := true
	proc := &echoProc{
		name:     "sleeper",
		sleepFor: 150 * time.Millisecond,
		sleepOK:  true,
		onExecute: func(svc *Services) ExecuteStatus {
			if first {
				first = false
				return Sleep
			}
			woke <- struct{}{}
			return WaitMessageStatus
		},
	}
	pid := s.Admit(proc, collab.EntityID{}, collab.EntityID{})
	s.Resume(pid)

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for timer wakeup")
	}
	_ = pid
}

// Scenario 3: kill during sleep.
func TestKillDuringSleep(t *testing.T) {
	s, bus := newTestScheduler(t)

	killedCh := make(chan struct{}, 1)
	proc := &echoProc{
		name:     "sleeper",
		sleepFor: 10 * time.Second,
		sleepOK:  true,
		onExecute: func(svc *Services) ExecuteStatus {
			return Sleep
		},
		onKilled: func(svc *Services) {
			killedCh <- struct{}{}
		},
	}
	pid := s.Admit(proc, collab.EntityID{}, collab.EntityID{})
	s.Resume(pid)

	// Let it reach SLEEPING before killing.
	time.Sleep(100 * time.Millisecond)
	s.Kill(pid)

	select {
	case <-killedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for killed hook")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-bus.events:
			if ev.PID == uint64(pid) && ev.State == collab.ProcessKilled {
				return
			}
		case <-deadline:
			t.Fatal("did not observe KILLED event")
		}
	}
}

// R3: kill is idempotent.
func TestKillIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t)
	proc := &echoProc{name: "p"}
	pid := s.Admit(proc, collab.EntityID{}, collab.EntityID{})
	if !s.Kill(pid) {
		t.Fatal("first kill failed")
	}
	time.Sleep(100 * time.Millisecond)
	if !s.Kill(pid) {
		t.Fatal("second kill failed")
	}
}

// B1: identifier wraparound.
func TestPIDWraparoundReuse(t *testing.T) {
	cfg := config.DefaultSchedulerConfig()
	cfg.MaxPID = 2
	cfg.Workers = 1
	bus := newFakeEventBus()
	s := New(cfg, nil, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var pids []PID
	for range 2 {
		p := &echoProc{name: "p", onExecute: func(svc *Services) ExecuteStatus { return WaitMessageStatus }}
		pid := s.Admit(p, collab.EntityID{}, collab.EntityID{})
		pids = append(pids, pid)
	}
	if s.Admit(&echoProc{name: "extra"}, collab.EntityID{}, collab.EntityID{}) != Invalid {
		t.Fatal("expected saturation")
	}

	s.Kill(pids[0])
	time.Sleep(200 * time.Millisecond)

	reused := &echoProc{name: "reused", onExecute: func(svc *Services) ExecuteStatus { return WaitMessageStatus }}
	pid := s.Admit(reused, collab.EntityID{}, collab.EntityID{})
	if pid != pids[0] {
		t.Fatalf("Admit after release = %d, want reused id %d", pid, pids[0])
	}

	shCtx, shCancel := context.WithTimeout(context.Background(), time.Second)
	defer shCancel()
	s.Shutdown(shCtx)
}
