package console

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"vworld/internal/collab"
	"vworld/internal/config"
	"vworld/internal/sched"
)

type nopCallback struct{ name string }

func (nopCallback) Added(*sched.Services)                      {}
func (nopCallback) Execute(*sched.Services) sched.ExecuteStatus { return sched.WaitMessageStatus }
func (nopCallback) ExecuteMessage(*sched.Services, sched.Message) sched.ExecuteStatus {
	return sched.WaitMessageStatus
}
func (nopCallback) ExecuteRIDMessage(*sched.Services, sched.Message) sched.ExecuteStatus {
	return sched.WaitMessageStatus
}
func (c nopCallback) Name() string                        { return c.name }
func (nopCallback) DeleteWhenFinished() bool               { return true }
func (nopCallback) SleepDuration() (time.Duration, bool)   { return 0, false }
func (nopCallback) ErrorText() string                      { return "" }
func (nopCallback) Killed(*sched.Services)                 {}
func (nopCallback) Finished(*sched.Services)               {}

type stubBus struct{}

func (stubBus) Subscribe(collab.EventFilter, func(any)) (collab.SubscriptionID, error) { return 0, nil }
func (stubBus) Unsubscribe(collab.SubscriptionID)                                      {}
func (stubBus) Publish(context.Context, collab.EventKind, any) error                   { return nil }

func newTestSched(t *testing.T) *sched.Scheduler {
	t.Helper()
	cfg := config.DefaultSchedulerConfig()
	cfg.Workers = 1
	s := sched.New(cfg, nil, stubBus{})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		shCtx, shCancel := context.WithTimeout(context.Background(), time.Second)
		defer shCancel()
		s.Shutdown(shCtx)
	})
	return s
}

func TestPSListsProcess(t *testing.T) {
	s := newTestSched(t)
	pid := s.Admit(nopCallback{name: "worker"}, collab.EntityID{}, collab.EntityID{})
	s.Resume(pid)
	time.Sleep(50 * time.Millisecond)

	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, s, nil)
	c.execute("ps")

	if !strings.Contains(out.String(), "worker") {
		t.Fatalf("ps output missing process: %q", out.String())
	}
}

func TestKillUnknownPID(t *testing.T) {
	s := newTestSched(t)
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, s, nil)
	c.execute("kill 99999")
	if !strings.Contains(out.String(), "kill requested") {
		t.Fatalf("expected kill-requested message, got %q", out.String())
	}
}

func TestQuitStopsLoop(t *testing.T) {
	s := newTestSched(t)
	var out bytes.Buffer
	c := New(strings.NewReader(""), &out, s, nil)
	if c.execute("quit") {
		t.Fatal("execute(\"quit\") should return false")
	}
}
