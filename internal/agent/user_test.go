package agent

import (
	"context"
	"testing"
	"time"

	"vworld/internal/collab"
	"vworld/internal/config"
	"vworld/internal/sched"
)

type stubBus struct{}

func (stubBus) Subscribe(collab.EventFilter, func(any)) (collab.SubscriptionID, error) { return 0, nil }
func (stubBus) Unsubscribe(collab.SubscriptionID)                                      {}
func (stubBus) Publish(context.Context, collab.EventKind, any) error                   { return nil }

type stubSecurity struct{}

func (stubSecurity) SecurityCheck(context.Context, string, *collab.Context, ...collab.EntityID) (bool, error) {
	return true, nil
}
func (stubSecurity) PopulateCapabilities(context.Context, *collab.Context) error { return nil }

type stubSoftcode struct {
	ran chan string
}

func (s *stubSoftcode) MakeProcess(ctx context.Context, sctx *collab.Context, command string, args []string, out, in any) (uint64, error) {
	if s.ran != nil {
		s.ran <- command
	}
	return 1, nil
}
func (*stubSoftcode) Compile(context.Context, collab.EntityID, any) error   { return nil }
func (*stubSoftcode) Uncompile(context.Context, collab.EntityID) error      { return nil }

type stubComm struct{ disconnected chan collab.EntityID }

func (c *stubComm) AddChannel(context.Context, collab.EntityID, any, bool) error { return nil }
func (c *stubComm) DisconnectSession(ctx context.Context, session collab.EntityID) error {
	if c.disconnected != nil {
		c.disconnected <- session
	}
	return nil
}
func (c *stubComm) Stats(context.Context, collab.EntityID) (collab.SessionStats, error) {
	return collab.SessionStats{}, nil
}

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	cfg := config.DefaultSchedulerConfig()
	cfg.Workers = 2
	cfg.PollPeriod = 30 * time.Millisecond
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

func TestUserAgentRunsProgram(t *testing.T) {
	s := newTestScheduler(t)
	softcode := &stubSoftcode{ran: make(chan string, 1)}
	self := collab.EntityID{Site: 1}

	ua := NewUserAgent(Config{
		Self:           self,
		Requester:      self,
		Security:       stubSecurity{},
		Softcode:       softcode,
		Communication:  &stubComm{},
		Scheduler:      s,
		IdleWarn:       time.Hour,
		IdleDisconnect: 2 * time.Hour,
		RateLimit:      100,
		RateBurst:      10,
	}, nil)

	pid := s.Admit(ua, self, self)
	if pid == sched.Invalid {
		t.Fatal("Admit returned Invalid")
	}
	s.Resume(pid)
	time.Sleep(30 * time.Millisecond)

	if !s.SendMessage(pid, sched.Invalid, "look") {
		t.Fatal("SendMessage failed")
	}

	select {
	case cmd := <-softcode.ran:
		if cmd != "look" {
			t.Fatalf("ran %q, want look", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for program to run")
	}
}

func TestUserAgentQuit(t *testing.T) {
	s := newTestScheduler(t)
	self := collab.EntityID{Site: 1}
	ua := NewUserAgent(Config{
		Self:           self,
		Requester:      self,
		Security:       stubSecurity{},
		Softcode:       &stubSoftcode{},
		Communication:  &stubComm{},
		Scheduler:      s,
		IdleWarn:       time.Hour,
		IdleDisconnect: 2 * time.Hour,
		RateLimit:      100,
		RateBurst:      10,
	}, nil)

	pid := s.Admit(ua, self, self)
	s.Resume(pid)
	time.Sleep(30 * time.Millisecond)

	if !s.SendMessage(pid, sched.Invalid, "/quit") {
		t.Fatal("SendMessage failed")
	}

	deadline := time.After(2 * time.Second)
	for {
		infos := s.Query(1)
		found := false
		for _, info := range infos {
			if info.PID == pid {
				found = true
			}
		}
		if !found {
			return
		}
		select {
		case <-deadline:
			t.Fatal("process never finished after /quit")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestUserAgentIdleDisconnect(t *testing.T) {
	s := newTestScheduler(t)
	self := collab.EntityID{Site: 1}
	comm := &stubComm{disconnected: make(chan collab.EntityID, 1)}
	ua := NewUserAgent(Config{
		Self:           self,
		Requester:      self,
		Security:       stubSecurity{},
		Softcode:       &stubSoftcode{},
		Communication:  comm,
		Scheduler:      s,
		IdleWarn:       20 * time.Millisecond,
		IdleDisconnect: 60 * time.Millisecond,
		RateLimit:      100,
		RateBurst:      10,
	}, nil)

	pid := s.Admit(ua, self, self)
	s.Resume(pid)

	select {
	case got := <-comm.disconnected:
		if got != self {
			t.Fatalf("disconnected %v, want %v", got, self)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for idle disconnect")
	}
}
