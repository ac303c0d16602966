package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"vworld/internal/agent"
	"vworld/internal/config"
	"vworld/internal/logging"
)

// wsListener wraps the websocket accept loop's underlying http.Server.
type wsListener struct {
	srv *http.Server
}

func (l *wsListener) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.srv.Shutdown(ctx)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// newListener starts the websocket listener: every accepted connection
// becomes a session registered with the communication collaborator and a
// freshly admitted UserAgent process.
func newListener(a *app, addr string, logger *slog.Logger) (*wsListener, error) {
	logger = logging.Default(logger).With("component", "listener")
	listenerCfg := a.cfg.Listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", "error", err)
			return
		}
		a.acceptSession(conn, listenerCfg, logger, r.URL.Query().Get("resume"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("websocket server error", "error", err)
		}
	}()
	return &wsListener{srv: srv}, nil
}

// acceptSession wires one newly upgraded connection to a fresh UserAgent
// process: registers the session, admits the process, then connects the
// inbound/outbound channels through the communication collaborator.
func (a *app) acceptSession(conn *websocket.Conn, listenerCfg config.ListenerConfig, logger *slog.Logger, resumeToken string) {
	session := a.newSessionEntity()
	if resumeToken != "" {
		if prior, ok := a.security.ResumeSession(resumeToken); ok {
			session = prior
			logger.Info("resumed session", "session", session.String())
		}
	}
	a.comm.Register(session, conn, false)

	ua := agent.NewUserAgent(agent.Config{
		Self:           session,
		Requester:      session,
		Security:       a.security,
		Softcode:       a.softcode,
		Communication:  a.comm,
		Documents:      a.documents,
		Database:       a.db,
		Bus:            a.bus,
		Scheduler:      a.scheduler,
		Jobs:           a.jobs,
		Puppets:        a.puppets,
		IdleWarn:       listenerCfg.IdleWarn,
		IdleDisconnect: listenerCfg.IdleDisconnect,
		RefreshEvery:   config.CapabilityRefreshInterval,
		RateLimit:      listenerCfg.CommandRateLimit,
		RateBurst:      float64(listenerCfg.CommandBurst),
	}, logger)

	pid := a.scheduler.Admit(ua, session, session)
	if pid == 0 {
		logger.Warn("scheduler refused session admission, closing connection")
		_ = conn.Close()
		return
	}

	ctx := context.Background()
	if err := a.comm.AddChannel(ctx, session, ua.Output(), true); err != nil {
		logger.Warn("failed to wire outbound channel", "error", err)
	}
	if err := a.comm.AddChannel(ctx, session, ua.Input(), false); err != nil {
		logger.Warn("failed to wire inbound channel", "error", err)
	}

	if token, err := a.security.IssueResumeToken(session); err != nil {
		logger.Warn("failed to issue resume token", "error", err)
	} else {
		ua.Output().SendLine(fmt.Sprintf("resume-token: %s", token))
	}

	a.scheduler.Resume(pid)
	logger.Info("session started", "session", session.String(), "pid", pid)
}
