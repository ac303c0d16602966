package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"

	"vworld/internal/agent"
	"vworld/internal/collab"
	"vworld/internal/config"
	configfile "vworld/internal/config/file"
	"vworld/internal/console"
	"vworld/internal/home"
	"vworld/internal/housekeeping"
	"vworld/internal/sched"

	"github.com/google/uuid"
)

// app wires every collaborator and subsystem together: one instance per
// running server process.
type app struct {
	logger *slog.Logger
	cfg    config.Config

	store     *configfile.Store
	scheduler *sched.Scheduler
	bus       *collab.InProcessEventBus
	security  *collab.SecurityCollaborator
	comm      *collab.WebsocketCommunication
	documents *collab.DocumentStore
	softcode  collab.Softcode
	db        collab.Database
	jobs      *housekeeping.Jobs
	puppets   *agent.PuppetManager
	console   *console.Console

	site uint32
}

func newApp(ctx context.Context, logger *slog.Logger, hd home.Dir) (*app, error) {
	store := configfile.New(hd.ConfigPath(), logger)
	cfg, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := store.Save(cfg); err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}

	bus := collab.NewInProcessEventBus(logger)
	scheduler := sched.New(cfg.Scheduler, logger, bus)

	documents, err := collab.NewDocumentStore(logger)
	if err != nil {
		return nil, fmt.Errorf("new document store: %w", err)
	}

	jwtSecret := make([]byte, 32)
	if _, err := rand.Read(jwtSecret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	accounts, err := newStubPasswordVerifier()
	if err != nil {
		return nil, fmt.Errorf("new password verifier: %w", err)
	}
	security := collab.NewSecurityCollaborator(jwtSecret, config.CapabilityRefreshInterval, accounts, logger)

	comm := collab.NewWebsocketCommunication(logger)
	db := newStubDatabase()
	sc := &stubSoftcode{logger: logger}

	jobs, err := housekeeping.New(logger)
	if err != nil {
		return nil, fmt.Errorf("new housekeeping jobs: %w", err)
	}
	if err := jobs.ChannelSweepReport(config.CapabilityRefreshInterval, func() int { return 0 }); err != nil {
		return nil, fmt.Errorf("schedule channel sweep report: %w", err)
	}

	puppets := agent.NewPuppetManager(scheduler, sc, logger)

	a := &app{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		bus:       bus,
		security:  security,
		comm:      comm,
		documents: documents,
		softcode:  sc,
		db:        db,
		jobs:      jobs,
		puppets:   puppets,
		site:      1,
	}
	a.console = console.New(os.Stdin, os.Stdout, scheduler, logger)

	if err := store.Watch(func(newCfg config.Config) {
		logger.Info("config changed, resizing worker pool", "workers", newCfg.Scheduler.Workers)
		scheduler.Resize(newCfg.Scheduler.Workers)
	}); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// newSessionEntity mints a fresh per-connection entity identifier.
func (a *app) newSessionEntity() collab.EntityID {
	return collab.EntityID{Site: a.site, Entity: uuid.New()}
}
