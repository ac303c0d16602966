package agent

import (
	"log/slog"
	"sync"

	"vworld/internal/callgroup"
	"vworld/internal/collab"
	"vworld/internal/logging"
	"vworld/internal/sched"
)

// PuppetManager spawns and tracks one PuppetAgent process per owned
// puppet entity, forwarding commands to the right process by PID and
// collapsing concurrent spawn requests for the same puppet into a single
// Admit call.
type PuppetManager struct {
	logger   *slog.Logger
	sched    *sched.Scheduler
	softcode collab.Softcode

	spawning callgroup.Group[collab.EntityID]

	mu      sync.RWMutex
	byEntity map[collab.EntityID]sched.PID
	owners   map[collab.EntityID]collab.EntityID
}

// NewPuppetManager constructs an empty manager.
func NewPuppetManager(s *sched.Scheduler, softcode collab.Softcode, logger *slog.Logger) *PuppetManager {
	return &PuppetManager{
		logger:   logging.Default(logger).With("component", "puppet-manager"),
		sched:    s,
		softcode: softcode,
		byEntity: make(map[collab.EntityID]sched.PID),
		owners:   make(map[collab.EntityID]collab.EntityID),
	}
}

// Ensure returns the PID of the puppet process for entity, spawning a new
// PuppetAgent and admitting it into the scheduler on first use. Concurrent
// callers for the same entity block on a single spawn via callgroup.
func (m *PuppetManager) Ensure(entity, owner collab.EntityID) (sched.PID, error) {
	m.mu.RLock()
	if pid, ok := m.byEntity[entity]; ok {
		m.mu.RUnlock()
		return pid, nil
	}
	m.mu.RUnlock()

	err := <-m.spawning.DoChan(entity, func() error {
		m.mu.Lock()
		if _, ok := m.byEntity[entity]; ok {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		cb := NewPuppetAgent(entity, owner, m.softcode, m.sched, m.logger)
		pid := m.sched.Admit(cb, entity, owner)
		if pid == sched.Invalid {
			return errSpawnRefused
		}
		m.sched.Resume(pid)

		m.mu.Lock()
		m.byEntity[entity] = pid
		m.owners[entity] = owner
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return sched.Invalid, err
	}

	m.mu.RLock()
	pid := m.byEntity[entity]
	m.mu.RUnlock()
	return pid, nil
}

// Forward delivers a raw command line to the puppet's process, spawning
// it first if it isn't already running.
func (m *PuppetManager) Forward(entity, owner collab.EntityID, line string) error {
	pid, err := m.Ensure(entity, owner)
	if err != nil {
		return err
	}
	m.sched.SendMessage(pid, sched.Invalid, line)
	return nil
}

// ChangeOwner notifies a live puppet process that its owner changed,
// which terminates the process per the owner-change rule, and forgets it
// so a subsequent Ensure spawns fresh under the new owner.
func (m *PuppetManager) ChangeOwner(entity, newOwner collab.EntityID) {
	m.mu.Lock()
	pid, ok := m.byEntity[entity]
	if ok {
		delete(m.byEntity, entity)
		delete(m.owners, entity)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	NotifyOwnerChanged(m.sched, pid)
}

// Forget drops bookkeeping for entity without notifying its process.
// PuppetAgent's Finished and Killed hooks do not call it.
func (m *PuppetManager) Forget(entity collab.EntityID) {
	m.mu.Lock()
	delete(m.byEntity, entity)
	delete(m.owners, entity)
	m.mu.Unlock()
}

var errSpawnRefused = spawnRefusedError{}

type spawnRefusedError struct{}

func (spawnRefusedError) Error() string { return "puppet manager: scheduler refused admission" }
