package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"vworld/internal/auth"
	"vworld/internal/collab"
)

// stubDatabase is a minimal in-memory collab.Database: enough entity
// bookkeeping for the agent subsystem to resolve names and properties
// without a real persistent entity model, which is out of this server's
// scope (the database collaborator is CORE-external by design).
type stubDatabase struct {
	mu         sync.RWMutex
	entities   map[collab.EntityID]collab.Entity
	properties map[collab.EntityID]map[string]any
}

func newStubDatabase() *stubDatabase {
	return &stubDatabase{
		entities:   make(map[collab.EntityID]collab.Entity),
		properties: make(map[collab.EntityID]map[string]any),
	}
}

func (d *stubDatabase) GetEntity(ctx context.Context, id collab.EntityID) (collab.Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entities[id]
	if !ok {
		return collab.Entity{}, fmt.Errorf("stubdb: unknown entity %s", id)
	}
	return e, nil
}

func (d *stubDatabase) Find(ctx context.Context, site uint32, typ string, owner collab.EntityID, namePrefix string) ([]collab.Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []collab.Entity
	for _, e := range d.entities {
		if e.ID.Site != site {
			continue
		}
		if typ != "" && e.Type != typ {
			continue
		}
		if !owner.IsZero() && e.Owner != owner {
			continue
		}
		if namePrefix != "" && !strings.HasPrefix(e.Name, namePrefix) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *stubDatabase) NewEntity(ctx context.Context, typ string, site uint32, owner collab.EntityID, name string) (collab.EntityID, error) {
	id := collab.EntityID{Site: site, Entity: uuid.New()}
	d.mu.Lock()
	d.entities[id] = collab.Entity{ID: id, Type: typ, Name: name, Owner: owner}
	d.mu.Unlock()
	return id, nil
}

func (d *stubDatabase) GetProperty(ctx context.Context, id collab.EntityID, path string) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	props, ok := d.properties[id]
	if !ok {
		return nil, nil
	}
	return props[path], nil
}

func (d *stubDatabase) SetProperty(ctx context.Context, id collab.EntityID, path string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	props, ok := d.properties[id]
	if !ok {
		props = make(map[string]any)
		d.properties[id] = props
	}
	props[path] = value
	return nil
}

// stubPasswordVerifier stands in for the account store behind
// collab.SecurityCollaborator.VerifyPassword: every entity shares one
// argon2id hash of a fixed development password. A real deployment swaps
// this for the account database.
type stubPasswordVerifier struct {
	hash string
}

func newStubPasswordVerifier() (*stubPasswordVerifier, error) {
	hash, err := auth.HashPassword("changeit")
	if err != nil {
		return nil, err
	}
	return &stubPasswordVerifier{hash: hash}, nil
}

func (v *stubPasswordVerifier) PasswordHash(ctx context.Context, entity collab.EntityID) (string, error) {
	return v.hash, nil
}

// stubSoftcode is a minimal collab.Softcode: it logs and acknowledges
// commands rather than executing a real softcode language, since program
// execution is explicitly out of this server's CORE scope.
type stubSoftcode struct {
	logger *slog.Logger
}

func (s *stubSoftcode) MakeProcess(ctx context.Context, sctx *collab.Context, command string, args []string, out, in any) (uint64, error) {
	s.logger.Info("softcode command", "pid", sctx.PID, "command", command, "args", args)
	if sink, ok := out.(interface{ SendLine(string) error }); ok {
		_ = sink.SendLine(fmt.Sprintf("ok: %s", command))
	}
	return sctx.PID, nil
}

func (s *stubSoftcode) Compile(ctx context.Context, programID collab.EntityID, ch any) error {
	return fmt.Errorf("stubsoftcode: compile not supported")
}

func (s *stubSoftcode) Uncompile(ctx context.Context, programID collab.EntityID) error {
	return nil
}
