package collab

import "context"

// Entity is the minimal entity-metadata shape the agent subsystem reads
// from the database collaborator. The full entity/property model is out of
// CORE scope; this is enough surface for action resolution and redirects.
type Entity struct {
	ID    EntityID
	Type  string
	Name  string
	Owner EntityID
}

// Database is the entity-model collaborator. The scheduler itself never
// calls this; only the agent subsystem does.
type Database interface {
	GetEntity(ctx context.Context, id EntityID) (Entity, error)
	Find(ctx context.Context, site uint32, typ string, owner EntityID, namePrefix string) ([]Entity, error)
	NewEntity(ctx context.Context, typ string, site uint32, owner EntityID, name string) (EntityID, error)
	GetProperty(ctx context.Context, id EntityID, path string) (any, error)
	SetProperty(ctx context.Context, id EntityID, path string, value any) error
}

// RunAsMode selects whose permissions a security context checks against.
type RunAsMode int

const (
	RunAsRequester RunAsMode = iota
	RunAsAdmin
	RunAsOther
)

// Context carries the requester, the program being run (if any), the PID,
// the run-as mode, and a small cache of prior security_check results so
// repeated checks against the same operation/target are cheap.
type Context struct {
	Requester EntityID
	Program   EntityID
	PID       uint64
	Mode      RunAsMode

	Capabilities map[Capability]bool

	cache map[string]bool
}

// Allows reports a cached prior security_check result for key, if any.
func (c *Context) Allows(key string) (allowed, cached bool) {
	if c.cache == nil {
		return false, false
	}
	allowed, cached = c.cache[key]
	return allowed, cached
}

// Cache records a security_check result for key.
func (c *Context) Cache(key string, allowed bool) {
	if c.cache == nil {
		c.cache = make(map[string]bool)
	}
	c.cache[key] = allowed
}

// HasCapability reports whether the context carries the given capability.
func (c *Context) HasCapability(cap Capability) bool {
	return c.Capabilities[cap]
}

// Security is the security-policy collaborator: access checks and
// capability population. Policy evaluation itself is out of CORE scope.
type Security interface {
	SecurityCheck(ctx context.Context, operation string, sctx *Context, targets ...EntityID) (bool, error)
	PopulateCapabilities(ctx context.Context, sctx *Context) error
}

// Softcode is the program-execution collaborator: the scheduler only ever
// sees the opaque process it returns. Languages self-register with the
// concrete implementation; CORE code depends only on this interface.
type Softcode interface {
	MakeProcess(ctx context.Context, sctx *Context, command string, args []string, out, in any) (uint64, error)
	Compile(ctx context.Context, programID EntityID, ch any) error
	Uncompile(ctx context.Context, programID EntityID) error
}

// SessionStats reports per-session transport statistics.
type SessionStats struct {
	EnhancedClient bool // gates whether the session's agent may open data channels.
}

// Communication is the wire-transport collaborator: session registration
// and teardown. Wire framing itself (websocket/telnet) is out of CORE scope
// beyond this interface.
type Communication interface {
	AddChannel(ctx context.Context, session EntityID, ch any, directionToClient bool) error
	DisconnectSession(ctx context.Context, session EntityID) error
	Stats(ctx context.Context, session EntityID) (SessionStats, error)
}
