package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vworld/internal/auth"
	"vworld/internal/logging"
)

// PasswordVerifier is the subset of account storage the security
// collaborator needs: looking up a stored password hash by entity.
type PasswordVerifier interface {
	PasswordHash(ctx context.Context, entity EntityID) (string, error)
}

// SecurityCollaborator is a concrete Security implementation: argon2id
// password verification (via internal/auth) gates login, capabilities come
// from an in-memory grant table, and PopulateCapabilities also issues an
// HMAC JWT capability token, which it does not keep or return. Repeated
// checks are made cheap by the per-Context result cache.
type SecurityCollaborator struct {
	logger   *slog.Logger
	tokens   *auth.TokenService
	accounts PasswordVerifier

	mu           sync.RWMutex
	grants       map[EntityID][]Capability // static grant table, stand-in for policy evaluation
	resumeTokens map[string]resumeEntry     // sha256(token) -> session it resumes
}

type resumeEntry struct {
	session   EntityID
	expiresAt time.Time
}

// resumeTokenTTL bounds how long a dropped session can be resumed under
// its old entity identity before a reconnect is treated as brand new.
const resumeTokenTTL = 5 * time.Minute

// NewSecurityCollaborator builds a SecurityCollaborator. secret is the HMAC
// signing key for capability tokens; ttl is the lifetime written into each
// issued token (the agent enforces the ≈180s refresh independently).
func NewSecurityCollaborator(secret []byte, ttl time.Duration, accounts PasswordVerifier, logger *slog.Logger) *SecurityCollaborator {
	return &SecurityCollaborator{
		logger:       logging.Default(logger).With("component", "security"),
		tokens:       auth.NewTokenService(secret, ttl),
		accounts:     accounts,
		grants:       make(map[EntityID][]Capability),
		resumeTokens: make(map[string]resumeEntry),
	}
}

// IssueResumeToken generates an opaque token a dropped connection can
// present to reclaim the same session entity within resumeTokenTTL,
// mirroring the teacher's refresh-token issuance pattern.
func (s *SecurityCollaborator) IssueResumeToken(session EntityID) (string, error) {
	token, hash, err := auth.GenerateRefreshToken()
	if err != nil {
		return "", fmt.Errorf("security: generate resume token: %w", err)
	}
	s.mu.Lock()
	s.resumeTokens[hash] = resumeEntry{session: session, expiresAt: time.Now().Add(resumeTokenTTL)}
	s.mu.Unlock()
	return token, nil
}

// ResumeSession looks up the session a previously issued resume token
// belongs to, consuming it (a resume token is single use). The bool is
// false if the token is unknown, already used, or expired.
func (s *SecurityCollaborator) ResumeSession(token string) (EntityID, bool) {
	hash := auth.HashRefreshToken(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.resumeTokens[hash]
	if !ok {
		return EntityID{}, false
	}
	delete(s.resumeTokens, hash)
	if time.Now().After(entry.expiresAt) {
		return EntityID{}, false
	}
	return entry.session, true
}

// Grant statically grants capabilities to an entity. A real deployment
// would back this with the database collaborator's property store; this
// in-memory table is enough to exercise PopulateCapabilities and
// SecurityCheck without one.
func (s *SecurityCollaborator) Grant(entity EntityID, caps ...Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[entity] = caps
}

// VerifyPassword checks a plaintext password against the stored hash for entity.
func (s *SecurityCollaborator) VerifyPassword(ctx context.Context, entity EntityID, password string) (bool, error) {
	hash, err := s.accounts.PasswordHash(ctx, entity)
	if err != nil {
		return false, fmt.Errorf("security: lookup password hash: %w", err)
	}
	return auth.VerifyPassword(password, hash)
}

// PopulateCapabilities fills sctx.Capabilities from the requester's grant
// table and issues a fresh capability token, mirroring the original's
// populate_context_capabilities.
func (s *SecurityCollaborator) PopulateCapabilities(ctx context.Context, sctx *Context) error {
	s.mu.RLock()
	caps := append([]Capability(nil), s.grants[sctx.Requester]...)
	s.mu.RUnlock()

	sctx.Capabilities = make(map[Capability]bool, len(caps))
	for _, c := range caps {
		sctx.Capabilities[c] = true
	}

	if _, _, err := s.tokens.Issue(sctx.Requester.String(), capabilitiesToRole(caps)); err != nil {
		return fmt.Errorf("security: issue capability token: %w", err)
	}
	return nil
}

// SecurityCheck evaluates whether sctx's requester may perform operation
// against targets, consulting and then updating sctx's local result cache.
func (s *SecurityCollaborator) SecurityCheck(ctx context.Context, operation string, sctx *Context, targets ...EntityID) (bool, error) {
	key := cacheKey(operation, targets)
	if allowed, cached := sctx.Allows(key); cached {
		return allowed, nil
	}

	allowed := sctx.Mode == RunAsAdmin
	if !allowed {
		s.mu.RLock()
		for _, c := range s.grants[sctx.Requester] {
			if string(c) == operation {
				allowed = true
				break
			}
		}
		s.mu.RUnlock()
	}

	sctx.Cache(key, allowed)
	return allowed, nil
}

func cacheKey(operation string, targets []EntityID) string {
	key := operation
	for _, t := range targets {
		key += "|" + t.String()
	}
	return key
}

// capabilitiesToRole collapses a capability set into a coarse role string
// for the JWT's role claim; the full set still lives in sctx.Capabilities.
func capabilitiesToRole(caps []Capability) string {
	for _, c := range caps {
		if c == CapSendTextRoomUnrestricted {
			return "privileged"
		}
	}
	return "standard"
}
