package collab

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"vworld/internal/auth"
)

type fakeAccounts struct {
	hash string
}

func (f fakeAccounts) PasswordHash(ctx context.Context, entity EntityID) (string, error) {
	return f.hash, nil
}

func newTestSecurity(t *testing.T) (*SecurityCollaborator, EntityID) {
	t.Helper()
	hash, err := auth.HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	sec := NewSecurityCollaborator([]byte("test-secret"), time.Minute, fakeAccounts{hash: hash}, nil)
	entity := EntityID{Site: 1, Entity: uuid.New()}
	return sec, entity
}

func TestVerifyPassword(t *testing.T) {
	sec, entity := newTestSecurity(t)

	ok, err := sec.VerifyPassword(context.Background(), entity, "correct horse")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected correct password to verify")
	}

	ok, err = sec.VerifyPassword(context.Background(), entity, "wrong")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected wrong password to fail verification")
	}
}

func TestPopulateAndCheckCapabilities(t *testing.T) {
	sec, entity := newTestSecurity(t)
	sec.Grant(entity, CapSendTextRoomUnrestricted)

	sctx := &Context{Requester: entity, Mode: RunAsRequester}
	if err := sec.PopulateCapabilities(context.Background(), sctx); err != nil {
		t.Fatalf("populate: %v", err)
	}
	if !sctx.Capabilities[CapSendTextRoomUnrestricted] {
		t.Fatal("expected granted capability to be populated")
	}

	allowed, err := sec.SecurityCheck(context.Background(), string(CapSendTextRoomUnrestricted), sctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !allowed {
		t.Fatal("expected granted operation to be allowed")
	}

	denied, err := sec.SecurityCheck(context.Background(), "some-unrelated-op", sctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if denied {
		t.Fatal("expected ungranted operation to be denied")
	}
}

func TestResumeTokenRoundTrip(t *testing.T) {
	sec, entity := newTestSecurity(t)

	token, err := sec.IssueResumeToken(entity)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	resumed, ok := sec.ResumeSession(token)
	if !ok {
		t.Fatal("expected fresh token to resume")
	}
	if resumed != entity {
		t.Fatalf("resumed %v, want %v", resumed, entity)
	}

	if _, ok := sec.ResumeSession(token); ok {
		t.Fatal("expected resume token to be single-use")
	}
}

func TestResumeTokenExpired(t *testing.T) {
	sec, entity := newTestSecurity(t)
	token, err := sec.IssueResumeToken(entity)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	sec.mu.Lock()
	for hash, entry := range sec.resumeTokens {
		entry.expiresAt = time.Now().Add(-time.Second)
		sec.resumeTokens[hash] = entry
	}
	sec.mu.Unlock()

	if _, ok := sec.ResumeSession(token); ok {
		t.Fatal("expected expired token to be rejected")
	}
}
