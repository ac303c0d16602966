package collab

import (
	"context"
	"sort"
	"testing"

	"github.com/google/uuid"
)

func TestSetGetRoundTrip(t *testing.T) {
	store, err := NewDocumentStore(nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	entity := EntityID{Site: 1, Entity: uuid.New()}

	if err := store.Set(context.Background(), entity, "prog.sc", "say hello"); err != nil {
		t.Fatalf("set: %v", err)
	}
	content, ok, err := store.Get(context.Background(), entity, "prog.sc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || content != "say hello" {
		t.Fatalf("got (%q, %v), want (%q, true)", content, ok, "say hello")
	}

	if _, ok, err := store.Get(context.Background(), entity, "missing.sc"); err != nil || ok {
		t.Fatalf("expected missing document to report ok=false, got ok=%v err=%v", ok, err)
	}
}

func TestAppendAccumulates(t *testing.T) {
	store, err := NewDocumentStore(nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	entity := EntityID{Site: 1, Entity: uuid.New()}

	w := NewDocumentWriter(store, entity, "log.txt")
	if err := w.Write("line one"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write("line two"); err != nil {
		t.Fatalf("write: %v", err)
	}

	content, ok, err := store.Get(context.Background(), entity, "log.txt")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if content != "line one\nline two\n" {
		t.Fatalf("got %q", content)
	}
}

func TestFindMatchesGlobWithinEntityOnly(t *testing.T) {
	store, err := NewDocumentStore(nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mine := EntityID{Site: 1, Entity: uuid.New()}
	other := EntityID{Site: 1, Entity: uuid.New()}

	for _, p := range []string{"lib/greet.sc", "lib/util/math.sc", "top.sc"} {
		if err := store.Set(context.Background(), mine, p, ""); err != nil {
			t.Fatalf("set %s: %v", p, err)
		}
	}
	if err := store.Set(context.Background(), other, "lib/greet.sc", ""); err != nil {
		t.Fatalf("set other: %v", err)
	}

	matches, err := store.Find(context.Background(), mine, "lib/**")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	sort.Strings(matches)
	want := []string{"lib/greet.sc", "lib/util/math.sc"}
	if len(matches) != len(want) {
		t.Fatalf("got %v, want %v", matches, want)
	}
	for i := range want {
		if matches[i] != want[i] {
			t.Fatalf("got %v, want %v", matches, want)
		}
	}
}
