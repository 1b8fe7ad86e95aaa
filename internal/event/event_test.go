package event

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestSubjectIsValidToken(t *testing.T) {
	s := Subject("auth0|user.with.dots")
	parts := strings.Split(s, ".")
	if len(parts) != 4 || parts[0] != "scriptstudio" || parts[3] != "changed" {
		t.Fatalf("Subject() = %q", s)
	}
	if Subject("a") == Subject("b") {
		t.Fatalf("distinct scopes share a subject")
	}
}

func TestDecodeDropsOwnEvents(t *testing.T) {
	raw, err := encode("me", ScriptsChanged{Scope: "alice", ScriptID: "s1", Reason: ReasonLiked})
	if err != nil {
		t.Fatalf("encode() error = %v", err)
	}
	if _, ok := decode("me", raw); ok {
		t.Fatalf("own event delivered")
	}
	ev, ok := decode("other", raw)
	if !ok || ev.ScriptID != "s1" || ev.Reason != ReasonLiked {
		t.Fatalf("decode() = %+v, %v", ev, ok)
	}
	if _, ok := decode("other", []byte(`{"type":"something.else"}`)); ok {
		t.Fatalf("foreign event type delivered")
	}
}

func TestDedupWindow(t *testing.T) {
	d := newDedup(time.Second)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	if !d.allow("k") {
		t.Fatalf("first event suppressed")
	}
	if d.allow("k") {
		t.Fatalf("repeat inside window allowed")
	}
	now = now.Add(time.Second)
	if !d.allow("k") {
		t.Fatalf("event after window suppressed")
	}
}

func TestHubDeliversToOtherInstances(t *testing.T) {
	hub := NewHub()
	a, b := hub.Bus(), hub.Bus()

	var gotA, gotB []ScriptsChanged
	unsubA, _ := a.Subscribe("alice", func(ev ScriptsChanged) { gotA = append(gotA, ev) })
	defer unsubA()
	unsubB, _ := b.Subscribe("alice", func(ev ScriptsChanged) { gotB = append(gotB, ev) })

	ev := ScriptsChanged{Scope: "alice", ScriptID: "s1", Reason: ReasonGenerated}
	if err := a.PublishScriptsChanged(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(gotA) != 0 || len(gotB) != 1 || gotB[0] != ev {
		t.Fatalf("gotA=%v gotB=%v", gotA, gotB)
	}

	_ = a.PublishScriptsChanged(context.Background(), ScriptsChanged{Scope: "bob", Reason: ReasonEdited})
	if len(gotB) != 1 {
		t.Fatalf("event for another scope delivered")
	}

	unsubB()
	_ = a.PublishScriptsChanged(context.Background(), ev)
	if len(gotB) != 1 {
		t.Fatalf("delivered after unsubscribe")
	}
}

func TestNewBusWithoutURLIsNoop(t *testing.T) {
	bus := NewBus(Options{})
	if _, ok := bus.(Noop); !ok {
		t.Fatalf("NewBus() = %T, want Noop", bus)
	}
	if err := bus.PublishScriptsChanged(context.Background(), ScriptsChanged{Scope: "a"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}
