package event

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Hub connects in-process buses, for several studios sharing one process and for tests.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[string]localSub // subject -> id -> subscription
}

type localSub struct {
	origin  string
	handler Handler
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]localSub)}
}

// Bus returns a new bus attached to the hub with its own origin.
func (h *Hub) Bus() Bus {
	return &localBus{hub: h, origin: uuid.NewString()}
}

type localBus struct {
	hub    *Hub
	origin string
}

func (b *localBus) PublishScriptsChanged(ctx context.Context, ev ScriptsChanged) error {
	raw, err := encode(b.origin, ev)
	if err != nil {
		return err
	}
	subject := Subject(ev.Scope)

	b.hub.mu.Lock()
	targets := make([]localSub, 0, len(b.hub.subs[subject]))
	for _, s := range b.hub.subs[subject] {
		targets = append(targets, s)
	}
	b.hub.mu.Unlock()

	for _, s := range targets {
		if got, ok := decode(s.origin, raw); ok {
			s.handler(got)
		}
	}
	return nil
}

func (b *localBus) Subscribe(scope string, h Handler) (func(), error) {
	subject := Subject(scope)
	id := uuid.NewString()

	b.hub.mu.Lock()
	if b.hub.subs[subject] == nil {
		b.hub.subs[subject] = make(map[string]localSub)
	}
	b.hub.subs[subject][id] = localSub{origin: b.origin, handler: h}
	b.hub.mu.Unlock()

	return func() {
		b.hub.mu.Lock()
		defer b.hub.mu.Unlock()
		delete(b.hub.subs[subject], id)
	}, nil
}

func (b *localBus) Close() error { return nil }
