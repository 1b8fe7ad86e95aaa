// Package event carries cache invalidation notices between studio instances.
//
// When one instance confirms a write (generation, regeneration, edit, like) it publishes
// a scripts-changed event for the user's scope; other instances of the same user
// invalidate their caches when they receive it. Delivery is best-effort: a missing bus
// only means other instances refresh on their TTL instead.
package event

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RegistryAccord/scriptstudio-go/internal/metrics"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Change reasons.
const (
	ReasonGenerated   = "generated"
	ReasonRegenerated = "regenerated"
	ReasonEdited      = "edited"
	ReasonLiked       = "liked"
)

// ScriptsChanged says that the script list of a scope is out of date.
type ScriptsChanged struct {
	Scope    string `json:"scope"`
	ScriptID string `json:"scriptId,omitempty"`
	Reason   string `json:"reason"`
}

// Handler receives events published by other instances.
type Handler func(ScriptsChanged)

// Bus publishes and receives invalidation events.
type Bus interface {
	PublishScriptsChanged(ctx context.Context, ev ScriptsChanged) error
	// Subscribe delivers events for scope until the returned function is called.
	Subscribe(scope string, h Handler) (func(), error)
	Close() error
}

// Envelope is the wire format of every event.
type Envelope struct {
	Type          string         `json:"type"`
	Version       string         `json:"version"`
	OccurredAt    time.Time      `json:"occurredAt"`
	CorrelationID string         `json:"correlationId"`
	Origin        string         `json:"origin"`
	Payload       ScriptsChanged `json:"payload"`
}

const (
	eventType    = "scriptstudio.scripts.changed"
	eventVersion = "1.0.0"
	streamName   = "STUDIO_SCRIPTS"
)

// Subject returns the NATS subject for a scope. Scopes are hashed so that any subject
// claim is a valid subject token.
func Subject(scope string) string {
	sum := sha256.Sum256([]byte(scope))
	return fmt.Sprintf("scriptstudio.scripts.%s.changed", hex.EncodeToString(sum[:12]))
}

// Noop is a Bus that drops every event.
type Noop struct{}

// PublishScriptsChanged implements Bus.
func (Noop) PublishScriptsChanged(ctx context.Context, ev ScriptsChanged) error { return nil }

// Subscribe implements Bus.
func (Noop) Subscribe(scope string, h Handler) (func(), error) { return func() {}, nil }

// Close implements Bus.
func (Noop) Close() error { return nil }

// dedup suppresses repeats of the same event within a window.
type dedup struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedup(window time.Duration) *dedup {
	return &dedup{window: window, now: time.Now, seen: make(map[string]time.Time)}
}

// allow reports whether key may be published and records it when it may.
func (d *dedup) allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	cutoff := now.Add(-5 * d.window)
	for k, t := range d.seen {
		if t.Before(cutoff) {
			delete(d.seen, k)
		}
	}
	d.seen[key] = now
	return true
}

func dedupKey(ev ScriptsChanged) string {
	return ev.Scope + "\x00" + ev.ScriptID + "\x00" + ev.Reason
}

// natsBus publishes through JetStream and receives through core subscriptions.
type natsBus struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	origin  string
	dedup   *dedup
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Options configures NewBus.
type Options struct {
	URL         string
	DedupWindow time.Duration
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// NewBus connects to NATS. An empty URL, or any connection failure, yields a Noop bus.
func NewBus(opts Options) Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.URL == "" {
		return Noop{}
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = 2 * time.Second
	}

	nc, err := nats.Connect(opts.URL, nats.Name("scriptstudio"))
	if err != nil {
		logger.Warn("NATS connect failed, using noop bus", "error", err)
		return Noop{}
	}
	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("NATS JetStream context creation failed, using noop bus", "error", err)
		nc.Close()
		return Noop{}
	}
	if err := initStream(js); err != nil {
		logger.Warn("NATS stream initialization failed, using noop bus", "error", err)
		nc.Close()
		return Noop{}
	}

	return &natsBus{
		nc:      nc,
		js:      js,
		origin:  uuid.NewString(),
		dedup:   newDedup(window),
		logger:  logger,
		metrics: opts.Metrics,
	}
}

func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"scriptstudio.scripts.*.changed"},
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.MemoryStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create %s stream: %w", streamName, err)
	}
	return nil
}

func (b *natsBus) PublishScriptsChanged(ctx context.Context, ev ScriptsChanged) error {
	if !b.dedup.allow(dedupKey(ev)) {
		return nil
	}
	raw, err := encode(b.origin, ev)
	if err != nil {
		return err
	}
	_, err = b.js.Publish(Subject(ev.Scope), raw, nats.Context(ctx))
	b.count("published", err)
	return err
}

func (b *natsBus) Subscribe(scope string, h Handler) (func(), error) {
	sub, err := b.nc.Subscribe(Subject(scope), func(msg *nats.Msg) {
		ev, ok := decode(b.origin, msg.Data)
		if !ok {
			return
		}
		b.count("received", nil)
		h(ev)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe failed", "error", err)
		}
	}, nil
}

func (b *natsBus) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

func (b *natsBus) count(direction string, err error) {
	if b.metrics != nil {
		b.metrics.InvalidationTotal.WithLabelValues(direction, metrics.Status(err)).Inc()
	}
}

func encode(origin string, ev ScriptsChanged) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:          eventType,
		Version:       eventVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		Origin:        origin,
		Payload:       ev,
	})
}

// decode parses an envelope and drops events this instance published itself.
func decode(origin string, raw []byte) (ScriptsChanged, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != eventType {
		return ScriptsChanged{}, false
	}
	if env.Origin == origin {
		return ScriptsChanged{}, false
	}
	return env.Payload, true
}
