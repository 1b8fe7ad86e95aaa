// Package cache provides the TTL cache shared by every view of the script hierarchy.
//
// A Cache holds one entry per key. Reads are served from the entry while it is fresh;
// otherwise the caller's fetcher runs and a successful result replaces the entry's data
// and timestamp together under the cache mutex. A failed fetch never touches the entry:
// callers keep the last good data and get the error beside it.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/RegistryAccord/scriptstudio-go/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Signal is an opaque refresh token. An entry populated under one signal is stale for
// any other signal.
type Signal uint64

// Fetcher loads fresh data for a key.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Ordering decides which of several overlapping fetches ends up in the entry.
type Ordering int

const (
	// CompletionOrder lets whichever fetch completes last overwrite the entry.
	CompletionOrder Ordering = iota
	// IssueOrder drops a completion when a fetch issued after it has already been applied.
	IssueOrder
)

// ParseOrdering maps a configuration value to an Ordering.
func ParseOrdering(s string) (Ordering, error) {
	switch s {
	case "", "completion":
		return CompletionOrder, nil
	case "issue":
		return IssueOrder, nil
	default:
		return CompletionOrder, fmt.Errorf("unknown cache ordering %q", s)
	}
}

// Result is what a read returns.
type Result[T any] struct {
	Data      T
	Timestamp time.Time
	HasData   bool  // false until a fetch has succeeded since the last Clear
	Hit       bool  // served without invoking the fetcher
	Loading   bool  // a fetch for the key is outstanding (Peek only)
	Err       error // fetch error; Data still holds the last good value
}

type entry[T any] struct {
	data        T
	hasData     bool
	timestamp   time.Time
	signal      Signal
	invalidated bool
	issued      uint64
	applied     uint64
	inflight    int
}

// Cache is a keyed TTL cache. The zero value is not usable; construct with New.
type Cache[T any] struct {
	name string

	mu         sync.Mutex
	entries    map[string]*entry[T]
	generation uint64

	flight   *singleflight.Group
	now      func() time.Time
	ordering Ordering
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type options struct {
	now      func() time.Time
	ordering Ordering
	coalesce bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Cache.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithOrdering selects the overlapping-fetch policy.
func WithOrdering(ord Ordering) Option { return func(o *options) { o.ordering = ord } }

// WithCoalescing makes concurrent misses for the same key and signal share one fetch.
func WithCoalescing() Option { return func(o *options) { o.coalesce = true } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// New creates a cache. name labels logs and metrics.
func New[T any](name string, opts ...Option) *Cache[T] {
	o := options{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[T]{
		name:     name,
		entries:  make(map[string]*entry[T]),
		now:      o.now,
		ordering: o.ordering,
		logger:   o.logger,
		metrics:  o.metrics,
	}
	if o.coalesce {
		c.flight = &singleflight.Group{}
	}
	return c
}

// GetOrFetch returns the entry for key, invoking fetch when the entry is missing, older
// than ttl, invalidated, or populated under a different signal.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, signal Signal, fetch Fetcher[T]) Result[T] {
	c.mu.Lock()
	e := c.entryLocked(key)
	if c.freshLocked(e, ttl, signal) {
		res := Result[T]{Data: e.data, Timestamp: e.timestamp, HasData: e.hasData, Hit: true}
		c.mu.Unlock()
		c.count("hit")
		return res
	}
	c.mu.Unlock()

	if c.flight == nil {
		return c.fetch(ctx, key, signal, fetch)
	}
	v, _, _ := c.flight.Do(fmt.Sprintf("%s#%d", key, signal), func() (interface{}, error) {
		return c.fetch(ctx, key, signal, fetch), nil
	})
	return v.(Result[T])
}

func (c *Cache[T]) fetch(ctx context.Context, key string, signal Signal, fetch Fetcher[T]) Result[T] {
	c.mu.Lock()
	e := c.entryLocked(key)
	e.issued++
	seq := e.issued
	gen := c.generation
	e.inflight++
	c.mu.Unlock()
	c.count("miss")

	start := c.now()
	data, err := fetch(ctx)
	if c.metrics != nil {
		c.metrics.CacheFetchDuration.WithLabelValues(c.name, metrics.Status(err)).Observe(c.now().Sub(start).Seconds())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.inflight--

	if err != nil {
		c.count("error")
		c.logger.Warn("cache fetch failed, serving last good data",
			"cache", c.name, "key", key, "has_data", e.hasData, "error", err)
		return Result[T]{Data: e.data, Timestamp: e.timestamp, HasData: e.hasData, Err: err}
	}

	if gen != c.generation || (c.ordering == IssueOrder && seq < e.applied) {
		c.count("stale_write_ignored")
		c.logger.Debug("cache write superseded",
			"cache", c.name, "key", key, "code", errordefs.STALE_WRITE_IGNORED, "seq", seq, "applied", e.applied)
		return Result[T]{Data: e.data, Timestamp: e.timestamp, HasData: e.hasData}
	}

	e.data = data
	e.hasData = true
	e.timestamp = c.now()
	e.signal = signal
	e.invalidated = false
	e.applied = seq
	return Result[T]{Data: e.data, Timestamp: e.timestamp, HasData: true}
}

// Peek returns the current entry without fetching.
func (c *Cache[T]) Peek(key string) Result[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Result[T]{}
	}
	return Result[T]{Data: e.data, Timestamp: e.timestamp, HasData: e.hasData, Loading: e.inflight > 0}
}

// Invalidate marks key stale while keeping its data for read-through on failure.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.invalidated = true
	}
}

// InvalidateAll marks every entry stale.
func (c *Cache[T]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.invalidated = true
	}
}

// Clear resets every entry to an empty value stamped at the Unix epoch. Fetches that
// started before the clear complete without writing.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	var zero T
	for _, e := range c.entries {
		e.data = zero
		e.hasData = false
		e.timestamp = time.Unix(0, 0)
		e.invalidated = true
	}
}

func (c *Cache[T]) entryLocked(key string) *entry[T] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{}
		c.entries[key] = e
	}
	return e
}

func (c *Cache[T]) freshLocked(e *entry[T], ttl time.Duration, signal Signal) bool {
	if !e.hasData || e.invalidated || e.signal != signal || ttl <= 0 {
		return false
	}
	return c.now().Sub(e.timestamp) < ttl
}

func (c *Cache[T]) count(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookupTotal.WithLabelValues(c.name, result).Inc()
	}
}
