// Package chain manages the version history of a single script.
//
// A Chain moves through Unloaded -> Loading -> Loaded -> Regenerating -> Loaded. Its
// mutex guards only in-memory transitions and is never held across a backend call, so
// snapshots stay readable while a regeneration is running.
package chain

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/RegistryAccord/scriptstudio-go/internal/metrics"
	"github.com/RegistryAccord/scriptstudio-go/internal/model"
	"github.com/RegistryAccord/scriptstudio-go/internal/storage"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is the lifecycle state of a chain.
type State string

const (
	Unloaded     State = "unloaded"
	Loading      State = "loading"
	Loaded       State = "loaded"
	Regenerating State = "regenerating"
)

// Backend is the subset of the collaborator a chain needs.
type Backend interface {
	GetScript(ctx context.Context, id string) (*model.ScriptDetail, error)
	Regenerate(ctx context.Context, id, instructions string) (*model.ScriptDetail, error)
	SetLiked(ctx context.Context, id string, liked bool) error
	UpdateScript(ctx context.Context, id, content string) error
}

// EventKind names a local write that changed backend state.
type EventKind string

const (
	EventRegenerated EventKind = "regenerated"
	EventLiked       EventKind = "liked"
	EventEdited      EventKind = "edited"
)

// Event is reported to the manager's observer after a confirmed write.
type Event struct {
	ScriptID  string
	VersionID string
	Kind      EventKind
}

// Snapshot is a consistent copy of a chain's state.
type Snapshot struct {
	ID       string                      `json:"id"`
	State    State                       `json:"state"`
	Versions []model.ScriptVersion       `json:"versions"`
	Current  int                         `json:"currentVersion"` // 1-based; 0 when empty
	Audit    []model.RegenerationRequest `json:"regenerationRequests"`
	Err      error                       `json:"-"`
}

// CurrentVersion returns the selected version, if any.
func (s Snapshot) CurrentVersion() (model.ScriptVersion, bool) {
	if s.Current < 1 || s.Current > len(s.Versions) {
		return model.ScriptVersion{}, false
	}
	return s.Versions[s.Current-1], true
}

// Chain is the version history of one script.
type Chain struct {
	id string
	m  *Manager

	mu       sync.Mutex
	state    State
	versions []model.ScriptRecord
	current  int // index into versions
	audit    []model.RegenerationRequest
	err      error
	loading  chan struct{}
}

func newChain(id string, m *Manager) *Chain {
	return &Chain{id: id, m: m, state: Unloaded}
}

// ID returns the script id the chain was opened with.
func (c *Chain) ID() string { return c.id }

// Snapshot returns a copy of the current state.
func (c *Chain) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Chain) snapshotLocked() Snapshot {
	s := Snapshot{ID: c.id, State: c.state, Err: c.err}
	s.Versions = make([]model.ScriptVersion, len(c.versions))
	for i, r := range c.versions {
		s.Versions[i] = model.ScriptVersion{Number: i + 1, Record: r.Clone()}
	}
	if len(c.versions) > 0 {
		s.Current = c.current + 1
	}
	s.Audit = append([]model.RegenerationRequest(nil), c.audit...)
	return s
}

// Load fetches the chain when it is not loaded yet. Concurrent callers share one fetch.
// A failed load returns the chain to Unloaded with the error recorded.
func (c *Chain) Load(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Loaded, Regenerating:
		c.mu.Unlock()
		return nil
	case Loading:
		wait := c.loading
		c.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == Unloaded {
			return c.err
		}
		return nil
	}
	c.state = Loading
	c.loading = make(chan struct{})
	done := c.loading
	c.mu.Unlock()
	defer close(done)

	ctx, span := c.m.tracer().Start(ctx, "chain.load", trace.WithAttributes(attribute.String("script_id", c.id)))
	defer span.End()

	versions, err := c.fetch(ctx)
	c.m.observe("load", err)
	if err == nil {
		versions = c.m.applyWorkingCopy(ctx, c.id, versions)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.state = Unloaded
		c.err = err
		return err
	}
	c.versions = versions
	c.current = len(c.versions) - 1
	c.state = Loaded
	c.err = nil
	return nil
}

// Refresh re-fetches a loaded chain. The refreshed history is accepted only when it
// extends the loaded one without reordering it.
func (c *Chain) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Loaded {
		state := c.state
		c.mu.Unlock()
		if state == Unloaded {
			return c.Load(ctx)
		}
		return nil
	}
	c.mu.Unlock()

	versions, err := c.fetch(ctx)
	c.m.observe("refresh", err)
	if err == nil {
		versions = c.m.applyWorkingCopy(ctx, c.id, versions)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.err = err
		return err
	}
	if c.state != Loaded {
		return nil
	}
	if !extends(c.versions, versions) {
		c.m.logger.Warn("refreshed chain does not extend loaded history, keeping local copy",
			"script_id", c.id, "loaded", len(c.versions), "refreshed", len(versions))
		return nil
	}
	atNewest := c.current == len(c.versions)-1
	c.versions = versions
	if atNewest {
		c.current = len(c.versions) - 1
	}
	c.err = nil
	return nil
}

func (c *Chain) fetch(ctx context.Context) ([]model.ScriptRecord, error) {
	detail, err := c.m.backend.GetScript(ctx, c.id)
	if err != nil {
		return nil, err
	}
	if len(detail.Versions) > 0 {
		return cloneAll(detail.Versions), nil
	}
	return []model.ScriptRecord{detail.ScriptRecord.Clone()}, nil
}

// Select makes version number (1-based) the current version.
func (c *Chain) Select(number int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Loaded && c.state != Regenerating {
		return errordefs.New(errordefs.CHAIN_NOT_LOADED, "chain is not loaded", "")
	}
	if number < 1 || number > len(c.versions) {
		return errordefs.New(errordefs.NOT_FOUND, "no such version", "")
	}
	c.current = number - 1
	return nil
}

// Regenerate asks the backend for a new version built from instructions. The audit entry
// is recorded before the request. On failure the versions are left exactly as they were
// and the entry is marked failed.
func (c *Chain) Regenerate(ctx context.Context, instructions string) (Snapshot, error) {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return c.Snapshot(), errordefs.New(errordefs.BAD_REQUEST, "regeneration instructions are required", "")
	}

	c.mu.Lock()
	switch c.state {
	case Regenerating:
		c.mu.Unlock()
		return c.Snapshot(), errordefs.New(errordefs.REGENERATION_IN_FLIGHT, "a regeneration is already running for this script", "")
	case Unloaded, Loading:
		c.mu.Unlock()
		return c.Snapshot(), errordefs.New(errordefs.CHAIN_NOT_LOADED, "chain is not loaded", "")
	}
	entry := model.RegenerationRequest{
		ID:        ulid.Make().String(),
		Content:   instructions,
		Timestamp: c.m.now().UTC(),
		Outcome:   model.RegenerationPending,
	}
	c.audit = append(c.audit, entry)
	auditIdx := len(c.audit) - 1
	prefix := cloneAll(c.versions)
	c.state = Regenerating
	c.err = nil
	c.mu.Unlock()

	ctx, span := c.m.tracer().Start(ctx, "chain.regenerate", trace.WithAttributes(
		attribute.String("script_id", c.id), attribute.Int("versions", len(prefix))))
	defer span.End()

	versions, err := c.regenerate(ctx, prefix, instructions)
	c.m.observe("regenerate", err)

	c.mu.Lock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.audit[auditIdx].Outcome = model.RegenerationFailed
		c.audit[auditIdx].Error = err.Error()
		c.state = Loaded
		c.err = err
		snap := c.snapshotLocked()
		c.mu.Unlock()
		c.m.logger.Warn("regeneration failed", "script_id", c.id, "error", err)
		return snap, err
	}
	// Likes applied while the request was running survive the swap.
	for i := range prefix {
		if i < len(versions) && i < len(c.versions) && versions[i].ID == c.versions[i].ID {
			versions[i].Liked = c.versions[i].Liked
		}
	}
	c.versions = versions
	c.current = len(versions) - 1
	c.audit[auditIdx].Outcome = model.RegenerationSucceeded
	c.state = Loaded
	snap := c.snapshotLocked()
	newest := versions[len(versions)-1].ID
	c.mu.Unlock()

	c.m.notify(Event{ScriptID: c.id, VersionID: newest, Kind: EventRegenerated})
	return snap, nil
}

// regenerate resolves the post-regeneration history: the full chain when the backend
// returned one, else a refetched chain, else the loaded chain plus the returned record.
func (c *Chain) regenerate(ctx context.Context, prefix []model.ScriptRecord, instructions string) ([]model.ScriptRecord, error) {
	detail, err := c.m.backend.Regenerate(ctx, c.id, instructions)
	if err != nil {
		return nil, err
	}
	if detail != nil && len(detail.Versions) > len(prefix) && extends(prefix, detail.Versions) {
		return cloneAll(detail.Versions), nil
	}

	refetched, ferr := c.fetch(ctx)
	if ferr == nil && len(refetched) > len(prefix) && extends(prefix, refetched) {
		return refetched, nil
	}
	if ferr != nil {
		c.m.logger.Debug("chain refetch after regeneration failed", "script_id", c.id, "error", ferr)
	}

	if detail == nil || detail.ID == "" {
		return nil, errordefs.New(errordefs.MALFORMED_RESPONSE, "regeneration returned no new version", "")
	}
	next := detail.ScriptRecord.Clone()
	if next.RegenerationPrompt == "" {
		next.RegenerationPrompt = instructions
	}
	return append(prefix, next), nil
}

// SetLiked flips the like flag locally, confirms it with the backend and reverts the flip
// when the backend refuses. Setting the value a version already has is a no-op.
func (c *Chain) SetLiked(ctx context.Context, versionID string, liked bool) error {
	cmd, err := c.likeCommand(versionID, liked)
	if err != nil || cmd == nil {
		return err
	}
	cmd.apply()

	err = c.m.backend.SetLiked(ctx, versionID, liked)
	c.m.observe("like", err)
	if err != nil {
		cmd.rollback()
		return err
	}
	c.m.notify(Event{ScriptID: c.id, VersionID: versionID, Kind: EventLiked})
	return nil
}

// command is a tentative local change with its undo.
type command struct {
	apply    func()
	rollback func()
}

func (c *Chain) likeCommand(versionID string, liked bool) (*command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Loaded && c.state != Regenerating {
		return nil, errordefs.New(errordefs.CHAIN_NOT_LOADED, "chain is not loaded", "")
	}
	idx := c.indexLocked(versionID)
	if idx < 0 {
		return nil, errordefs.New(errordefs.NOT_FOUND, "no such version", "")
	}
	if c.versions[idx].IsLiked() == liked {
		return nil, nil
	}
	prev := c.versions[idx].Liked
	set := func(v *bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if i := c.indexLocked(versionID); i >= 0 {
			c.versions[i].Liked = v
		}
	}
	return &command{
		apply: func() { set(model.Bool(liked)) },
		rollback: func() {
			c.mu.Lock()
			i := c.indexLocked(versionID)
			stillOurs := i >= 0 && c.versions[i].IsLiked() == liked
			c.mu.Unlock()
			if stillOurs {
				set(prev)
			}
		},
	}, nil
}

// EditCurrent overwrites the content of the current version.
func (c *Chain) EditCurrent(ctx context.Context, content string) (bool, error) {
	c.mu.Lock()
	if len(c.versions) == 0 {
		c.mu.Unlock()
		return false, errordefs.New(errordefs.CHAIN_NOT_LOADED, "chain is not loaded", "")
	}
	id := c.versions[c.current].ID
	c.mu.Unlock()
	return c.EditVersion(ctx, id, content)
}

// EditVersion overwrites the content of versionID, which must be the newest version.
// The edit is applied locally and saved as a working copy before the backend is told;
// the returned flag reports whether the backend accepted it. A backend failure is not an
// error: the working copy is re-applied on the next load.
func (c *Chain) EditVersion(ctx context.Context, versionID, content string) (bool, error) {
	c.mu.Lock()
	switch c.state {
	case Regenerating:
		c.mu.Unlock()
		return false, errordefs.New(errordefs.REGENERATION_IN_FLIGHT, "a regeneration is running for this script", "")
	case Unloaded, Loading:
		c.mu.Unlock()
		return false, errordefs.New(errordefs.CHAIN_NOT_LOADED, "chain is not loaded", "")
	}
	idx := c.indexLocked(versionID)
	if idx < 0 {
		c.mu.Unlock()
		return false, errordefs.New(errordefs.NOT_FOUND, "no such version", "")
	}
	if idx != len(c.versions)-1 {
		c.mu.Unlock()
		return false, errordefs.New(errordefs.VERSION_IMMUTABLE, "only the newest version can be edited", "")
	}
	c.versions[idx].Content = content
	c.mu.Unlock()

	wc := model.WorkingCopy{ScriptID: c.id, VersionID: versionID, Content: content, SavedAt: c.m.now().UTC()}
	c.m.saveWorkingCopy(ctx, wc)

	err := c.m.backend.UpdateScript(ctx, versionID, content)
	c.m.observe("edit", err)
	if err != nil {
		c.m.logger.Warn("remote update failed, keeping working copy", "script_id", c.id, "version_id", versionID, "error", err)
		return false, nil
	}
	c.m.dropWorkingCopy(ctx, c.id)
	c.m.notify(Event{ScriptID: c.id, VersionID: versionID, Kind: EventEdited})
	return true, nil
}

func (c *Chain) indexLocked(versionID string) int {
	for i, v := range c.versions {
		if v.ID == versionID {
			return i
		}
	}
	return -1
}

// extends reports whether next keeps every id of prev in the same position.
func extends(prev, next []model.ScriptRecord) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if prev[i].ID != next[i].ID {
			return false
		}
	}
	return true
}

func cloneAll(in []model.ScriptRecord) []model.ScriptRecord {
	out := make([]model.ScriptRecord, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// Manager owns the open chains of the current session.
type Manager struct {
	backend  Backend
	store    storage.Store
	scope    func() string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	observer func(Event)

	mu     sync.Mutex
	chains map[string]*Chain
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists working copies under the scope returned by scope.
func WithStore(store storage.Store, scope func() string) Option {
	return func(m *Manager) {
		m.store = store
		m.scope = scope
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics counts chain transitions.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithClock replaces time.Now for audit timestamps.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithObserver is called after every confirmed write.
func WithObserver(fn func(Event)) Option { return func(m *Manager) { m.observer = fn } }

// NewManager creates a chain manager.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		logger:  slog.Default(),
		now:     time.Now,
		chains:  make(map[string]*Chain),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Chain returns the chain for id, creating an unloaded one on first use.
func (m *Manager) Chain(id string) *Chain {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[id]
	if !ok {
		c = newChain(id, m)
		m.chains[id] = c
	}
	return c
}

// Lookup returns the chain for id only if one is open.
func (m *Manager) Lookup(id string) (*Chain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[id]
	return c, ok
}

// Seed installs a loaded single-version chain for a freshly generated record.
func (m *Manager) Seed(rec model.ScriptRecord) *Chain {
	c := newChain(rec.ID, m)
	c.versions = []model.ScriptRecord{rec.Clone()}
	c.state = Loaded

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.chains[rec.ID]; ok && existing.Snapshot().State != Unloaded {
		return existing
	}
	m.chains[rec.ID] = c
	return c
}

// Forget drops the chain for id; the next Chain call starts unloaded.
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chains, id)
}

// Reset drops every chain.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = make(map[string]*Chain)
}

func (m *Manager) tracer() trace.Tracer { return otel.Tracer("scriptstudio/chain") }

func (m *Manager) observe(op string, err error) {
	if m.metrics != nil {
		m.metrics.ChainTransitionTotal.WithLabelValues(op, metrics.Status(err)).Inc()
	}
}

func (m *Manager) notify(ev Event) {
	if m.observer != nil {
		m.observer(ev)
	}
}

func (m *Manager) saveWorkingCopy(ctx context.Context, wc model.WorkingCopy) {
	if m.store == nil {
		return
	}
	if err := m.store.PutWorkingCopy(ctx, m.scope(), wc); err != nil {
		m.logger.Warn("failed to persist working copy", "script_id", wc.ScriptID, "error", err)
	}
}

func (m *Manager) dropWorkingCopy(ctx context.Context, scriptID string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteWorkingCopy(ctx, m.scope(), scriptID); err != nil {
		m.logger.Warn("failed to delete working copy", "script_id", scriptID, "error", err)
	}
}

// applyWorkingCopy overlays an unsynced edit onto the newest version it was made for.
// A working copy for a version that is no longer the newest is discarded.
func (m *Manager) applyWorkingCopy(ctx context.Context, scriptID string, versions []model.ScriptRecord) []model.ScriptRecord {
	if m.store == nil || len(versions) == 0 {
		return versions
	}
	wc, err := m.store.GetWorkingCopy(ctx, m.scope(), scriptID)
	if err != nil {
		return versions
	}
	last := len(versions) - 1
	if wc.VersionID != versions[last].ID || wc.Content == versions[last].Content {
		m.dropWorkingCopy(ctx, scriptID)
		return versions
	}
	versions[last].Content = wc.Content
	return versions
}
