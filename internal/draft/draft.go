// Package draft persists the script-creation wizard between visits.
//
// The draft is client-owned until a generation succeeds: every save replaces the whole
// snapshot, a reload restores it, and it is cleared exactly once after the backend
// confirms a successful generation. A failed generation never touches it.
package draft

import (
	"context"
	"errors"
	"log/slog"
	"time"

	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/RegistryAccord/scriptstudio-go/internal/model"
	"github.com/RegistryAccord/scriptstudio-go/internal/storage"
)

// Generator submits a completed draft to the backend.
type Generator interface {
	Generate(ctx context.Context, d model.Draft) (*model.ScriptRecord, error)
}

// Session is what a reload restores: the saved answers and, when a generation already
// succeeded, the script to show in the result view.
type Session struct {
	Draft  model.Draft         `json:"draft"`
	Result *model.ScriptRecord `json:"result,omitempty"`
}

// InResultView reports whether the flow should open on the generated script.
func (s Session) InResultView() bool { return s.Result != nil }

// Manager reads and writes drafts for the current scope.
type Manager struct {
	store  storage.Store
	scope  func() string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock replaces time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager returns a manager over store. scope names the current user.
func NewManager(store storage.Store, scope func() string, opts ...Option) *Manager {
	m := &Manager{store: store, scope: scope, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save overwrites the stored draft with d.
func (m *Manager) Save(ctx context.Context, d model.Draft) error {
	scope, err := m.currentScope()
	if err != nil {
		return err
	}
	if d.Fields == nil {
		d.Fields = map[string]interface{}{}
	}
	d.UpdatedAt = m.now().UTC()
	return m.store.PutDraft(ctx, scope, d)
}

// Load returns the stored draft and result. Missing values are not errors: an empty
// draft and no result mean a fresh brief.
func (m *Manager) Load(ctx context.Context) (Session, error) {
	scope, err := m.currentScope()
	if err != nil {
		return Session{}, err
	}
	var s Session
	d, err := m.store.GetDraft(ctx, scope)
	switch {
	case err == nil:
		s.Draft = d
	case errors.Is(err, storage.ErrNotFound):
		s.Draft = model.Draft{Fields: map[string]interface{}{}}
	default:
		return Session{}, err
	}

	rec, err := m.store.GetArtifact(ctx, scope)
	switch {
	case err == nil:
		s.Result = &rec
	case errors.Is(err, storage.ErrNotFound):
	default:
		return Session{}, err
	}
	return s, nil
}

// Clear removes the stored draft.
func (m *Manager) Clear(ctx context.Context) error {
	scope, err := m.currentScope()
	if err != nil {
		return err
	}
	return m.store.DeleteDraft(ctx, scope)
}

// Reset starts a new brief: both the draft and the result are removed.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.Clear(ctx); err != nil {
		return err
	}
	scope, err := m.currentScope()
	if err != nil {
		return err
	}
	return m.store.DeleteArtifact(ctx, scope)
}

// Submit saves d, sends it to gen and, only when the backend reports success, clears the
// draft and stores the generated script as the result. On failure the saved draft is
// left for the user to retry.
func (m *Manager) Submit(ctx context.Context, d model.Draft, gen Generator) (*model.ScriptRecord, error) {
	if d.IsEmpty() {
		return nil, errordefs.New(errordefs.BAD_REQUEST, "draft has no answers", "")
	}
	if err := m.Save(ctx, d); err != nil {
		return nil, err
	}

	rec, err := gen.Generate(ctx, d)
	if err != nil {
		m.logger.Warn("generation failed, draft kept", "scope", m.scope(), "error", err)
		return nil, err
	}
	if rec == nil {
		return nil, errordefs.New(errordefs.MALFORMED_RESPONSE, "generation succeeded without a script", "")
	}

	if err := m.Clear(ctx); err != nil {
		// The script exists on the backend; a stale draft is the lesser problem.
		m.logger.Error("failed to clear draft after generation", "script_id", rec.ID, "error", err)
	}
	if scope, err := m.currentScope(); err == nil {
		if err := m.store.PutArtifact(ctx, scope, *rec); err != nil {
			m.logger.Error("failed to store generated script", "script_id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

func (m *Manager) currentScope() (string, error) {
	scope := m.scope()
	if scope == "" {
		return "", errordefs.New(errordefs.AUTH_REQUIRED, "drafts require a signed-in session", "")
	}
	return scope, nil
}
