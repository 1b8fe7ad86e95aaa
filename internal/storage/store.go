// Package storage persists client-owned state: the wizard draft, the current generated
// script artifact and working copies of edited versions. Every value is scoped by the
// session subject so two users sharing a store never see each other's drafts.
//
// Three backends share one document layout (scope, kind, key) -> JSON: an in-memory
// map for tests, SQLite for a single local process and PostgreSQL for shared hosts.
package storage

import (
	"context"
	"encoding/json"
	"errors"

	errordefs "github.com/RegistryAccord/scriptstudio-go/internal/errors"
	"github.com/RegistryAccord/scriptstudio-go/internal/metrics"
	"github.com/RegistryAccord/scriptstudio-go/internal/model"
)

// ErrNotFound is returned when no value is stored under the requested key.
var ErrNotFound = errors.New("not found")

// Store defines the persistence operations used by the draft and chain managers.
type Store interface {
	// Draft operations; one draft per scope, always written whole
	PutDraft(ctx context.Context, scope string, d model.Draft) error
	GetDraft(ctx context.Context, scope string) (model.Draft, error)
	DeleteDraft(ctx context.Context, scope string) error

	// Current generated script shown in the result view
	PutArtifact(ctx context.Context, scope string, r model.ScriptRecord) error
	GetArtifact(ctx context.Context, scope string) (model.ScriptRecord, error)
	DeleteArtifact(ctx context.Context, scope string) error

	// Working copies keyed by script id
	PutWorkingCopy(ctx context.Context, scope string, wc model.WorkingCopy) error
	GetWorkingCopy(ctx context.Context, scope, scriptID string) (model.WorkingCopy, error)
	DeleteWorkingCopy(ctx context.Context, scope, scriptID string) error

	Ping(ctx context.Context) error
	Close() error
}

// Document kinds.
const (
	kindDraft       = "draft"
	kindArtifact    = "artifact"
	kindWorkingCopy = "working_copy"
)

// singleton is the key for kinds that hold one value per scope.
const singleton = "current"

// documents is the raw key/value layer implemented by each backend.
type documents interface {
	put(ctx context.Context, scope, kind, key string, value []byte) error
	get(ctx context.Context, scope, kind, key string) ([]byte, error)
	del(ctx context.Context, scope, kind, key string) error
	ping(ctx context.Context) error
	close() error
}

// Option configures a store.
type Option func(*docStore)

// WithMetrics counts store operations.
func WithMetrics(m *metrics.Metrics) Option { return func(s *docStore) { s.metrics = m } }

// docStore implements Store over a documents backend.
type docStore struct {
	docs    documents
	metrics *metrics.Metrics
}

func newDocStore(docs documents, opts ...Option) *docStore {
	s := &docStore{docs: docs}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *docStore) PutDraft(ctx context.Context, scope string, d model.Draft) error {
	return s.put(ctx, "put_draft", scope, kindDraft, singleton, d)
}

func (s *docStore) GetDraft(ctx context.Context, scope string) (model.Draft, error) {
	var d model.Draft
	err := s.get(ctx, "get_draft", scope, kindDraft, singleton, &d)
	return d, err
}

func (s *docStore) DeleteDraft(ctx context.Context, scope string) error {
	return s.del(ctx, "delete_draft", scope, kindDraft, singleton)
}

func (s *docStore) PutArtifact(ctx context.Context, scope string, r model.ScriptRecord) error {
	return s.put(ctx, "put_artifact", scope, kindArtifact, singleton, r)
}

func (s *docStore) GetArtifact(ctx context.Context, scope string) (model.ScriptRecord, error) {
	var r model.ScriptRecord
	err := s.get(ctx, "get_artifact", scope, kindArtifact, singleton, &r)
	return r, err
}

func (s *docStore) DeleteArtifact(ctx context.Context, scope string) error {
	return s.del(ctx, "delete_artifact", scope, kindArtifact, singleton)
}

func (s *docStore) PutWorkingCopy(ctx context.Context, scope string, wc model.WorkingCopy) error {
	if wc.ScriptID == "" {
		return errordefs.New(errordefs.BAD_REQUEST, "working copy without script id", "")
	}
	return s.put(ctx, "put_working_copy", scope, kindWorkingCopy, wc.ScriptID, wc)
}

func (s *docStore) GetWorkingCopy(ctx context.Context, scope, scriptID string) (model.WorkingCopy, error) {
	var wc model.WorkingCopy
	err := s.get(ctx, "get_working_copy", scope, kindWorkingCopy, scriptID, &wc)
	return wc, err
}

func (s *docStore) DeleteWorkingCopy(ctx context.Context, scope, scriptID string) error {
	return s.del(ctx, "delete_working_copy", scope, kindWorkingCopy, scriptID)
}

func (s *docStore) Ping(ctx context.Context) error { return s.docs.ping(ctx) }

func (s *docStore) Close() error { return s.docs.close() }

func (s *docStore) put(ctx context.Context, op, scope, kind, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return s.observe(op, errordefs.Wrap(errordefs.STORAGE, "encode "+kind, err))
	}
	if err := s.docs.put(ctx, scope, kind, key, raw); err != nil {
		return s.observe(op, errordefs.Wrap(errordefs.STORAGE, "write "+kind, err))
	}
	return s.observe(op, nil)
}

func (s *docStore) get(ctx context.Context, op, scope, kind, key string, v interface{}) error {
	raw, err := s.docs.get(ctx, scope, kind, key)
	if errors.Is(err, ErrNotFound) {
		return s.observe(op, ErrNotFound)
	}
	if err != nil {
		return s.observe(op, errordefs.Wrap(errordefs.STORAGE, "read "+kind, err))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return s.observe(op, errordefs.Wrap(errordefs.STORAGE, "decode "+kind, err))
	}
	return s.observe(op, nil)
}

func (s *docStore) del(ctx context.Context, op, scope, kind, key string) error {
	if err := s.docs.del(ctx, scope, kind, key); err != nil {
		return s.observe(op, errordefs.Wrap(errordefs.STORAGE, "delete "+kind, err))
	}
	return s.observe(op, nil)
}

func (s *docStore) observe(op string, err error) error {
	if s.metrics != nil {
		status := metrics.Status(err)
		if errors.Is(err, ErrNotFound) {
			status = "not_found"
		}
		s.metrics.StoreOperationTotal.WithLabelValues(op, status).Inc()
	}
	return err
}
