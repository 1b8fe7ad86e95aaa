package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/RegistryAccord/scriptstudio-go/internal/model"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	lite, err := NewSQLite(filepath.Join(t.TempDir(), "studio.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { lite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": lite,
	}
}

func TestDraftRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetDraft(ctx, "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetDraft() on empty store error = %v, want ErrNotFound", err)
			}

			d := model.MergeSteps(2, map[string]interface{}{"brandName": "Acme"}, map[string]interface{}{"tone": "bold"})
			if err := s.PutDraft(ctx, "alice", d); err != nil {
				t.Fatalf("PutDraft() error = %v", err)
			}
			overwrite := model.MergeSteps(3, map[string]interface{}{"brandName": "Zen"})
			if err := s.PutDraft(ctx, "alice", overwrite); err != nil {
				t.Fatalf("PutDraft() overwrite error = %v", err)
			}

			got, err := s.GetDraft(ctx, "alice")
			if err != nil {
				t.Fatalf("GetDraft() error = %v", err)
			}
			if got.Step != 3 || got.Fields["brandName"] != "Zen" || got.Fields["tone"] != nil {
				t.Fatalf("draft not replaced whole: %+v", got)
			}

			if _, err := s.GetDraft(ctx, "bob"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("draft leaked across scopes: %v", err)
			}

			if err := s.DeleteDraft(ctx, "alice"); err != nil {
				t.Fatalf("DeleteDraft() error = %v", err)
			}
			if _, err := s.GetDraft(ctx, "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetDraft() after delete error = %v", err)
			}
			if err := s.DeleteDraft(ctx, "alice"); err != nil {
				t.Fatalf("second DeleteDraft() error = %v", err)
			}
		})
	}
}

func TestArtifactAndWorkingCopy(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec := model.ScriptRecord{ID: "s1", Content: "hello", CreatedAt: model.At(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))}
			if err := s.PutArtifact(ctx, "alice", rec); err != nil {
				t.Fatalf("PutArtifact() error = %v", err)
			}
			got, err := s.GetArtifact(ctx, "alice")
			if err != nil || got.ID != "s1" || !got.CreatedAt.Equal(rec.CreatedAt.Time) {
				t.Fatalf("GetArtifact() = %+v, %v", got, err)
			}
			if err := s.DeleteArtifact(ctx, "alice"); err != nil {
				t.Fatalf("DeleteArtifact() error = %v", err)
			}

			wc := model.WorkingCopy{ScriptID: "s1", VersionID: "v2", Content: "edited"}
			if err := s.PutWorkingCopy(ctx, "alice", wc); err != nil {
				t.Fatalf("PutWorkingCopy() error = %v", err)
			}
			gotWC, err := s.GetWorkingCopy(ctx, "alice", "s1")
			if err != nil || gotWC.Content != "edited" || gotWC.VersionID != "v2" {
				t.Fatalf("GetWorkingCopy() = %+v, %v", gotWC, err)
			}
			if _, err := s.GetWorkingCopy(ctx, "alice", "other"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetWorkingCopy(other) error = %v", err)
			}
			if err := s.DeleteWorkingCopy(ctx, "alice", "s1"); err != nil {
				t.Fatalf("DeleteWorkingCopy() error = %v", err)
			}
			if err := s.PutWorkingCopy(ctx, "alice", model.WorkingCopy{}); err == nil {
				t.Fatalf("PutWorkingCopy() without script id succeeded")
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "studio.db")

	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	if err := s.PutDraft(ctx, "alice", model.MergeSteps(1, map[string]interface{}{"productName": "Rocket"})); err != nil {
		t.Fatalf("PutDraft() error = %v", err)
	}
	s.Close()

	s, err = NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()
	d, err := s.GetDraft(ctx, "alice")
	if err != nil || d.Fields["productName"] != "Rocket" {
		t.Fatalf("GetDraft() after reopen = %+v, %v", d, err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
