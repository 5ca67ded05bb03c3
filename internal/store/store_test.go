package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/artifact-viewer/internal/domain"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "viewer.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// repositories returns every implementation so the contract tests run on both.
func repositories(t *testing.T) map[string]Repository {
	return map[string]Repository{
		"sqlite": newTestSQLite(t),
		"memory": NewMemory(nil),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			got, err := repo.Get(ctx)
			if err != nil || got != nil {
				t.Fatalf("expected empty store, got %+v, %v", got, err)
			}

			if _, err := repo.Set(ctx, domain.StartPatch("s1")); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			first, err := repo.Get(ctx)
			if err != nil || first == nil {
				t.Fatalf("Get failed: %+v, %v", first, err)
			}
			if first.SessionID != "s1" || first.Status != domain.StatusProcessing {
				t.Fatalf("unexpected session: %+v", first)
			}

			refreshed := time.Now().Add(time.Minute)
			if _, err := repo.Set(ctx, domain.CompletedPatch("s1", "t1", "u1", refreshed)); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			second, err := repo.Get(ctx)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if !second.CreatedAt.Equal(first.CreatedAt) {
				t.Fatalf("createdAt changed: %v -> %v", first.CreatedAt, second.CreatedAt)
			}
			if second.AccessToken != "t1" || second.EncodedURN != "u1" || second.Status != domain.StatusCompleted {
				t.Fatalf("unexpected session after completion: %+v", second)
			}
			if second.TokenRefreshedAt == nil || !second.TokenRefreshedAt.Equal(refreshed) {
				t.Fatalf("expected tokenRefreshedAt %v, got %v", refreshed, second.TokenRefreshedAt)
			}

			if err := repo.Clear(ctx); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}
			if err := repo.Clear(ctx); err != nil {
				t.Fatalf("second Clear failed: %v", err)
			}
			if got, _ := repo.Get(ctx); got != nil {
				t.Fatalf("expected absent after Clear, got %+v", got)
			}
		})
	}
}

func TestTokenUpdateAfterClearIsRejected(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := repo.Set(ctx, domain.CompletedPatch("s1", "t1", "u1", time.Now())); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			if err := repo.Clear(ctx); err != nil {
				t.Fatalf("Clear failed: %v", err)
			}

			_, err := repo.Set(ctx, domain.TokenPatch("s1", "late", time.Now()))
			if !errors.Is(err, domain.ErrNoRecord) {
				t.Fatalf("expected ErrNoRecord, got %v", err)
			}
			if got, _ := repo.Get(ctx); got != nil {
				t.Fatalf("expected store to stay empty, got %+v", got)
			}
		})
	}
}

func TestSetRejectsStatusRegression(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := repo.Set(ctx, domain.CompletedPatch("s1", "t1", "u1", time.Now())); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
			_, err := repo.Set(ctx, domain.StartPatch("s1"))
			if !errors.Is(err, domain.ErrStatusRegression) {
				t.Fatalf("expected ErrStatusRegression, got %v", err)
			}
			got, _ := repo.Get(ctx)
			if got.Status != domain.StatusCompleted {
				t.Fatalf("stored status changed to %q", got.Status)
			}
		})
	}
}

func TestSQLiteUndecodableRecordIsAbsent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		sessionKey, "{not json", time.Now().Unix()); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("expected no error for undecodable record, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected absent session, got %+v", got)
	}

	// A fresh Set replaces the broken value.
	if _, err := s.Set(ctx, domain.StartPatch("s2")); err != nil {
		t.Fatalf("Set after corrupt record failed: %v", err)
	}
	if got, _ := s.Get(ctx); got == nil || got.SessionID != "s2" {
		t.Fatalf("expected s2 after overwrite, got %+v", got)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.db")
	ctx := context.Background()

	s, err := NewSQLite(path, nil)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	if _, err := s.Set(ctx, domain.StartPatch("s1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	_ = s.Close()

	reopened, err := NewSQLite(path, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Get(ctx)
	if err != nil || got == nil || got.SessionID != "s1" {
		t.Fatalf("expected persisted s1, got %+v, %v", got, err)
	}
}

func TestSequences(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			list, err := repo.ListSequences(ctx)
			if err != nil || len(list) != 0 {
				t.Fatalf("expected empty list, got %v, %v", list, err)
			}

			for i, body := range []string{`[{"fragmentId":1}]`, `[{"fragmentId":2}]`, `[{"fragmentId":3}]`} {
				idx, err := repo.AppendSequence(ctx, domain.Sequence(body))
				if err != nil {
					t.Fatalf("AppendSequence failed: %v", err)
				}
				if idx != i {
					t.Fatalf("expected index %d, got %d", i, idx)
				}
			}

			if err := repo.DeleteSequence(ctx, 1); err != nil {
				t.Fatalf("DeleteSequence failed: %v", err)
			}
			list, _ = repo.ListSequences(ctx)
			if len(list) != 2 || string(list[0]) != `[{"fragmentId":1}]` || string(list[1]) != `[{"fragmentId":3}]` {
				t.Fatalf("unexpected sequences after delete: %s", list)
			}

			if err := repo.DeleteSequence(ctx, 5); !errors.Is(err, ErrSequenceNotFound) {
				t.Fatalf("expected ErrSequenceNotFound, got %v", err)
			}
			if _, err := repo.AppendSequence(ctx, domain.Sequence("nope")); !errors.Is(err, domain.ErrInvalidSequence) {
				t.Fatalf("expected ErrInvalidSequence, got %v", err)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	now := time.Now()
	ttl := 23 * time.Hour

	if IsValid(nil, now, ttl) {
		t.Error("nil session must be invalid")
	}
	if !IsValid(&domain.Session{CreatedAt: now.Add(-time.Hour)}, now, ttl) {
		t.Error("expected 1h old session to be valid")
	}
	if IsValid(&domain.Session{CreatedAt: now.Add(-24 * time.Hour)}, now, ttl) {
		t.Error("expected 24h old session to be invalid")
	}
}
