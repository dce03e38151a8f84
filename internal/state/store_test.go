package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/odysseyml/odyssey/pkg/types"
)

// TestStore tests Store interface implementations. Both MemoryStore
// and FileStore should pass all these tests.
func TestStore(t *testing.T) {
	implementations := map[string]func(t *testing.T) Store{
		"MemoryStore": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"FileStore": func(t *testing.T) Store {
			store, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("failed to create FileStore: %v", err)
			}
			return store
		},
	}

	for name, createStore := range implementations {
		t.Run(name, func(t *testing.T) {
			t.Run("Create", func(t *testing.T) { testStoreCreate(t, createStore(t)) })
			t.Run("Get", func(t *testing.T) { testStoreGet(t, createStore(t)) })
			t.Run("List", func(t *testing.T) { testStoreList(t, createStore(t)) })
			t.Run("Update", func(t *testing.T) { testStoreUpdate(t, createStore(t)) })
			t.Run("Delete", func(t *testing.T) { testStoreDelete(t, createStore(t)) })
		})
	}
}

func newSession(created time.Time) *Session {
	return &Session{
		ID:             uuid.New(),
		AgentID:        "main",
		WorkspaceRoot:  "/work",
		SandboxMode:    types.ModeWorkspaceWrite,
		PermissionMode: types.PermissionDefault,
		Provider:       "bwrap",
		State:          SessionActive,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func testStoreCreate(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		sess := newSession(time.Now())

		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		got, err := store.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("expected to find created session, got error: %v", err)
		}
		if got.ID != sess.ID {
			t.Errorf("expected ID %s, got %s", sess.ID, got.ID)
		}
		if got.Provider != sess.Provider {
			t.Errorf("expected provider %s, got %s", sess.Provider, got.Provider)
		}
	})

	t.Run("nil session", func(t *testing.T) {
		if err := store.Create(ctx, nil); err == nil {
			t.Error("expected error for nil session, got nil")
		}
	})

	t.Run("duplicate ID", func(t *testing.T) {
		sess := newSession(time.Now())
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("first create failed: %v", err)
		}

		dup := newSession(time.Now())
		dup.ID = sess.ID
		if err := store.Create(ctx, dup); err == nil {
			t.Error("expected error for duplicate ID, got nil")
		}
	})
}

func testStoreGet(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.New())
		if !errors.Is(err, types.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("copy isolation", func(t *testing.T) {
		sess := newSession(time.Now())
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		got, err := store.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		got.Turns = 99

		again, err := store.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if again.Turns != 0 {
			t.Error("mutating a returned session should not affect the store")
		}
	})
}

func testStoreList(t *testing.T, store Store) {
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		sess := newSession(base.Add(time.Duration(i) * time.Minute))
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	t.Run("newest first", func(t *testing.T) {
		sessions, err := store.List(ctx, 0, 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(sessions) != 3 {
			t.Fatalf("expected 3 sessions, got %d", len(sessions))
		}
		for i := 1; i < len(sessions); i++ {
			if sessions[i].CreatedAt.After(sessions[i-1].CreatedAt) {
				t.Error("sessions should be ordered newest first")
			}
		}
	})

	t.Run("pagination", func(t *testing.T) {
		sessions, err := store.List(ctx, 2, 1)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(sessions) != 2 {
			t.Errorf("expected 2 sessions, got %d", len(sessions))
		}

		sessions, err = store.List(ctx, 10, 100)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(sessions) != 0 {
			t.Errorf("expected empty page, got %d", len(sessions))
		}
	})
}

func testStoreUpdate(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		sess := newSession(time.Now().Add(-time.Minute))
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		sess.State = SessionClosed
		sess.Turns = 4
		if err := store.Update(ctx, sess); err != nil {
			t.Fatalf("update failed: %v", err)
		}

		got, err := store.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got.State != SessionClosed {
			t.Errorf("expected state %s, got %s", SessionClosed, got.State)
		}
		if got.Turns != 4 {
			t.Errorf("expected 4 turns, got %d", got.Turns)
		}
		if !got.UpdatedAt.After(got.CreatedAt) {
			t.Error("update should advance UpdatedAt")
		}
	})

	t.Run("not found", func(t *testing.T) {
		sess := newSession(time.Now())
		err := store.Update(ctx, sess)
		if !errors.Is(err, types.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})
}

func testStoreDelete(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		sess := newSession(time.Now())
		if err := store.Create(ctx, sess); err != nil {
			t.Fatalf("create failed: %v", err)
		}

		if err := store.Delete(ctx, sess.ID); err != nil {
			t.Fatalf("delete failed: %v", err)
		}

		_, err := store.Get(ctx, sess.ID)
		if !errors.Is(err, types.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		err := store.Delete(ctx, uuid.New())
		if !errors.Is(err, types.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})
}
