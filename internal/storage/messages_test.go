package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.db"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedTestSession(t *testing.T, store *Store, sessionID string) {
	t.Helper()
	_, _, err := store.GetOrCreateSession(context.Background(), ChatSession{
		ID:        sessionID,
		JoinToken: "tok",
		CreatedBy: "alice",
	}, []ChatParticipant{
		{ID: "p-alice", UserProfileID: "alice", OwnerType: OwnerTypeHuman},
		{ID: "p-bot", UserProfileID: "assistant", OwnerType: OwnerTypeBot},
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestListMessagesAfterSameTimestamp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedTestSession(t, store, "s1")

	// Both sides of one turn often share a wall-clock second; listing after
	// the user's message must still return the reply.
	ts := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	msgs := []ChatMessage{
		{ID: "m1", SessionID: "s1", FromParticipantID: "p-alice", ToParticipantID: "p-bot", Content: "hello", CreatedAt: ts},
		{ID: "m2", SessionID: "s1", FromParticipantID: "p-bot", ToParticipantID: "p-alice", SentByAI: true, Content: "hi there", CreatedAt: ts},
	}
	for _, m := range msgs {
		if err := store.InsertMessage(ctx, m); err != nil {
			t.Fatalf("insert %s: %v", m.ID, err)
		}
	}

	all, err := store.ListMessages(ctx, "s1", "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 || all[0].ID != "m1" || all[1].ID != "m2" {
		t.Fatalf("unexpected full listing: %+v", all)
	}

	after, err := store.ListMessages(ctx, "s1", "m1")
	if err != nil {
		t.Fatalf("list after m1: %v", err)
	}
	if len(after) != 1 || after[0].ID != "m2" {
		t.Fatalf("list after m1 = %+v, want just m2", after)
	}

	after, err = store.ListMessages(ctx, "s1", "m2")
	if err != nil {
		t.Fatalf("list after m2: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("list after m2 = %+v, want empty", after)
	}
}

func TestListMessagesAfterDefaultTimestamps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedTestSession(t, store, "s1")

	if err := store.InsertMessage(ctx, ChatMessage{ID: "m1", SessionID: "s1", FromParticipantID: "p-alice", ToParticipantID: "p-bot", Content: "hello"}); err != nil {
		t.Fatalf("insert m1: %v", err)
	}
	if err := store.InsertMessage(ctx, ChatMessage{ID: "m2", SessionID: "s1", FromParticipantID: "p-bot", ToParticipantID: "p-alice", SentByAI: true, Content: "hi there"}); err != nil {
		t.Fatalf("insert m2: %v", err)
	}

	after, err := store.ListMessages(ctx, "s1", "m1")
	if err != nil {
		t.Fatalf("list after m1: %v", err)
	}
	if len(after) != 1 || after[0].ID != "m2" {
		t.Fatalf("list after m1 = %+v, want just m2", after)
	}
}

func TestListMessagesAfterUnknownID(t *testing.T) {
	store := newTestStore(t)
	seedTestSession(t, store, "s1")

	_, err := store.ListMessages(context.Background(), "s1", "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
