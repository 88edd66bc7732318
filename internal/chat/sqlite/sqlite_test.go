package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tokligence/tokligence-chat/internal/chat"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "nested", "chat.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	first, err := store.CreateConversation(ctx, 1, chat.DefaultTitle)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	second, err := store.CreateConversation(ctx, 1, "Second")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := store.CreateConversation(ctx, 2, "Other user"); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	list, err := store.ListConversations(ctx, 1)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}

	got, err := store.GetConversation(ctx, 1, first.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != chat.DefaultTitle || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected conversation %+v", got)
	}

	if _, err := store.GetConversation(ctx, 2, first.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another owner, got %v", err)
	}
	if _, err := store.GetConversation(ctx, 1, 9999); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.UpdateTitle(ctx, 1, first.ID, "Renamed"); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}
	if got, _ := store.GetConversation(ctx, 1, first.ID); got.Title != "Renamed" {
		t.Fatalf("title not updated: %q", got.Title)
	}
	if err := store.UpdateTitle(ctx, 2, first.ID, "Hijack"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating foreign conversation, got %v", err)
	}
}

func TestMessagesOrderedAndCascade(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	conv, err := store.CreateConversation(ctx, 1, chat.DefaultTitle)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	contents := []string{"Hello", "Hi there!", "How are you?"}
	roles := []chat.Role{chat.RoleUser, chat.RoleAssistant, chat.RoleUser}
	for i := range contents {
		if _, err := store.CreateMessage(ctx, conv.ID, roles[i], contents[i]); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	msgs, err := store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != contents[i] || m.Role != roles[i] {
			t.Fatalf("message %d = %+v", i, m)
		}
	}

	if err := store.DeleteConversation(ctx, 2, conv.ID); err != nil {
		t.Fatalf("DeleteConversation by other owner: %v", err)
	}
	if msgs, _ := store.ListMessages(ctx, conv.ID); len(msgs) != 3 {
		t.Fatalf("foreign delete removed messages")
	}

	if err := store.DeleteConversation(ctx, 1, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if err := store.DeleteConversation(ctx, 1, conv.ID); err != nil {
		t.Fatalf("second DeleteConversation should be a no-op: %v", err)
	}
	if _, err := store.GetConversation(ctx, 1, conv.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	msgs, err = store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected messages removed, got %d", len(msgs))
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	conv, _ := store.CreateConversation(ctx, 5, chat.DefaultTitle)
	_, _ = store.CreateMessage(ctx, conv.ID, chat.RoleUser, "Hello")

	loaded, err := chat.Load(ctx, store, 5, conv.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != conv.ID || len(loaded.Messages) != 1 {
		t.Fatalf("unexpected load %+v", loaded)
	}
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
