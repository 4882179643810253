package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kisara-dev/branchtalk/internal/chat"
)

func TestLoadMissingUserIsEmpty(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	hist, err := s.Load(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if hist.Username != "nobody" || len(hist.Chats) != 0 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	hist := &chat.UserChatHistory{
		Username: "alice",
		Chats: []chat.Chat{{
			ChatID:      "01CHAT",
			PreviewName: "hello",
			Messages:    []chat.Message{chat.NewMessage(chat.RoleUser, "hi")},
		}},
	}
	if err := s.Save(ctx, hist); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Chats) != 1 || got.Chats[0].PreviewName != "hello" {
		t.Fatalf("loaded = %+v", got.Chats)
	}
}

func TestLoadCorruptDocumentIsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "mallory.json"), []byte("{half a doc"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}

	hist, err := s.Load(context.Background(), "mallory")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(hist.Chats) != 0 {
		t.Fatalf("corrupt document should load as empty, got %+v", hist.Chats)
	}
}

func TestUsernameSanitizedForPath(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	hist := &chat.UserChatHistory{Username: "../evil/user", Chats: []chat.Chat{}}
	if err := s.Save(ctx, hist); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	// The traversal characters were mapped away; the file stays inside dir.
	if entries[0].Name() != ".._evil_user.json" {
		t.Fatalf("file name = %q", entries[0].Name())
	}

	got, err := s.Load(ctx, "../evil/user")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Username != "../evil/user" {
		t.Fatalf("username = %q", got.Username)
	}
}

func TestSaveRequiresUsername(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Save(context.Background(), &chat.UserChatHistory{}); err == nil {
		t.Fatalf("expected error for empty username")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Save(ctx, &chat.UserChatHistory{Username: "alice"}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("leftover files: %v", names)
	}
}
