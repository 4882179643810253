package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/kisara-dev/branchtalk/internal/chat"
)

// Store persists each user's chat history as one JSON document on local
// disk. Writes are whole-document and last-writer-wins: the model assumes
// a single active writer per user.
type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("filestore: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(username string) string {
	// Usernames become file names; keep them boring.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, username)
	return filepath.Join(s.dir, safe+".json")
}

// Load reads a user's history. Missing and corrupt documents both yield
// an empty valid history: the caller never has to special-case first run
// or a half-written file.
func (s *Store) Load(ctx context.Context, username string) (*chat.UserChatHistory, error) {
	_ = ctx
	empty := &chat.UserChatHistory{Username: username, Chats: []chat.Chat{}}

	raw, err := os.ReadFile(s.path(username))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("filestore load user=%s err=%v", username, err)
		}
		return empty, nil
	}

	var hist chat.UserChatHistory
	if err := json.Unmarshal(raw, &hist); err != nil {
		log.Printf("filestore corrupt document user=%s err=%v", username, err)
		return empty, nil
	}
	if hist.Username == "" {
		hist.Username = username
	}
	if hist.Chats == nil {
		hist.Chats = []chat.Chat{}
	}
	return &hist, nil
}

// Save writes the whole document atomically: temp file in the same
// directory, then rename.
func (s *Store) Save(ctx context.Context, history *chat.UserChatHistory) error {
	_ = ctx
	if history == nil || history.Username == "" {
		return fmt.Errorf("filestore: history username is required")
	}

	raw, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}

	target := s.path(history.Username)
	tmp, err := os.CreateTemp(s.dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("filestore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("filestore: %w", err)
	}
	return nil
}
