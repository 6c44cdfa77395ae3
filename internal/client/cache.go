package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pelusa-v/pelusa-relay.git/internal/protocol"
)

// UserCache persists the registered identity across restarts. Loading a
// missing cache yields (nil, nil).
type UserCache interface {
	Load() (*protocol.User, error)
	Save(u protocol.User) error
}

// CacheFileName is the fixed key the identity is stored under, inside the
// directory handed to NewFileUserCache.
const CacheFileName = "chat.currentUser"

type cachedUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// FileUserCache stores the identity as a small JSON file.
type FileUserCache struct {
	path string
}

func NewFileUserCache(dir string) *FileUserCache {
	return &FileUserCache{path: filepath.Join(dir, CacheFileName)}
}

func (c *FileUserCache) Load() (*protocol.User, error) {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read user cache: %w", err)
	}
	var cached cachedUser
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("decode user cache: %w", err)
	}
	if cached.ID <= 0 || cached.Username == "" {
		return nil, nil
	}
	return &protocol.User{Type: protocol.TypeUser, ID: cached.ID, Username: cached.Username}, nil
}

func (c *FileUserCache) Save(u protocol.User) error {
	raw, err := json.Marshal(cachedUser{ID: u.ID, Username: u.Username})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(c.path, raw, 0o644); err != nil {
		return fmt.Errorf("write user cache: %w", err)
	}
	return nil
}
