package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileCache writes each key to <dir>/<key>.json atomically via rename.
type FileCache struct {
	dir string
	mu  sync.Mutex
}

func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

type fileEntry struct {
	SavedAt time.Time       `json:"savedAt"`
	Data    json.RawMessage `json:"data"`
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, unsafeKey.ReplaceAllString(key, "_")+".json")
}

func (c *FileCache) Get(_ context.Context, key string) (Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, err
	}
	var fe fileEntry
	if err := json.Unmarshal(raw, &fe); err != nil {
		return Entry{}, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return Entry{Data: fe.Data, SavedAt: fe.SavedAt}, nil
}

func (c *FileCache) Put(_ context.Context, key string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := json.Marshal(fileEntry{SavedAt: e.SavedAt, Data: e.Data})
	if err != nil {
		return err
	}
	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path(key))
}
