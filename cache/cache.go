/*
Package cache holds the local copy of the clinic document.

PURPOSE:
  The session paints from the cache first and reconciles with the remote
  store afterwards. The cache stores opaque bytes plus the time they were
  written; freshness decisions belong to the caller.

IMPLEMENTATIONS:
  FileCache:  one JSON file per key on local disk
  RedisCache: shared cache for several API replicas
  Nop:        disables caching

SEE ALSO:
  - clinic/session.go: Eager load and write-through
*/
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when no entry exists for the key.
var ErrMiss = errors.New("cache miss")

type Entry struct {
	Data    []byte
	SavedAt time.Time
}

func (e Entry) Age(now time.Time) time.Duration { return now.Sub(e.SavedAt) }

type Cache interface {
	Get(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, key string, e Entry) error
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (Entry, error) { return Entry{}, ErrMiss }
func (Nop) Put(context.Context, string, Entry) error    { return nil }
