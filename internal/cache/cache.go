// Package cache implements the tiered key/blob store behind the resolver, the
// account optimizer, and the operation engines. Backends share one capability
// interface; the concrete backend is selected from configuration at startup.
//
// The cache is strictly best-effort: callers treat read errors as misses and
// write errors as warnings. Nothing in awsideman mutates AWS state on the
// basis of cached data alone.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for absent or expired entries.
var ErrNotFound = errors.New("cache entry not found")

// Entry is a stored payload together with its lifetime bounds.
type Entry struct {
	Key           string    `json:"key"`
	Payload       []byte    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	OperationKind string    `json:"operation_kind,omitempty"`
}

// Expired reports whether the entry is past its TTL at the given instant.
// Expired entries are never returned to readers and are eligible for purge.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats is the approximate size report used by invalidation diagnostics.
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// Backend is the capability set every cache backend implements.
//
// Get returns ErrNotFound for missing and expired keys. Keys enumerates the
// actual stored keys, never a hard-coded list, so invalidation reports the
// count truly removed.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
	Keys(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Clock abstracts time for TTL tests.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
