package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	b, err := NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)
	return b
}

func TestFileBackend_PutGet(t *testing.T) {
	b := newTestFileBackend(t)
	ctx := context.Background()

	key := Key("dev", "resolve", "user", "alice")
	require.NoError(t, b.Put(ctx, key, []byte("payload"), time.Minute))

	entry, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, entry.Key)
	assert.Equal(t, []byte("payload"), entry.Payload)
	assert.True(t, entry.ExpiresAt.After(entry.CreatedAt))
}

func TestFileBackend_GetMissing(t *testing.T) {
	b := newTestFileBackend(t)

	_, err := b.Get(context.Background(), Key("dev", "missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend_Expiration(t *testing.T) {
	b := newTestFileBackend(t)
	ctx := context.Background()

	key := Key("dev", "accounts", "count")
	require.NoError(t, b.Put(ctx, key, []byte("29"), time.Hour))

	// Move the clock past the TTL.
	b.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	_, err := b.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	// The expired entry was purged, not just hidden.
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFileBackend_KeyValidation(t *testing.T) {
	b := newTestFileBackend(t)
	ctx := context.Background()

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"no profile namespace", "accounts/snapshot"},
		{"path traversal", "profiles/dev/../etc/passwd"},
		{"invalid characters", "profiles/dev/a b"},
		{"missing profile segment", "profiles/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, b.Put(ctx, tt.key, []byte("x"), time.Minute))
			_, err := b.Get(ctx, tt.key)
			assert.Error(t, err)
		})
	}
}

func TestFileBackend_InvalidatePrefix(t *testing.T) {
	b := newTestFileBackend(t)
	ctx := context.Background()

	for _, k := range []string{
		Key("dev", "accounts", "snapshot"),
		Key("dev", "accounts", "count"),
		Key("dev", "resolve", "user", "alice"),
		Key("prod", "accounts", "snapshot"),
	} {
		require.NoError(t, b.Put(ctx, k, []byte("x"), time.Minute))
	}

	before, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, before.Entries)

	removed, err := b.InvalidatePrefix(ctx, Key("dev", "accounts"))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	after, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Entries)

	// Idempotent: a second invalidation removes nothing.
	removed, err = b.InvalidatePrefix(ctx, Key("dev", "accounts"))
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestFileBackend_ProfileIsolation(t *testing.T) {
	b := newTestFileBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, Key("dev", "accounts", "count"), []byte("10"), time.Minute))
	require.NoError(t, b.Put(ctx, Key("prod", "accounts", "count"), []byte("99"), time.Minute))

	removed, err := b.InvalidatePrefix(ctx, ProfilePrefix("dev"))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entry, err := b.Get(ctx, Key("prod", "accounts", "count"))
	require.NoError(t, err)
	assert.Equal(t, []byte("99"), entry.Payload)
}

func TestFileBackend_OverwriteIsAtomic(t *testing.T) {
	b := newTestFileBackend(t)
	ctx := context.Background()

	key := Key("dev", "accounts", "snapshot")
	require.NoError(t, b.Put(ctx, key, []byte("v1"), time.Minute))
	require.NoError(t, b.Put(ctx, key, []byte("v2"), time.Minute))

	entry, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), entry.Payload)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
}
