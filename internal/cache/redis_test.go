package cache

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisBackend(t *testing.T, compress bool) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b, err := NewRedisBackend(&RedisConfig{
		Addr:        mr.Addr(),
		PoolSize:    5,
		DialTimeout: time.Second,
		ReadTimeout: time.Second,
		Compress:    compress,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b, mr
}

func TestRedisBackend_PutGet(t *testing.T) {
	b, _ := newTestRedisBackend(t, false)
	ctx := context.Background()

	key := Key("dev", "resolve", "permission-set", "ReadOnlyAccess")
	require.NoError(t, b.Put(ctx, key, []byte("arn:aws:sso:::permissionSet/x"), time.Minute))

	entry, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("arn:aws:sso:::permissionSet/x"), entry.Payload)
}

func TestRedisBackend_MissAndExpiry(t *testing.T) {
	b, mr := newTestRedisBackend(t, false)
	ctx := context.Background()

	_, err := b.Get(ctx, Key("dev", "missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	key := Key("dev", "accounts", "count")
	require.NoError(t, b.Put(ctx, key, []byte("12"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err = b.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisBackend_ChunkedPayload(t *testing.T) {
	b, _ := newTestRedisBackend(t, false)
	ctx := context.Background()

	// A megabyte of incompressible-looking data forces the chunked path.
	payload := make([]byte, 1024*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	key := Key("dev", "accounts", "snapshot")
	require.NoError(t, b.Put(ctx, key, payload, time.Minute))

	entry, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, entry.Payload))

	// Chunk siblings are internal and invisible to enumeration.
	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	// Invalidate removes the manifest and every chunk.
	require.NoError(t, b.Invalidate(ctx, key))
	_, err = b.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisBackend_Compression(t *testing.T) {
	b, _ := newTestRedisBackend(t, true)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("account-111122223333 "), 4096)
	key := Key("dev", "accounts", "snapshot")
	require.NoError(t, b.Put(ctx, key, payload, time.Minute))

	entry, err := b.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, payload, entry.Payload)
}

func TestRedisBackend_InvalidatePrefixReportsDelta(t *testing.T) {
	b, _ := newTestRedisBackend(t, false)
	ctx := context.Background()

	accountKeys := []string{
		Key("dev", "accounts", "snapshot"),
		Key("dev", "accounts", "count"),
		Key("dev", "accounts", "by-id", "111122223333"),
	}
	for _, k := range accountKeys {
		require.NoError(t, b.Put(ctx, k, []byte("x"), time.Minute))
	}
	require.NoError(t, b.Put(ctx, Key("dev", "resolve", "user", "alice"), []byte("id"), time.Minute))

	before, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, before.Entries)

	removed, err := b.InvalidatePrefix(ctx, Key("dev", "accounts"))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	after, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, after.Entries)
}

func TestRedisBackend_RequiresProfileScopedKeys(t *testing.T) {
	b, _ := newTestRedisBackend(t, false)
	ctx := context.Background()

	err := b.Put(ctx, "accounts/snapshot", []byte("x"), time.Minute)
	assert.Error(t, err)
}
