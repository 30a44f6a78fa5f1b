package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHybridBackend(t *testing.T) (*HybridBackend, *FileBackend, *RedisBackend) {
	t.Helper()
	local := newTestFileBackend(t)
	remote, _ := newTestRedisBackend(t, false)
	return NewHybridBackend(local, remote, 5*time.Minute, nil), local, remote
}

func TestHybridBackend_WriteThrough(t *testing.T) {
	h, local, remote := newTestHybridBackend(t)
	ctx := context.Background()

	key := Key("dev", "resolve", "group", "platform")
	require.NoError(t, h.Put(ctx, key, []byte("group-id"), time.Hour))

	// Both tiers hold the entry after a write.
	_, err := local.Get(ctx, key)
	assert.NoError(t, err)
	_, err = remote.Get(ctx, key)
	assert.NoError(t, err)
}

func TestHybridBackend_RemoteMissRefillsLocal(t *testing.T) {
	h, local, remote := newTestHybridBackend(t)
	ctx := context.Background()

	key := Key("dev", "accounts", "count")
	// Entry exists only remotely (e.g. written by another workstation).
	require.NoError(t, remote.Put(ctx, key, []byte("29"), time.Hour))

	entry, err := h.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("29"), entry.Payload)

	// The read refilled the local tier.
	_, err = local.Get(ctx, key)
	assert.NoError(t, err)
}

func TestHybridBackend_MissEverywhere(t *testing.T) {
	h, _, _ := newTestHybridBackend(t)

	_, err := h.Get(context.Background(), Key("dev", "absent"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHybridBackend_InvalidateBothTiers(t *testing.T) {
	h, local, remote := newTestHybridBackend(t)
	ctx := context.Background()

	key := Key("dev", "accounts", "snapshot")
	require.NoError(t, h.Put(ctx, key, []byte("snap"), time.Hour))
	require.NoError(t, h.Invalidate(ctx, key))

	_, err := local.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = remote.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}
