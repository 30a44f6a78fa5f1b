package operations

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikyol/awsideman/internal/core"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedisStore(client, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRedisStore_AppendGetList(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, sampleRecord("op-1", base, core.OpAssign)))
	require.NoError(t, s.Append(ctx, sampleRecord("op-2", base.Add(time.Hour), core.OpRevoke)))

	got, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.PrincipalName)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "op-2", all[0].OperationID)

	// Duplicate append is rejected.
	assert.Error(t, s.Append(ctx, sampleRecord("op-1", base, core.OpAssign)))
}

func TestRedisStore_MarkRolledBackCAS(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, sampleRecord("op-1", time.Now().UTC(), core.OpAssign)))
	require.NoError(t, s.MarkRolledBack(ctx, "op-1", "op-rb"))

	got, err := s.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, got.RolledBack)

	assert.ErrorIs(t, s.MarkRolledBack(ctx, "op-1", "op-rb2"), core.ErrAlreadyRolledBack)
	assert.ErrorIs(t, s.MarkRolledBack(ctx, "op-none", "x"), core.ErrOperationNotFound)
}

func TestRedisStore_Sweep(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Append(ctx, sampleRecord("op-old", now.AddDate(0, 0, -100), core.OpAssign)))
	require.NoError(t, s.Append(ctx, sampleRecord("op-new", now, core.OpAssign)))

	removed, err := s.Sweep(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "op-old")
	assert.ErrorIs(t, err, core.ErrOperationNotFound)
}
