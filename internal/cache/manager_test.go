package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := Config{
		Addr:       mr.Addr(),
		DefaultTTL: 1 * time.Minute,
	}

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)

	return mr, manager
}

func TestNewManager(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	assert.NotNil(t, manager)
	assert.NoError(t, manager.Ping(context.Background()))
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, "k", "v", 0))

	val, err := manager.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	_, err = manager.Get(ctx, "absent")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSONRoundTrip(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	in := map[string]any{"status": "COMPLETED", "attempts": float64(3)}
	require.NoError(t, manager.SetJSON(ctx, "job", in, 0))

	var out map[string]any
	require.NoError(t, manager.GetJSON(ctx, "job", &out))
	assert.Equal(t, in, out)
}

func TestManager_DeleteAndExists(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	require.NoError(t, manager.Set(ctx, "a", "1", 0))
	require.NoError(t, manager.Set(ctx, "b", "2", 0))

	count, err := manager.Exists(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, manager.Delete(ctx, "a", "b"))
	count, err = manager.Exists(ctx, "a", "b")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestManager_ClosedOperations(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	_, err := manager.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestStatusCache(t *testing.T) {
	mr, manager := setupTestRedis(t)
	defer mr.Close()
	defer manager.Close()

	ctx := context.Background()
	sc := NewStatusCache(manager, time.Hour)

	_, err := sc.Get(ctx, "job-1")
	assert.True(t, IsCacheMiss(err))

	done := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, sc.Put(ctx, &StatusSnapshot{
		JobID:       "job-1",
		Status:      "COMPLETED",
		RunName:     "nightly crunch",
		CreatedAt:   done.Add(-time.Minute),
		CompletedAt: &done,
	}))

	snap, err := sc.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", snap.Status)
	require.NotNil(t, snap.CompletedAt)
	assert.True(t, snap.CompletedAt.Equal(done))

	require.NoError(t, sc.Invalidate(ctx, "job-1"))
	_, err = sc.Get(ctx, "job-1")
	assert.True(t, IsCacheMiss(err))
}
