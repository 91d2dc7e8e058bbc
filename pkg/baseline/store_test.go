package baseline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test", 90*24*time.Hour), mr
}

func TestStores(t *testing.T) {
	redisStore, _ := setupRedisStore(t)
	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Load(ctx, 7)
			assert.ErrorIs(t, err, ErrNotFound)

			b := New(7)
			b.Fold(access(day0.Add(9*time.Hour), 12, "10.0.0.0/24"))
			require.NoError(t, store.Save(ctx, b))

			got, err := store.Load(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, 1, got.Samples())
			assert.Equal(t, 12, got.PeakDaily())
			assert.True(t, got.KnowsOrigin("10.0.0.0/24"))
			assert.True(t, got.UpdatedAt.Equal(b.UpdatedAt))

			got.Fold(access(day0, 1, "x"))
			again, err := store.Load(ctx, 7)
			require.NoError(t, err)
			assert.Equal(t, 1, again.Samples(), "loaded baselines are copies")

			require.NoError(t, store.Delete(ctx, 7))
			_, err = store.Load(ctx, 7)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRedisStore_ExpiryAndCorruption(t *testing.T) {
	ctx := context.Background()
	store, mr := setupRedisStore(t)

	require.NoError(t, store.Save(ctx, New(7)))
	assert.Equal(t, 90*24*time.Hour, mr.TTL("test:baseline:7"))

	mr.FastForward(91 * 24 * time.Hour)
	_, err := store.Load(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mr.Set("test:baseline:8", "{not json"))
	_, err = store.Load(ctx, 8)
	assert.Error(t, err)
	assert.False(t, mr.Exists("test:baseline:8"), "corrupt document is dropped")
}
