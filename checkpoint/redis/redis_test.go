package redis

import (
	"context"
	"math"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamingest/checkpoint"
)

func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewStoreFromClient(client, "ns.servicebus.windows.net")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

var key = checkpoint.Key{Stream: "APIM-Logs", ConsumerGroup: "$Default", Partition: 2}

func TestStore_LoadMissing(t *testing.T) {
	s, _ := setupTestRedis(t)

	_, found, err := s.Load(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_SaveIsMonotonic(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, key, 100))
	require.NoError(t, s.Save(ctx, key, 100))
	require.NoError(t, s.Save(ctx, key, 50))

	off, found, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(100), off)

	require.NoError(t, s.Save(ctx, key, 101))
	got, err := mr.Get("ns.servicebus.windows.net:apim-logs:$default:2")
	require.NoError(t, err)
	assert.Equal(t, "101", got)
}

func TestStore_CorruptValueIsPermanent(t *testing.T) {
	s, mr := setupTestRedis(t)
	require.NoError(t, mr.Set(s.key(key), "not-a-number"))

	_, _, err := s.Load(context.Background(), key)
	var cerr *checkpoint.Error
	require.ErrorAs(t, err, &cerr)
	assert.False(t, cerr.Retryable)
}

func TestStore_ServerDownIsRetryable(t *testing.T) {
	s, mr := setupTestRedis(t)
	mr.Close()

	err := s.Save(context.Background(), key, 1)
	var cerr *checkpoint.Error
	require.ErrorAs(t, err, &cerr)
	assert.True(t, cerr.Retryable)
	assert.Equal(t, "save", cerr.Op)
}

func TestStore_SaveIsExactAboveFloatPrecision(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	// 2^53+1 and 2^53 are the same double
	const big = int64(1<<53) + 1
	require.NoError(t, s.Save(ctx, key, big-1))
	require.NoError(t, s.Save(ctx, key, big))
	off, _, err := s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, big, off)

	require.NoError(t, s.Save(ctx, key, big-1))
	off, _, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, big, off, "must not move backwards")

	require.NoError(t, s.Save(ctx, key, math.MaxInt64))
	got, err := mr.Get(s.key(key))
	require.NoError(t, err)
	assert.Equal(t, "9223372036854775807", got)

	// a shorter number is always smaller
	require.NoError(t, s.Save(ctx, key, 999))
	off, _, err = s.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), off)
}

func TestStore_NegativeOffsetRejected(t *testing.T) {
	s, _ := setupTestRedis(t)

	err := s.Save(context.Background(), key, -1)
	var cerr *checkpoint.Error
	require.ErrorAs(t, err, &cerr)
	assert.False(t, cerr.Retryable)
}
