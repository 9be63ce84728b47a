package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func TestGetSet(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	_, ok := r.Get(ctx, "shipping:quote:x")
	assert.False(t, ok)

	r.Set(ctx, "shipping:quote:x", []byte(`{"options":[]}`), time.Minute)
	raw, ok := r.Get(ctx, "shipping:quote:x")
	require.True(t, ok)
	assert.JSONEq(t, `{"options":[]}`, string(raw))

	mr.FastForward(2 * time.Minute)
	_, ok = r.Get(ctx, "shipping:quote:x")
	assert.False(t, ok)
}

func TestTryLock(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	unlock, ok, err := r.TryLock(ctx, "webhook:appmax:evt-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = r.TryLock(ctx, "webhook:appmax:evt-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	assert.False(t, mr.Exists("lock:webhook:appmax:evt-1"))

	_, ok, err = r.TryLock(ctx, "webhook:appmax:evt-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlockKeepsForeignLock(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	unlock, ok, err := r.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = r.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	unlock()
	assert.True(t, mr.Exists("lock:k"))
}

func TestIncrementRateLimit(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, ttl, err := r.IncrementRateLimit(ctx, "rl:1.2.3.4", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Greater(t, ttl, time.Duration(0))
	}

	mr.FastForward(61 * time.Second)
	n, _, err := r.IncrementRateLimit(ctx, "rl:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRevocations(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	assert.False(t, r.IsTokenBlacklisted(ctx, "jti-1"))
	require.NoError(t, r.BlacklistToken(ctx, "jti-1", time.Hour))
	assert.True(t, r.IsTokenBlacklisted(ctx, "jti-1"))

	assert.False(t, r.IsUserBanned(ctx, "u1"))
	require.NoError(t, r.BanUser(ctx, "u1"))
	assert.True(t, r.IsUserBanned(ctx, "u1"))
}

func TestFailedTasksAreBounded(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < failedTasksKeep+5; i++ {
		require.NoError(t, r.PushFailedTask(ctx, []byte{byte(i % 256)}))
	}
	list, err := mr.List(FailedTasksKey)
	require.NoError(t, err)
	assert.Len(t, list, failedTasksKeep)

	latest, err := r.FailedTasks(ctx, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, []byte{byte((failedTasksKeep + 4) % 256)}, latest[0])
}

func TestPubSub(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, closeSub, err := r.Subscribe(ctx, "order:status:1")
	require.NoError(t, err)
	defer closeSub()

	require.NoError(t, r.Publish(ctx, "order:status:1", []byte(`{"status":"processing"}`)))
	select {
	case m := <-msgs:
		assert.JSONEq(t, `{"status":"processing"}`, string(m))
	case <-ctx.Done():
		t.Fatal("message non reçu")
	}

	closeSub()
	for range msgs {
	}
}
