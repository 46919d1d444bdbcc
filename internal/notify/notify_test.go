package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisNotifier(t *testing.T) (*RedisNotifier, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisNotifier(client, 30*time.Second), s
}

func TestRedisPublishAndPop(t *testing.T) {
	n, s := newRedisNotifier(t)
	ctx := context.Background()

	status := Status{Status: "full", DocumentID: "42", DocumentTitle: "Hello", Duration: 20, DurationText: "20s"}
	require.NoError(t, n.Publish(ctx, "7", status))
	require.True(t, s.Exists("ett:status:7"))
	require.Equal(t, 30*time.Second, s.TTL("ett:status:7"))

	got, ok, err := n.Pop(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, status.Status, got.Status)
	require.Equal(t, int64(20), got.Duration)

	_, ok, err = n.Pop(ctx, "7")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStatusExpires(t *testing.T) {
	n, s := newRedisNotifier(t)
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, "7", Status{Status: "full"}))
	s.FastForward(31 * time.Second)

	_, ok, err := n.Pop(ctx, "7")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisSubscribe(t *testing.T) {
	n, _ := newRedisNotifier(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates, err := n.Subscribe(ctx, "7")
	require.NoError(t, err)

	require.NoError(t, n.Publish(ctx, "7", Status{Status: "changes_only", DocumentID: "1"}))
	select {
	case got := <-updates:
		require.Equal(t, "changes_only", got.Status)
	case <-ctx.Done():
		t.Fatal("no status received")
	}
}

func TestMemoryNotifier(t *testing.T) {
	clock := quartz.NewMock(t)
	n := NewMemoryNotifier(clock, 30*time.Second)
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, "7", Status{Status: StatusNoSession}))
	got, ok, err := n.Pop(ctx, "7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusNoSession, got.Status)

	require.NoError(t, n.Publish(ctx, "7", Status{Status: "full"}))
	clock.Advance(30 * time.Second)
	_, ok, err = n.Pop(ctx, "7")
	require.NoError(t, err)
	require.False(t, ok)
}
