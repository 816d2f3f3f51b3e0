package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := New(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestNew(t *testing.T) {
	_, err := New(context.Background(), "not a url")
	assert.Error(t, err)

	c, _ := setupTestRedis(t)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestBroker(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.Subscribe(ctx, "messages:t1")
	require.NoError(t, err)
	other, err := c.Subscribe(ctx, "messages:t2")
	require.NoError(t, err)

	require.NoError(t, c.Publish(ctx, "messages:t1"))
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
	select {
	case <-other:
		t.Fatal("notification leaked to another topic")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

type listerFunc func(ctx context.Context, serverID string) ([]string, error)

func (f listerFunc) ServerMemberIDs(ctx context.Context, serverID string) ([]string, error) {
	return f(ctx, serverID)
}

func TestMemberCache(t *testing.T) {
	ctx := context.Background()

	t.Run("hits after the first load", func(t *testing.T) {
		c, s := setupTestRedis(t)
		calls := 0
		inner := listerFunc(func(_ context.Context, serverID string) ([]string, error) {
			calls++
			return []string{"b", "a", "c"}, nil
		})
		cache := NewMemberCache(c, inner, time.Minute)

		for range 3 {
			ids, err := cache.ServerMemberIDs(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "a", "c"}, ids)
		}
		assert.Equal(t, 1, calls)
		assert.True(t, s.Exists(membersPrefix+"s1"))

		s.FastForward(2 * time.Minute)
		_, err := cache.ServerMemberIDs(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("source errors are not cached", func(t *testing.T) {
		c, s := setupTestRedis(t)
		boom := errors.New("boom")
		cache := NewMemberCache(c, listerFunc(func(context.Context, string) ([]string, error) {
			return nil, boom
		}), time.Minute)

		_, err := cache.ServerMemberIDs(ctx, "s1")
		assert.ErrorIs(t, err, boom)
		assert.False(t, s.Exists(membersPrefix+"s1"))
	})

	t.Run("redis outage falls through to the source", func(t *testing.T) {
		c, s := setupTestRedis(t)
		cache := NewMemberCache(c, listerFunc(func(context.Context, string) ([]string, error) {
			return []string{"x"}, nil
		}), time.Minute)
		s.Close()

		ids, err := cache.ServerMemberIDs(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"x"}, ids)
	})

	t.Run("zero ttl disables caching", func(t *testing.T) {
		c, s := setupTestRedis(t)
		cache := NewMemberCache(c, listerFunc(func(context.Context, string) ([]string, error) {
			return []string{"x"}, nil
		}), 0)
		_, err := cache.ServerMemberIDs(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, s.Exists(membersPrefix+"s1"))
	})
}
