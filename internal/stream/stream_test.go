package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestLocalBroker(t *testing.T) {
	t.Run("publish reaches only the topic subscribers", func(t *testing.T) {
		b := NewLocalBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := b.Subscribe(ctx, "threads:c1")
		require.NoError(t, err)
		other, err := b.Subscribe(ctx, "threads:c2")
		require.NoError(t, err)

		require.NoError(t, b.Publish(ctx, "threads:c1"))
		recv(t, a)
		select {
		case <-other:
			t.Fatal("unexpected notification on another topic")
		default:
		}
	})

	t.Run("notifications coalesce", func(t *testing.T) {
		b := NewLocalBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ch, err := b.Subscribe(ctx, "messages:t1")
		require.NoError(t, err)
		for range 5 {
			require.NoError(t, b.Publish(ctx, "messages:t1"))
		}
		recv(t, ch)
		select {
		case <-ch:
			t.Fatal("expected a single coalesced notification")
		default:
		}
	})

	t.Run("cancel closes the channel", func(t *testing.T) {
		b := NewLocalBroker()
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := b.Subscribe(ctx, "t")
		require.NoError(t, err)
		cancel()
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed")
		}
		require.NoError(t, b.Publish(context.Background(), "t"))
	})
}

func TestWatch(t *testing.T) {
	t.Run("initial snapshot then one per change", func(t *testing.T) {
		b := NewLocalBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var version atomic.Int32
		out, err := Watch(ctx, b, "threads:c1", func(context.Context) (int32, error) {
			return version.Load(), nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(0), recv(t, out))

		version.Store(1)
		require.NoError(t, b.Publish(ctx, "threads:c1"))
		assert.Equal(t, int32(1), recv(t, out))
	})

	t.Run("initial load error is returned", func(t *testing.T) {
		b := NewLocalBroker()
		boom := errors.New("boom")
		_, err := Watch(context.Background(), b, "x", func(context.Context) (int, error) {
			return 0, boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("failed refresh keeps the stream open", func(t *testing.T) {
		b := NewLocalBroker()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var calls atomic.Int32
		out, err := Watch(ctx, b, "x", func(context.Context) (int32, error) {
			n := calls.Add(1)
			if n == 2 {
				return 0, errors.New("transient")
			}
			return n, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(1), recv(t, out))

		require.NoError(t, b.Publish(ctx, "x"))
		assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, b.Publish(ctx, "x"))
		assert.Equal(t, int32(3), recv(t, out))
	})

	t.Run("slow reader gets the latest snapshot", func(t *testing.T) {
		ch := make(chan int, 1)
		replace(ch, 1)
		replace(ch, 2)
		replace(ch, 3)
		assert.Equal(t, 3, <-ch)
	})

	t.Run("cancel closes the output", func(t *testing.T) {
		b := NewLocalBroker()
		ctx, cancel := context.WithCancel(context.Background())
		out, err := Watch(ctx, b, "x", func(context.Context) (int, error) { return 1, nil })
		require.NoError(t, err)
		recv(t, out)
		cancel()
		assert.Eventually(t, func() bool {
			select {
			case _, ok := <-out:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, 5*time.Millisecond)
	})
}
