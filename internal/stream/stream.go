// Package stream turns change notifications into live snapshot streams.
// A broker only says "topic changed"; every notification triggers a fresh
// snapshot query, so readers never see a half-applied commit.
package stream

import (
	"context"
	"sync"

	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/metrics"
)

// Broker fans out change notifications per topic.
type Broker interface {
	Publish(ctx context.Context, topic string) error
	// Subscribe returns a coalescing notification channel, closed when ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, error)
}

func ThreadsTopic(channelID string) string { return "threads:" + channelID }

func MessagesTopic(threadID string) string { return "messages:" + threadID }

// Watch emits an initial snapshot and a new one after each notification.
// The output holds at most one pending snapshot: a slow reader gets the latest.
func Watch[T any](ctx context.Context, b Broker, topic string, load func(context.Context) (T, error)) (<-chan T, error) {
	notify, err := b.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	first, err := load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan T, 1)
	out <- first
	metrics.StreamSubscribers.Inc()
	go func() {
		defer metrics.StreamSubscribers.Dec()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notify:
				if !ok {
					return
				}
				snap, err := load(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Warnf("stream %s: snapshot failed: %v", topic, err)
					continue
				}
				replace(out, snap)
			}
		}
	}()
	return out, nil
}

// replace puts v into a 1-slot channel, dropping the stale value. Single producer only.
func replace[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// LocalBroker — брокер в памяти процесса (один инстанс API, -dev, тесты).
type LocalBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]map[chan struct{}]struct{})}
}

func (b *LocalBroker) Publish(ctx context.Context, topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		Signal(ch)
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[chan struct{}]struct{})
		b.subs[topic] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[topic], ch)
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Signal does a non-blocking send; pending notifications coalesce into one.
func Signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
