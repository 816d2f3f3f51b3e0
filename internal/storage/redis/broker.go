package redis

import (
	"context"
	"fmt"

	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/stream"
)

// Publish рассылает уведомление «topic изменился» всем инстансам API.
func (c *Client) Publish(ctx context.Context, topic string) error {
	if err := c.cli.Publish(ctx, eventPrefix+topic, "1").Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe подписывается на канал topic. Уведомления схлопываются (буфер 1),
// канал закрывается при отмене ctx или разрыве подписки.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	ps := c.cli.Subscribe(ctx, eventPrefix+topic)
	// Ждём подтверждения, чтобы Publish после возврата уже был виден.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	msgs := ps.Channel()
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() {
			if err := ps.Close(); err != nil {
				logger.Debugf("redis: close subscription %s: %v", topic, err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				stream.Signal(out)
			}
		}
	}()
	return out, nil
}

var _ stream.Broker = (*Client)(nil)
