package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// eventPrefix — каналы pub/sub ленты изменений: threads:events:{topic}.
	eventPrefix = "threads:events:"
	// membersPrefix — кеш id участников сервера: threads:server_members:{serverID}.
	membersPrefix = "threads:server_members:"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewWithClient оборачивает уже созданный клиент (тесты, общий пул).
func NewWithClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.cli.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.cli.Close()
}
