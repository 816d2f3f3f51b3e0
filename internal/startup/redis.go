package startup

import (
	"context"
	"time"

	"github.com/sidethreads/internal/logger"
	redisstorage "github.com/sidethreads/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis с повторами.
// Пустой redisURL — Redis не используется, возвращается (nil, nil).
func ConnectRedisWithRetry(ctx context.Context, redisURL string, maxWait time.Duration, logPrefix string) (*redisstorage.Client, error) {
	if redisURL == "" {
		logger.Infof("%sredis not configured, using in-process broker", logPrefix)
		return nil, nil
	}
	var client *redisstorage.Client
	err := retry(ctx, "redis", maxWait, logPrefix, func(ctx context.Context) error {
		connCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		c, err := redisstorage.New(connCtx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
