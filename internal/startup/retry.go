package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/sidethreads/internal/logger"
)

const maxBackoff = 30 * time.Second

// retry повторяет attempt с экспоненциальной паузой (2s, 4s ... 30s), пока не истечёт maxWait
// или не отменится ctx. what попадает в лог: "db", "redis".
func retry(ctx context.Context, what string, maxWait time.Duration, logPrefix string, attempt func(context.Context) error) error {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s (gave up after %v): %w", what, maxWait, err)
		}
		logger.Errorf("%s%s connect failed, retry in %v: %v", logPrefix, what, backoff, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
