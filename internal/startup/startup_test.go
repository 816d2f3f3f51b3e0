package startup

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/sidethreads/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNames(t *testing.T) {
	files := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 1")},
		"001_first.sql":  {Data: []byte("SELECT 1")},
		"README.md":      {Data: []byte("docs")},
		"sub/002_x.sql":  {Data: []byte("SELECT 1")},
		"002_second.sql": {Data: []byte("SELECT 1")},
	}
	names, err := migrationNames(files)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_first.sql", "002_second.sql", "010_later.sql"}, names)
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := migrationNames(migrations.Files)
	require.NoError(t, err)
	require.NotEmpty(t, names)
	assert.Equal(t, "001_threads.sql", names[0])
}

func TestRetry(t *testing.T) {
	t.Run("returns after success", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), "db", time.Minute, "", func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after deadline", func(t *testing.T) {
		boom := errors.New("refused")
		err := retry(context.Background(), "db", -time.Second, "", func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := retry(ctx, "redis", time.Minute, "", func(context.Context) error { return errors.New("refused") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConnectRedisDisabled(t *testing.T) {
	c, err := ConnectRedisWithRetry(context.Background(), "", time.Second, "")
	require.NoError(t, err)
	assert.Nil(t, c)
}
