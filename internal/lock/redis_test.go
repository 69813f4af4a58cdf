package lock

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_TryLockUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	l := NewRedisWithClient(client, "feed_relay:cycle", time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer l.Close()

	release, ok, err := l.TryLock(context.Background())

	require.Error(t, err)
	assert.False(t, ok)
	assert.Nil(t, release)
}
