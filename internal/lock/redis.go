// Package lock provides a cross-process lease so that only one relay runs a
// cycle against a given state at a time.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// releaseScript deletes the lease only if it still holds our token, so a
// lease that expired and was taken over is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease held with SET NX PX. The TTL must exceed the cycle budget.
type Redis struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedis(cfg Config, logger *slog.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg.Key, cfg.TTL, logger)
}

func NewRedisWithClient(client redis.UniversalClient, key string, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger.With("lease", key),
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// TryLock takes the lease if nobody holds it. ok is false when another
// relay does.
func (r *Redis) TryLock(ctx context.Context) (release func(), ok bool, err error) {
	token := uuid.NewString()

	ok, err = r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("set lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil {
			r.logger.Warn("release lease failed, it will expire on its own", "error", err, "ttl", r.ttl)
		}
	}
	return release, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
