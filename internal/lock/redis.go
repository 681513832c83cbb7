package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLease = 10 * time.Minute
	defaultRetry = 100 * time.Millisecond
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every process talking to one Redis. A
// holder that dies keeps the key until the lease expires.
type RedisLocker struct {
	client    redis.UniversalClient
	keyPrefix string
	lease     time.Duration
	retry     time.Duration
	logger    *log.Logger
}

func NewRedisLocker(client redis.UniversalClient, keyPrefix string, lease time.Duration, logger *log.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "pixelconvert:lock"
	}
	if lease <= 0 {
		lease = defaultLease
	}

	return &RedisLocker{
		client:    client,
		keyPrefix: keyPrefix,
		lease:     lease,
		retry:     defaultRetry,
		logger:    logger,
	}, nil
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := fmt.Sprintf("%s:%s", l.keyPrefix, key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		err := l.client.SetArgs(ctx, redisKey, token, redis.SetArgs{Mode: "NX", TTL: l.lease}).Err()
		switch {
		case err == nil:
			return l.releaser(redisKey, token), nil
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) releaser(redisKey, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && l.logger != nil {
			l.logger.Printf("release lock failed key=%s err=%v", redisKey, err)
		}
	}
}
