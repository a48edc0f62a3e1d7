package locks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ticketpipe:lock:"

// releaseScript deletes the lock only when the stored token is still
// ours, so an expired-and-reacquired lock is never released by the old
// holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker over a shared Redis instance with
// SET NX PX, making the advisory locks effective across processes.
type RedisLocker struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedisLocker connects to Redis and verifies the connection. An
// unreachable Redis is surfaced at startup, not silently degraded.
func NewRedisLocker(addr, password string, db int) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisLocker{
		client: client,
		logger: log.New(log.Writer(), "[LOCKS] ", log.LstdFlags),
	}, nil
}

// Acquire takes the named lock via SET NX PX. ok is false when another
// holder owns the key.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, func(), error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return false, nil, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			l.logger.Printf("release %s: %v", name, err)
		}
	}
	return true, release, nil
}

// Close releases the Redis connection pool.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
