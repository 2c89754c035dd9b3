// Package lock guards a mailbox scan against concurrent runs.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned by Acquire if another holder owns the lock.
var ErrLocked = errors.New("lock is held by another process")

// keyPrefix namespaces lock keys in Redis.
const keyPrefix = "dmarcanalyzer:lock:"

// Locker hands out an exclusive lock per name. The returned release function
// must be called once the protected work is done.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(context.Context) error, err error)
}

// Noop is used when only a single process scans the mailbox.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// releaseScript only deletes the key if it still carries our token so an
// expired lock taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by a Redis key with a TTL.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis creates a locker backed by Redis.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{
		rdb: rdb,
		ttl: ttl,
	}
}

// NewRedisFromURL parses a redis:// URL and returns the locker together with
// the client so the caller can close it.
func NewRedisFromURL(url string, ttl time.Duration) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	return NewRedis(rdb, ttl), rdb, nil
}

func (l *Redis) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	key := keyPrefix + name
	token := uuid.NewString()

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock SETNX: %w", err)
	}
	if !set {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("lock release: %w", err)
		}
		return nil
	}
	return release, nil
}
