package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still holds our token, so an
// expired lock taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RangeLock keeps two backfill jobs from working the same range at once.
// Locks expire after ttl so a crashed holder cannot block forever.
type RangeLock struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRangeLock(client *redis.Client, ttl time.Duration) *RangeLock {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RangeLock{client: client, ttl: ttl, prefix: "emitter:backfill-lock:"}
}

// TryLock takes the named lock. It reports false without error if another
// holder has it. The returned unlock func is safe to call after expiry.
func (l *RangeLock) TryLock(ctx context.Context, name string) (func(context.Context) error, bool, error) {
	key := l.prefix + name
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}

	unlock := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}
	return unlock, true, nil
}
