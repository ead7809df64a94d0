package redisx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Guard is a per-key mutual exclusion lock held for a bounded time.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = TTLPurchaseLock
	}
	return &Guard{rdb: rdb, ttl: ttl}
}

// releaseScript deletes the lock only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Acquire takes the lock for key. ok is false when another holder has it.
func (g *Guard) Acquire(ctx context.Context, key string) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = g.rdb.SetNX(ctx, fmt.Sprintf(KeyPurchaseLock, key), token, g.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (g *Guard) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, g.rdb, []string{fmt.Sprintf(KeyPurchaseLock, key)}, token).Err()
}

// Dedup remembers processed event ids per service.
type Dedup struct {
	rdb     *redis.Client
	service string
}

func NewDedup(rdb *redis.Client, service string) *Dedup {
	return &Dedup{rdb: rdb, service: service}
}

// FirstSeen marks id as processed and reports whether this call was the
// first to do so.
func (d *Dedup) FirstSeen(ctx context.Context, id string) (bool, error) {
	return d.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, d.service, id), "1", TTLDedup).Result()
}

// Forget unmarks id so a failed handler can be retried on redelivery.
func (d *Dedup) Forget(ctx context.Context, id string) error {
	return d.rdb.Del(ctx, fmt.Sprintf(KeyDedup, d.service, id)).Err()
}

// StatusCache is a short-lived read-through cache for order lookups. The
// database stays the source of truth.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{rdb: rdb, ttl: TTLStatusCache}
}

func (c *StatusCache) Get(ctx context.Context, orderID string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *StatusCache) Set(ctx context.Context, orderID string, v []byte) error {
	return c.rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, orderID), v, c.ttl).Err()
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}

// Enabled reports whether addr is set; an empty REDIS_ADDR selects the
// in-process implementations.
func Enabled(addr string) bool {
	return strings.TrimSpace(addr) != ""
}
