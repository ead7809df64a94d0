package redisx

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryGuard, MemoryDedup and MemoryCache stand in for Redis in tests and
// single-process runs.
type MemoryGuard struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	locks map[string]memoryLock
}

type memoryLock struct {
	token   string
	expires time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = TTLPurchaseLock
	}
	return &MemoryGuard{ttl: ttl, now: time.Now, locks: map[string]memoryLock{}}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if l, ok := g.locks[key]; ok && now.Before(l.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	g.locks[key] = memoryLock{token: token, expires: now.Add(g.ttl)}
	return token, true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.locks[key]; ok && l.token == token {
		delete(g.locks, key)
	}
	return nil
}

type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: map[string]bool{}}
}

func (d *MemoryDedup) FirstSeen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *MemoryDedup) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

type MemoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string][]byte{}}
}

func (c *MemoryCache) Get(_ context.Context, orderID string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.entries[orderID]
	return b, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, orderID string, v []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[orderID] = append([]byte(nil), v...)
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orderID)
	return nil
}
