package redisx

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	tok, ok, err := g.Acquire(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = g.Acquire(ctx, "k1")
	assert.False(t, ok, "held")

	require.NoError(t, g.Release(ctx, "k1", "someone-else"))
	_, ok, _ = g.Acquire(ctx, "k1")
	assert.False(t, ok, "foreign token does not release")

	require.NoError(t, g.Release(ctx, "k1", tok))
	tok2, ok, _ := g.Acquire(ctx, "k1")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = g.Acquire(ctx, "k1")
	assert.True(t, ok, "expired lock is free")
	assert.NoError(t, g.Release(ctx, "k1", tok2))
}

func TestMemoryDedup(t *testing.T) {
	d := NewMemoryDedup()
	ctx := context.Background()
	first, _ := d.FirstSeen(ctx, "e1")
	again, _ := d.FirstSeen(ctx, "e1")
	assert.True(t, first)
	assert.False(t, again)

	require.NoError(t, d.Forget(ctx, "e1"))
	first, _ = d.FirstSeen(ctx, "e1")
	assert.True(t, first)
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_, ok, _ := c.Get(ctx, "o1")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "o1", []byte(`{"status":"PAID"}`)))
	b, ok, _ := c.Get(ctx, "o1")
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"PAID"}`, string(b))

	require.NoError(t, c.Invalidate(ctx, "o1"))
	_, ok, _ = c.Get(ctx, "o1")
	assert.False(t, ok)
}

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "idem:purchase:abc", fmt.Sprintf(KeyPurchaseLock, "abc"))
	assert.Equal(t, "dedup:worker:e1", fmt.Sprintf(KeyDedup, "worker", "e1"))
	assert.True(t, Enabled("localhost:6379"))
	assert.False(t, Enabled(" "))
}
