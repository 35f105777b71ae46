package redis

import (
	"context"
	"time"

	"github.com/Digital-Creators-Team/jackpot-settlement-module/pkg/settlement"
)

const lockPrefix = "lock:"

// locker implements settlement.Locker on SETNX with a TTL. The lock is
// advisory: losing it only costs extra work, correctness comes from the
// win store's unique constraint.
type locker struct {
	client *Client
}

// NewLocker returns a Redis-backed settlement.Locker.
func NewLocker(client *Client) settlement.Locker {
	return &locker{client: client}
}

func (l *locker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, lockPrefix+key, []byte("1"), ttl)
}

func (l *locker) Release(ctx context.Context, key string) error {
	return l.client.Delete(ctx, lockPrefix+key)
}

// statusCache implements settlement.StatusCache on plain GET/SET.
type statusCache struct {
	client *Client
}

// NewStatusCache returns a Redis-backed settlement.StatusCache.
func NewStatusCache(client *Client) settlement.StatusCache {
	return &statusCache{client: client}
}

func (c *statusCache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.client.Get(ctx, key)
}

func (c *statusCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl)
}

func (c *statusCache) Delete(ctx context.Context, key string) error {
	return c.client.Delete(ctx, key)
}
