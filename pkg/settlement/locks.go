package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// keyedMutex serializes work per key within this process. It is the
// baseline mutual exclusion for the draw+persist window; a distributed
// Locker layers on top of it when configured.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedMutexEntry
}

type keyedMutexEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		entries: make(map[string]*keyedMutexEntry),
	}
}

// lock blocks until the key is held and returns the unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &keyedMutexEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// settleLockKey is the mutual-exclusion key for a pool's settlement window.
func settleLockKey(poolID, scope string) string {
	return fmt.Sprintf("settle:%s:%s", scope, poolID)
}

// claimLockKey is the mutual-exclusion key for a reward's claim transition.
func claimLockKey(rewardID, poolID, scope string) string {
	if rewardID != "" {
		return fmt.Sprintf("claim:%s:%s", scope, rewardID)
	}
	return fmt.Sprintf("claim:%s:pool:%s", scope, poolID)
}

// acquireDistributed takes the advisory lock when a Locker is configured.
// A lock that cannot be acquired in time falls through with a warning:
// the unique constraint on the win store stays as the safety net, so a
// missed lock degrades correctness of bookkeeping logs, never of the
// persisted winner.
func acquireDistributed(ctx context.Context, locker Locker, logger zerolog.Logger, key string, ttl time.Duration) func() {
	if locker == nil {
		return func() {}
	}

	deadline := time.Now().Add(ttl)
	for {
		ok, err := locker.Acquire(ctx, key, ttl)
		if err != nil {
			logger.Warn().Err(err).Str("lock_key", key).Msg("Advisory lock unavailable, relying on unique constraint")
			return func() {}
		}
		if ok {
			return func() {
				if err := locker.Release(context.Background(), key); err != nil {
					logger.Warn().Err(err).Str("lock_key", key).Msg("Failed to release advisory lock")
				}
			}
		}
		if time.Now().After(deadline) {
			logger.Warn().Str("lock_key", key).Msg("Timed out waiting for advisory lock, relying on unique constraint")
			return func() {}
		}
		select {
		case <-ctx.Done():
			return func() {}
		case <-time.After(50 * time.Millisecond):
		}
	}
}
