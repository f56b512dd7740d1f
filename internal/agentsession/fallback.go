package agentsession

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const breakerDuration = 30 * time.Second

// FallbackCache works through a primary backend and falls back to a
// local one while the primary misbehaves. A primary failure trips a
// breaker; until it expires all traffic goes to the fallback.
type FallbackCache struct {
	primary  Cache
	fallback Cache
	nowFn    func() time.Time

	mu           sync.Mutex
	breakerUntil time.Time
}

// NewFallbackCache constructs a FallbackCache over primary with
// fallback as the degraded path.
func NewFallbackCache(primary, fallback Cache) *FallbackCache {
	if fallback == nil {
		fallback = NewMemoryCache()
	}
	return &FallbackCache{primary: primary, fallback: fallback, nowFn: time.Now}
}

// Get reads from the active backend.
func (c *FallbackCache) Get(ctx context.Context, userID string) (*Session, error) {
	if c.breakerActive() {
		return c.fallback.Get(ctx, userID)
	}
	sess, err := c.primary.Get(ctx, userID)
	if err != nil {
		c.trip(err)
		return c.fallback.Get(ctx, userID)
	}
	return sess, nil
}

// Set writes to the active backend.
func (c *FallbackCache) Set(ctx context.Context, session *Session, ttl time.Duration) error {
	if c.breakerActive() {
		return c.fallback.Set(ctx, session, ttl)
	}
	if err := c.primary.Set(ctx, session, ttl); err != nil {
		c.trip(err)
		return c.fallback.Set(ctx, session, ttl)
	}
	return nil
}

// Delete clears both backends. Revocation must not survive a breaker
// transition, so the fallback is cleared even while the primary is
// healthy.
func (c *FallbackCache) Delete(ctx context.Context, userID string) error {
	errFallback := c.fallback.Delete(ctx, userID)
	if c.breakerActive() {
		return errFallback
	}
	if err := c.primary.Delete(ctx, userID); err != nil {
		c.trip(err)
		return err
	}
	return errFallback
}

func (c *FallbackCache) breakerActive() bool {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.breakerUntil.IsZero() {
		return false
	}
	if now.Before(c.breakerUntil) {
		return true
	}
	c.breakerUntil = time.Time{}
	return false
}

func (c *FallbackCache) trip(err error) {
	now := c.nowFn()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.breakerUntil.IsZero() && now.Before(c.breakerUntil) {
		return
	}
	c.breakerUntil = now.Add(breakerDuration)
	log.WithError(err).Warn("agentsession: session cache backend unavailable, falling back to memory")
}
