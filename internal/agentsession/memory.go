package agentsession

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryCache is a per-instance session cache. Entries are replaced
// whole, never mutated in place.
type MemoryCache struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryCache constructs a MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{sessions: make(map[string]Session)}
}

// Get returns the cached session for userID, or nil on a miss.
func (c *MemoryCache) Get(_ context.Context, userID string) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[userID]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

// Set stores the session. The ttl is ignored; validity is checked on
// read against ExpiresAt.
func (c *MemoryCache) Set(_ context.Context, session *Session, _ time.Duration) error {
	if session == nil || session.UserID == "" {
		return fmt.Errorf("agentsession: cannot cache session without user id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.UserID] = *session
	return nil
}

// Delete removes the session for userID. Deleting an absent entry is a
// no-op.
func (c *MemoryCache) Delete(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, userID)
	return nil
}
