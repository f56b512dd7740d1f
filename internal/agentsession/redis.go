package agentsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const defaultRedisPrefix = "agentgate"

// RedisCache stores sessions in redis so server replicas share them.
// Entries carry a TTL matching the token lifetime.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache constructs a RedisCache on an existing client.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

// Get returns the cached session for userID, or nil on a miss. A
// corrupt entry is dropped and reported as a miss.
func (c *RedisCache) Get(ctx context.Context, userID string) (*Session, error) {
	data, err := c.client.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agentsession: redis get: %w", err)
	}
	var sess Session
	if errDecode := json.Unmarshal(data, &sess); errDecode != nil {
		log.WithField("user_id", userID).Warn("agentsession: dropping corrupt cache entry")
		_ = c.client.Del(ctx, c.key(userID)).Err()
		return nil, nil
	}
	return &sess, nil
}

// Set stores the session with ttl. Sessions already at or past expiry
// are not written.
func (c *RedisCache) Set(ctx context.Context, session *Session, ttl time.Duration) error {
	if session == nil || session.UserID == "" {
		return fmt.Errorf("agentsession: cannot cache session without user id")
	}
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("agentsession: encode session: %w", err)
	}
	if err := c.client.Set(ctx, c.key(session.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("agentsession: redis set: %w", err)
	}
	return nil
}

// Delete removes the session for userID.
func (c *RedisCache) Delete(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("agentsession: redis del: %w", err)
	}
	return nil
}

func (c *RedisCache) key(userID string) string {
	return c.prefix + ":agent_session:" + userID
}
