package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"ms-auction/internal/logger"
	"ms-auction/internal/models"

	"github.com/go-redis/redis/v8"
)

const principalKeyPrefix = "auth:principal:"

// CachingVerifier remembers verified principals in Redis keyed by the token hash, so
// reconnect storms do not hit the identity provider once per socket.
type CachingVerifier struct {
	next   Verifier
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger
}

func NewCachingVerifier(next Verifier, client *redis.Client, ttl time.Duration, log *logger.Logger) *CachingVerifier {
	return &CachingVerifier{next: next, client: client, ttl: ttl, logger: log}
}

func (c *CachingVerifier) Verify(ctx context.Context, token string) (models.Principal, error) {
	key := principalCacheKey(token)

	if cached, ok := c.lookup(ctx, key); ok {
		return cached, nil
	}

	principal, err := c.next.Verify(ctx, token)
	if err != nil {
		return models.Principal{}, err
	}

	ttl := c.ttl
	if exp, ok := TokenExpiry(token); ok {
		if remaining := time.Until(exp); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		if err := c.store(ctx, key, principal, ttl); err != nil && c.logger != nil {
			c.logger.Warn("AUTH", fmt.Sprintf("Failed to cache principal %s: %v", principal.ID, err))
		}
	}

	return principal, nil
}

func (c *CachingVerifier) lookup(ctx context.Context, key string) (models.Principal, bool) {
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return models.Principal{}, false
	}
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("AUTH", fmt.Sprintf("Token cache read failed, verifying directly: %v", err))
		}
		return models.Principal{}, false
	}

	var p models.Principal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return models.Principal{}, false
	}
	return p, true
}

func (c *CachingVerifier) store(ctx context.Context, key string, p models.Principal, ttl time.Duration) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal principal: %w", err)
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store principal in Redis: %w", err)
	}
	return nil
}

func principalCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return principalKeyPrefix + hex.EncodeToString(sum[:])
}
