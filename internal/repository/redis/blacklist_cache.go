package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"abuse-control/internal/client"
	"abuse-control/internal/util"
)

const blacklistVerdictPrefix = "blacklist:verdict:" // blacklist:verdict:<tax id>

// BlacklistCache stores screening verdicts so the common path never hits
// the durable table. Writes to the table evict the key, so the TTL is only
// a backstop against missed invalidations.
type BlacklistCache struct {
	redis *client.RedisClient
}

func NewBlacklistCache(redisClient *client.RedisClient) *BlacklistCache {
	return &BlacklistCache{redis: redisClient}
}

func (c *BlacklistCache) GetVerdict(taxID string) (bool, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := c.redis.Get(ctx, blacklistVerdictPrefix+taxID)
	if err != nil {
		if client.IsNotFound(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("failed to read blacklist verdict: %w", err)
	}
	return raw == "blocked", true, nil
}

func (c *BlacklistCache) SetVerdict(taxID string, blocked bool, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	verdict := "clear"
	if blocked {
		verdict = "blocked"
	}
	if err := c.redis.Set(ctx, blacklistVerdictPrefix+taxID, verdict, ttl); err != nil {
		return fmt.Errorf("failed to cache blacklist verdict: %w", err)
	}
	return nil
}

// Evict drops the cached verdict. Called on every blacklist write so the
// next screen reads the fresh row.
func (c *BlacklistCache) Evict(taxID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.redis.Del(ctx, blacklistVerdictPrefix+taxID); err != nil {
		util.Error("Failed to evict blacklist verdict", zap.Error(err))
		return fmt.Errorf("failed to evict blacklist verdict: %w", err)
	}
	return nil
}
