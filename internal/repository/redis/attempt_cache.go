package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"abuse-control/internal/client"
	"abuse-control/internal/config"
	"abuse-control/internal/model"
	"abuse-control/internal/util"
)

func configTiers() []config.TierConfig {
	return config.Get().Throttle.Tiers
}

const (
	attemptCountPrefix = "attempt:count:" // attempt:count:<scope>:<key>:<tier>
	lockoutPrefix      = "attempt:lock:"  // attempt:lock:<scope>:<key>
	attemptCacheTTL    = 26 * time.Hour   // longest tier window plus slack
)

// AttemptCache mirrors the durable counters and lockouts in Redis. The
// mirror is best-effort: a miss or a stale read sends the caller back to
// the durable store, never the other way around.
type AttemptCache struct {
	redis *client.RedisClient
}

func NewAttemptCache(redisClient *client.RedisClient) *AttemptCache {
	return &AttemptCache{redis: redisClient}
}

func countKey(scope model.Scope, key, tierName string) string {
	return attemptCountPrefix + string(scope) + ":" + key + ":" + tierName
}

func lockKey(scope model.Scope, key string) string {
	return lockoutPrefix + string(scope) + ":" + key
}

// MirrorCounts writes the post-increment counts so hot keys answer from
// Redis. Value format is "<count>@<unix expiry>".
func (c *AttemptCache) MirrorCounts(scope model.Scope, key string, counts []model.TierCount) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := c.redis.Pipeline()
	for _, tc := range counts {
		val := strconv.Itoa(tc.Count) + "@" + strconv.FormatInt(tc.ExpiresAt.Unix(), 10)
		pipe.Set(ctx, countKey(scope, key, tc.Tier.Name), val, attemptCacheTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Debug("Failed to mirror attempt counts",
			zap.String("scope", string(scope)),
			zap.Error(err))
		return fmt.Errorf("failed to mirror attempt counts: %w", err)
	}
	return nil
}

// GetCounts returns the mirrored counts and whether every tier was present.
// A partial hit is reported as a miss so the caller reads durably.
func (c *AttemptCache) GetCounts(scope model.Scope, key string, tiers []model.Tier) ([]model.TierCount, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	counts := make([]model.TierCount, 0, len(tiers))
	for _, tier := range tiers {
		raw, err := c.redis.Get(ctx, countKey(scope, key, tier.Name))
		if err != nil {
			if client.IsNotFound(err) {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("failed to read attempt count: %w", err)
		}

		count, expiresAt, ok := parseCountValue(raw)
		if !ok {
			return nil, false, nil
		}
		if !expiresAt.After(now) {
			count = 0
		}
		counts = append(counts, model.TierCount{Tier: tier, Count: count, ExpiresAt: expiresAt})
	}
	return counts, true, nil
}

func parseCountValue(raw string) (int, time.Time, bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '@' {
			count, err1 := strconv.Atoi(raw[:i])
			unix, err2 := strconv.ParseInt(raw[i+1:], 10, 64)
			if err1 != nil || err2 != nil {
				return 0, time.Time{}, false
			}
			return count, time.Unix(unix, 0), true
		}
	}
	return 0, time.Time{}, false
}

func (c *AttemptCache) SetLock(scope model.Scope, key string, rec *model.LockoutRecord, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal lockout record: %w", err)
	}
	if err := c.redis.Set(ctx, lockKey(scope, key), data, ttl); err != nil {
		return fmt.Errorf("failed to cache lockout: %w", err)
	}
	return nil
}

func (c *AttemptCache) GetLock(scope model.Scope, key string) (*model.LockoutRecord, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := c.redis.Get(ctx, lockKey(scope, key))
	if err != nil {
		if client.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cached lockout: %w", err)
	}

	var rec model.LockoutRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, nil
	}
	return &rec, true, nil
}

// ClearAll drops every mirrored key for (scope,key). Called on successful
// authentication and on manual unlock.
func (c *AttemptCache) ClearAll(scope model.Scope, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := configTiers()
	keys := make([]string, 0, len(cfg)+1)
	for _, tier := range cfg {
		keys = append(keys, countKey(scope, key, tier.Name))
	}
	keys = append(keys, lockKey(scope, key))

	if err := c.redis.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to clear attempt cache: %w", err)
	}
	return nil
}
