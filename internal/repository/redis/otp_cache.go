package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redislib "github.com/redis/go-redis/v9"

	"abuse-control/internal/client"
)

const (
	recipientCooldownPrefix = "otp:cooldown:" // otp:cooldown:<recipient hash>
	issuanceWindowPrefix    = "otp:issued:"   // otp:issued:<owner>, ZSET scored by unix nano
	deviceIdentityPrefix    = "otp:device:"   // otp:device:<fp>:<day>, SET of tax ids
)

// OTPCache holds the issuance throttle state. Unlike the attempt mirror
// this state is authoritative for cooldowns: losing it only relaxes
// throttling briefly, which is the accepted failure mode.
type OTPCache struct {
	redis *client.RedisClient
}

func NewOTPCache(redisClient *client.RedisClient) *OTPCache {
	return &OTPCache{redis: redisClient}
}

// AcquireRecipientCooldown takes the per-recipient send slot. When the slot
// is already held it returns false plus the remaining wait.
func (c *OTPCache) AcquireRecipientCooldown(recipient string, ttl time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := recipientCooldownPrefix + recipient
	acquired, err := c.redis.SetNX(ctx, key, "1", ttl)
	if err != nil {
		return false, 0, fmt.Errorf("failed to acquire recipient cooldown: %w", err)
	}
	if acquired {
		return true, 0, nil
	}

	remaining, err := c.redis.TTL(ctx, key)
	if err != nil || remaining < 0 {
		remaining = ttl
	}
	return false, remaining, nil
}

// CountIssuanceWindow prunes expired entries and returns how many codes
// were issued to the owner inside the rolling window.
func (c *OTPCache) CountIssuanceWindow(ownerID string, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := issuanceWindowPrefix + ownerID
	cutoff := time.Now().Add(-window).UnixNano()
	if err := c.redis.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10)); err != nil {
		return 0, fmt.Errorf("failed to prune issuance window: %w", err)
	}

	count, err := c.redis.ZCard(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to count issuance window: %w", err)
	}
	return int(count), nil
}

// AddIssuance records one issuance at the current instant.
func (c *OTPCache) AddIssuance(ownerID string, window time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := issuanceWindowPrefix + ownerID
	now := time.Now().UnixNano()
	member := redislib.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)}
	if err := c.redis.ZAdd(ctx, key, member); err != nil {
		return fmt.Errorf("failed to record issuance: %w", err)
	}
	if err := c.redis.Expire(ctx, key, window+time.Minute); err != nil {
		return fmt.Errorf("failed to expire issuance window: %w", err)
	}
	return nil
}

// AddDeviceIdentity adds taxID to the device's day-window set and returns
// the distinct identity count.
func (c *OTPCache) AddDeviceIdentity(deviceFP, windowDay, taxID string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := deviceIdentityPrefix + deviceFP + ":" + windowDay
	if err := c.redis.SAdd(ctx, key, taxID); err != nil {
		return 0, fmt.Errorf("failed to register device identity: %w", err)
	}
	if err := c.redis.Expire(ctx, key, ttl); err != nil {
		return 0, fmt.Errorf("failed to expire device identity set: %w", err)
	}

	count, err := c.redis.SCard(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to count device identities: %w", err)
	}
	return int(count), nil
}
