package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"abuse-control/internal/bucketing"
	"abuse-control/internal/model"
	"abuse-control/internal/util"
)

const casRetries = 5

// AttemptRepository owns attempt_windows and lockout_records.
//
// Schema:
//
//	CREATE TABLE attempt_windows (
//	    bucket int, scope text, key text, tier_name text,
//	    count int, window_started_at timestamp, window_expires_at timestamp,
//	    PRIMARY KEY ((bucket, scope, key), tier_name));
//
//	CREATE TABLE lockout_records (
//	    bucket int, scope text, key text, tier_name text,
//	    locked_at timestamp, locked_until timestamp, reason text,
//	    PRIMARY KEY ((bucket, scope, key)));
//
// All tier rows of one (scope,key) share a partition, so a single
// conditional batch updates every tier of a failure event atomically.
type AttemptRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewAttemptRepository(client *ScyllaClient, bucketing *bucketing.BucketingManager) *AttemptRepository {
	return &AttemptRepository{
		client:    client,
		bucketing: bucketing,
	}
}

type tierRow struct {
	count     int
	startedAt time.Time
	expiresAt time.Time
	exists    bool
}

// IncrementFailure records one failure across every tier of (scope,key).
// Expired windows restart; live windows increment. The write is a
// compare-and-swap batch retried on contention, so N concurrent failures
// land as exactly N counted failures.
func (r *AttemptRepository) IncrementFailure(ctx context.Context, scope model.Scope, key string, tiers []model.Tier, now time.Time) ([]model.TierCount, error) {
	bucket := r.bucketing.KeyBucket(string(scope), key)

	for attempt := 0; attempt < casRetries; attempt++ {
		rows, err := r.readTierRows(ctx, bucket, scope, key)
		if err != nil {
			return nil, err
		}

		batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
		counts := make([]model.TierCount, 0, len(tiers))

		for _, tier := range tiers {
			existing, ok := rows[tier.Name]
			switch {
			case !ok:
				batch.Query(`
					INSERT INTO attempt_windows (bucket, scope, key, tier_name, count, window_started_at, window_expires_at)
					VALUES (?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
					bucket, string(scope), key, tier.Name, 1, now, now.Add(tier.Window))
				counts = append(counts, model.TierCount{Tier: tier, Count: 1, ExpiresAt: now.Add(tier.Window)})
			case now.After(existing.expiresAt):
				// Window elapsed: restart, the old count is dropped
				batch.Query(`
					UPDATE attempt_windows SET count = ?, window_started_at = ?, window_expires_at = ?
					WHERE bucket = ? AND scope = ? AND key = ? AND tier_name = ? IF count = ?`,
					1, now, now.Add(tier.Window),
					bucket, string(scope), key, tier.Name, existing.count)
				counts = append(counts, model.TierCount{Tier: tier, Count: 1, ExpiresAt: now.Add(tier.Window)})
			default:
				batch.Query(`
					UPDATE attempt_windows SET count = ?
					WHERE bucket = ? AND scope = ? AND key = ? AND tier_name = ? IF count = ?`,
					existing.count+1,
					bucket, string(scope), key, tier.Name, existing.count)
				counts = append(counts, model.TierCount{Tier: tier, Count: existing.count + 1, ExpiresAt: existing.expiresAt})
			}
		}

		applied, err := r.client.ExecuteBatchCAS(batch)
		if err != nil {
			util.Error("Failed to increment attempt windows",
				zap.String("scope", string(scope)),
				zap.String("key", key),
				zap.Error(err))
			return nil, fmt.Errorf("failed to increment attempt windows: %w", err)
		}
		if applied {
			return counts, nil
		}
		// Lost the race against a concurrent failure event; re-read and retry
	}

	return nil, fmt.Errorf("attempt window contention for %s:%s after %d retries", scope, key, casRetries)
}

// GetCounts returns live tier counts without mutating anything. Missing or
// expired windows read as zero.
func (r *AttemptRepository) GetCounts(ctx context.Context, scope model.Scope, key string, tiers []model.Tier, now time.Time) ([]model.TierCount, error) {
	bucket := r.bucketing.KeyBucket(string(scope), key)

	rows, err := r.readTierRows(ctx, bucket, scope, key)
	if err != nil {
		return nil, err
	}

	counts := make([]model.TierCount, 0, len(tiers))
	for _, tier := range tiers {
		existing, ok := rows[tier.Name]
		if !ok || now.After(existing.expiresAt) {
			counts = append(counts, model.TierCount{Tier: tier})
			continue
		}
		counts = append(counts, model.TierCount{Tier: tier, Count: existing.count, ExpiresAt: existing.expiresAt})
	}
	return counts, nil
}

// ResetAll drops every tier window and any lockout for (scope,key). This is
// the success path and the only early reset.
func (r *AttemptRepository) ResetAll(ctx context.Context, scope model.Scope, key string) error {
	bucket := r.bucketing.KeyBucket(string(scope), key)

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM attempt_windows WHERE bucket = ? AND scope = ? AND key = ?`,
		bucket, string(scope), key)
	batch.Query(`DELETE FROM lockout_records WHERE bucket = ? AND scope = ? AND key = ?`,
		bucket, string(scope), key)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to reset attempt windows",
			zap.String("scope", string(scope)),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset attempt windows: %w", err)
	}

	util.Debug("Attempt windows reset",
		zap.String("scope", string(scope)),
		zap.String("key", key))

	return nil
}

// CreateLockout persists a lock with a TTL matching its duration, so the
// row disappears on its own once the lock has lapsed.
func (r *AttemptRepository) CreateLockout(ctx context.Context, rec *model.LockoutRecord) error {
	bucket := r.bucketing.KeyBucket(string(rec.Scope), rec.Key)
	rec.Bucket = bucket

	ttl := int(time.Until(rec.LockedUntil).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	query := r.client.Query(`
		INSERT INTO lockout_records (bucket, scope, key, tier_name, locked_at, locked_until, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?) USING TTL ?`,
		bucket, string(rec.Scope), rec.Key, rec.TierName, rec.LockedAt, rec.LockedUntil, rec.Reason, ttl).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create lockout record",
			zap.String("scope", string(rec.Scope)),
			zap.String("key", rec.Key),
			zap.String("tier", rec.TierName),
			zap.Error(err))
		return fmt.Errorf("failed to create lockout record: %w", err)
	}

	util.Info("Lockout record created",
		zap.String("scope", string(rec.Scope)),
		zap.String("key", rec.Key),
		zap.String("tier", rec.TierName),
		zap.Time("locked_until", rec.LockedUntil))

	return nil
}

// GetLockout returns nil when no record exists.
func (r *AttemptRepository) GetLockout(ctx context.Context, scope model.Scope, key string) (*model.LockoutRecord, error) {
	bucket := r.bucketing.KeyBucket(string(scope), key)

	rec := &model.LockoutRecord{Bucket: bucket, Scope: scope, Key: key}
	query := r.client.Query(`
		SELECT tier_name, locked_at, locked_until, reason
		FROM lockout_records WHERE bucket = ? AND scope = ? AND key = ?`,
		bucket, string(scope), key).WithContext(ctx)

	err := r.client.ScanWithRetry(query, &rec.TierName, &rec.LockedAt, &rec.LockedUntil, &rec.Reason)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get lockout record",
			zap.String("scope", string(scope)),
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get lockout record: %w", err)
	}

	return rec, nil
}

func (r *AttemptRepository) ClearLockout(ctx context.Context, scope model.Scope, key string) error {
	bucket := r.bucketing.KeyBucket(string(scope), key)

	query := r.client.Query(`
		DELETE FROM lockout_records WHERE bucket = ? AND scope = ? AND key = ?`,
		bucket, string(scope), key).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to clear lockout record: %w", err)
	}
	return nil
}

func (r *AttemptRepository) readTierRows(ctx context.Context, bucket int, scope model.Scope, key string) (map[string]tierRow, error) {
	iter := r.client.Query(`
		SELECT tier_name, count, window_started_at, window_expires_at
		FROM attempt_windows WHERE bucket = ? AND scope = ? AND key = ?`,
		bucket, string(scope), key).WithContext(ctx).Iter()

	rows := make(map[string]tierRow)
	var (
		tierName  string
		count     int
		startedAt time.Time
		expiresAt time.Time
	)
	for iter.Scan(&tierName, &count, &startedAt, &expiresAt) {
		rows[tierName] = tierRow{count: count, startedAt: startedAt, expiresAt: expiresAt, exists: true}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read attempt windows: %w", err)
	}
	return rows, nil
}
