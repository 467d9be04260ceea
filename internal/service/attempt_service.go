package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"abuse-control/internal/audit"
	"abuse-control/internal/config"
	"abuse-control/internal/model"
	"abuse-control/internal/util"
)

// AttemptService is the counter and lockout state machine for one scope
// dimension. Counting is durable-first: every failure lands in the store
// before the cache mirror is refreshed, so concurrent failures for one key
// can never under-count.
type AttemptService struct {
	repo  model.AttemptRepository
	cache model.AttemptCache
	audit *audit.Recorder
	tiers []model.Tier
}

func NewAttemptService(
	repo model.AttemptRepository,
	cache model.AttemptCache,
	auditRecorder *audit.Recorder,
	cfg *config.Config,
) *AttemptService {
	return &AttemptService{
		repo:  repo,
		cache: cache,
		audit: auditRecorder,
		tiers: TiersFromConfig(cfg),
	}
}

// TiersFromConfig converts the configured throttle tiers, ordered least to
// most severe.
func TiersFromConfig(cfg *config.Config) []model.Tier {
	tiers := make([]model.Tier, 0, len(cfg.Throttle.Tiers))
	for _, tc := range cfg.Throttle.Tiers {
		tiers = append(tiers, model.Tier{
			Name:         tc.Name,
			Window:       tc.Window,
			Threshold:    tc.Threshold,
			LockDuration: tc.LockDuration,
		})
	}
	return tiers
}

// RecordFailure counts one failure across every tier atomically, then
// evaluates lockout. It returns the lockout record when a threshold was
// crossed, nil otherwise.
func (s *AttemptService) RecordFailure(ctx context.Context, scope model.Scope, key string, now time.Time) (*model.LockoutRecord, error) {
	counts, err := s.repo.IncrementFailure(ctx, scope, key, s.tiers, now)
	if err != nil {
		return nil, err
	}

	if mirrorErr := s.cache.MirrorCounts(scope, key, counts); mirrorErr != nil {
		util.Debug("Attempt count mirror failed",
			zap.String("scope", string(scope)),
			zap.Error(mirrorErr))
	}

	// Most severe tier wins: walk from the longest window down.
	for i := len(counts) - 1; i >= 0; i-- {
		tc := counts[i]
		if tc.Count < tc.Tier.Threshold {
			continue
		}

		rec := &model.LockoutRecord{
			Scope:       scope,
			Key:         key,
			TierName:    tc.Tier.Name,
			LockedAt:    now,
			LockedUntil: now.Add(tc.Tier.LockDuration),
			Reason:      "failure threshold exceeded",
		}
		if err := s.repo.CreateLockout(ctx, rec); err != nil {
			return nil, err
		}
		if cacheErr := s.cache.SetLock(scope, key, rec, tc.Tier.LockDuration); cacheErr != nil {
			util.Debug("Lockout mirror failed", zap.Error(cacheErr))
		}

		s.audit.Lockout(audit.EventLockoutApplied, rec)
		util.Warn("Lockout applied",
			zap.String("scope", string(scope)),
			zap.String("key", key),
			zap.String("tier", tc.Tier.Name),
			zap.Time("locked_until", rec.LockedUntil))
		return rec, nil
	}

	return nil, nil
}

// RecordSuccess resets every tier and clears any lockout. This is the only
// early reset path.
func (s *AttemptService) RecordSuccess(ctx context.Context, scope model.Scope, key string) error {
	if err := s.repo.ResetAll(ctx, scope, key); err != nil {
		return err
	}
	if err := s.cache.ClearAll(scope, key); err != nil {
		util.Debug("Attempt cache clear failed",
			zap.String("scope", string(scope)),
			zap.Error(err))
	}

	s.audit.Record(&model.AuditEvent{
		EventType: audit.EventCountersReset,
		Scope:     scope,
		Key:       key,
	})
	return nil
}

// IsLocked answers the fast-path lock question. Cache first; on miss the
// durable record is read and the cache self-heals. Expired records count
// as unlocked (lazy expiry).
func (s *AttemptService) IsLocked(ctx context.Context, scope model.Scope, key string, now time.Time) (*model.LockoutRecord, error) {
	rec, found, err := s.cache.GetLock(scope, key)
	if err == nil && found {
		if rec.Active(now) {
			return rec, nil
		}
		// Stale mirror; fall through to the durable store rather than
		// trusting a cached expiry.
	} else if err != nil {
		util.Debug("Lockout cache read failed", zap.Error(err))
	}

	rec, err = s.repo.GetLockout(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if !rec.Active(now) {
		// Lapsed lock discovered on read: reap the row so later reads
		// short-circuit.
		if clearErr := s.repo.ClearLockout(ctx, scope, key); clearErr != nil {
			util.Debug("Lapsed lockout cleanup failed", zap.Error(clearErr))
		}
		s.audit.Lockout(audit.EventLockoutExpired, rec)
		return nil, nil
	}

	if cacheErr := s.cache.SetLock(scope, key, rec, rec.RetryAfter(now)); cacheErr != nil {
		util.Debug("Lockout self-heal mirror failed", zap.Error(cacheErr))
	}
	return rec, nil
}

// Counts reads the per-tier counters, preferring the mirror.
func (s *AttemptService) Counts(ctx context.Context, scope model.Scope, key string, now time.Time) ([]model.TierCount, error) {
	counts, hit, err := s.cache.GetCounts(scope, key, s.tiers)
	if err == nil && hit {
		return counts, nil
	}
	if err != nil {
		util.Debug("Attempt count cache read failed", zap.Error(err))
	}

	counts, err = s.repo.GetCounts(ctx, scope, key, s.tiers, now)
	if err != nil {
		return nil, err
	}
	if mirrorErr := s.cache.MirrorCounts(scope, key, counts); mirrorErr != nil {
		util.Debug("Attempt count mirror failed", zap.Error(mirrorErr))
	}
	return counts, nil
}

// Tiers exposes the configured tier set.
func (s *AttemptService) Tiers() []model.Tier {
	return s.tiers
}
