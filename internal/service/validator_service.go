package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"abuse-control/internal/audit"
	"abuse-control/internal/model"
	"abuse-control/internal/taxid"
	"abuse-control/internal/util"
)

const blacklistVerdictTTL = 24 * time.Hour

// ValidatorService screens identities before they touch any counter:
// format, checksum, then the blacklist. Format and checksum never reach a
// store; the blacklist screen is cached for 24h and fails open.
type ValidatorService struct {
	blacklistRepo  model.BlacklistRepository
	blacklistCache model.BlacklistCache
	audit          *audit.Recorder
}

func NewValidatorService(
	blacklistRepo model.BlacklistRepository,
	blacklistCache model.BlacklistCache,
	auditRecorder *audit.Recorder,
) *ValidatorService {
	return &ValidatorService{
		blacklistRepo:  blacklistRepo,
		blacklistCache: blacklistCache,
		audit:          auditRecorder,
	}
}

// Validate returns the cleaned tax id when it passes all screens, or one
// of ErrInvalidFormat, ErrChecksumFailed, ErrBlacklisted.
func (s *ValidatorService) Validate(ctx context.Context, rawTaxID string) (string, error) {
	cleaned := taxid.Clean(rawTaxID)
	if len(cleaned) != taxid.Length {
		return "", ErrInvalidFormat
	}

	// Degenerate sequences satisfy the checksum math, so they are rejected
	// before it runs.
	if taxid.IsDegenerate(cleaned) || !taxid.CheckDigits(cleaned) {
		return "", ErrChecksumFailed
	}

	blocked, err := s.screenBlacklist(ctx, cleaned)
	if err != nil {
		// Fail open: a screening outage must never deny logins.
		util.Warn("Blacklist screen unavailable, failing open",
			zap.String("tax_id", cleaned),
			zap.Error(err))
		s.audit.Record(&model.AuditEvent{
			EventType: audit.EventScreeningBypass,
			Scope:     model.ScopeIdentity,
			Key:       cleaned,
			Detail:    "blacklist store unreachable",
		})
		return cleaned, nil
	}
	if blocked {
		s.audit.Record(&model.AuditEvent{
			EventType: audit.EventScreeningBlocked,
			Scope:     model.ScopeIdentity,
			Key:       cleaned,
		})
		return "", ErrBlacklisted
	}

	return cleaned, nil
}

func (s *ValidatorService) screenBlacklist(ctx context.Context, taxID string) (bool, error) {
	blocked, found, err := s.blacklistCache.GetVerdict(taxID)
	if err == nil && found {
		return blocked, nil
	}
	if err != nil {
		util.Debug("Blacklist verdict cache read failed", zap.Error(err))
	}

	entry, err := s.blacklistRepo.GetActive(ctx, taxID)
	if err != nil {
		return false, err
	}
	blocked = entry != nil

	if cacheErr := s.blacklistCache.SetVerdict(taxID, blocked, blacklistVerdictTTL); cacheErr != nil {
		util.Debug("Blacklist verdict cache write failed", zap.Error(cacheErr))
	}
	return blocked, nil
}

// AddToBlacklist writes (or reactivates) an entry and evicts its cached
// verdict so the next screen reads the fresh row.
func (s *ValidatorService) AddToBlacklist(ctx context.Context, rawTaxID, reason, setBy string) error {
	cleaned := taxid.Clean(rawTaxID)
	if len(cleaned) != taxid.Length {
		return ErrInvalidFormat
	}

	entry := &model.BlacklistEntry{
		TaxID:  cleaned,
		Active: true,
		Reason: reason,
		SetBy:  setBy,
		SetAt:  time.Now().UTC(),
	}
	if err := s.blacklistRepo.Upsert(ctx, entry); err != nil {
		return err
	}

	if err := s.blacklistCache.Evict(cleaned); err != nil {
		util.Warn("Blacklist cache eviction failed after upsert",
			zap.String("tax_id", cleaned),
			zap.Error(err))
	}
	return nil
}

// RemoveFromBlacklist deactivates the entry and evicts the cached verdict.
func (s *ValidatorService) RemoveFromBlacklist(ctx context.Context, rawTaxID, setBy string) error {
	cleaned := taxid.Clean(rawTaxID)
	if len(cleaned) != taxid.Length {
		return ErrInvalidFormat
	}

	if err := s.blacklistRepo.Deactivate(ctx, cleaned, setBy); err != nil {
		return err
	}

	if err := s.blacklistCache.Evict(cleaned); err != nil {
		util.Warn("Blacklist cache eviction failed after deactivate",
			zap.String("tax_id", cleaned),
			zap.Error(err))
	}
	return nil
}
