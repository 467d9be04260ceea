package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"abuse-control/internal/audit"
	"abuse-control/internal/bucketing"
	"abuse-control/internal/config"
	"abuse-control/internal/delivery"
	"abuse-control/internal/encryption"
	"abuse-control/internal/hashing"
	"abuse-control/internal/model"
	"abuse-control/internal/util"
)

const deliveryTimeout = 10 * time.Second

// IssueResult is returned on successful issuance. Code is populated only
// outside production, for diagnostics.
type IssueResult struct {
	ChallengeID string
	ExpiresAt   time.Time
	Code        string
}

// OTPService issues and validates single-use codes. Issuance is throttled
// three ways (owner rolling hour, recipient cooldown, device fan-out);
// validation is fail-closed and replay-safe.
type OTPService struct {
	repo       model.OTPRepository
	deviceRepo model.DeviceRepository
	cache      model.OTPCache
	hasher     *hashing.Hasher
	encryptor  *encryption.Manager
	bucketing  *bucketing.BucketingManager
	messenger  delivery.Messenger
	audit      *audit.Recorder
	cfg        *config.Config
}

func NewOTPService(
	repo model.OTPRepository,
	deviceRepo model.DeviceRepository,
	cache model.OTPCache,
	hasher *hashing.Hasher,
	encryptor *encryption.Manager,
	bucketingManager *bucketing.BucketingManager,
	messenger delivery.Messenger,
	auditRecorder *audit.Recorder,
	cfg *config.Config,
) *OTPService {
	return &OTPService{
		repo:       repo,
		deviceRepo: deviceRepo,
		cache:      cache,
		hasher:     hasher,
		encryptor:  encryptor,
		bucketing:  bucketingManager,
		messenger:  messenger,
		audit:      auditRecorder,
		cfg:        cfg,
	}
}

// GuardDeviceFanOut registers the (device, identity) association for the
// current day window and rejects once the device has touched more than
// the configured number of distinct identities. The durable set is
// authoritative; Redis is the fast path.
func (s *OTPService) GuardDeviceFanOut(ctx context.Context, deviceFP, taxID string, now time.Time) error {
	windowDay := s.bucketing.DayBucket(now)

	count, err := s.deviceRepo.RegisterIdentity(ctx, deviceFP, windowDay, taxID)
	if err != nil {
		util.Warn("Device fan-out durable register failed, using cache",
			zap.String("device_fp", deviceFP),
			zap.Error(err))
		count, err = s.cache.AddDeviceIdentity(deviceFP, windowDay, taxID, s.cfg.OTP.DeviceWindow)
		if err != nil {
			// Both sides down: fail open, the guard is a throttle.
			util.Warn("Device fan-out guard unavailable, failing open", zap.Error(err))
			return nil
		}
	} else {
		if _, cacheErr := s.cache.AddDeviceIdentity(deviceFP, windowDay, taxID, s.cfg.OTP.DeviceWindow); cacheErr != nil {
			util.Debug("Device fan-out cache mirror failed", zap.Error(cacheErr))
		}
	}

	if count > s.cfg.OTP.DeviceMaxTaxIDs {
		s.audit.Record(&model.AuditEvent{
			EventType: audit.EventOTPThrottled,
			Scope:     model.ScopeDevice,
			Key:       deviceFP,
			Detail:    fmt.Sprintf("device touched %d identities in window %s", count, windowDay),
		})
		return ErrDeviceThrottled
	}
	return nil
}

// Issue creates a challenge for (owner,purpose), superseding any live one,
// and hands the code to the delivery pipeline without awaiting it.
func (s *OTPService) Issue(ctx context.Context, ownerID, purpose, recipient, requesterIP string) (*IssueResult, error) {
	now := time.Now().UTC()

	issued, err := s.cache.CountIssuanceWindow(ownerID, time.Hour)
	if err != nil {
		util.Debug("Issuance window cache unavailable, reading durable log", zap.Error(err))
		issued, err = s.repo.CountIssuedSince(ctx, ownerID, now.Add(-time.Hour))
		if err != nil {
			util.Warn("Issuance throttle unavailable, failing open", zap.Error(err))
			issued = 0
		}
	}
	if issued >= s.cfg.OTP.MaxPerHour {
		s.audit.Record(&model.AuditEvent{
			EventType: audit.EventOTPThrottled,
			Scope:     model.ScopeIdentity,
			Key:       ownerID,
			Detail:    fmt.Sprintf("%d issuances in rolling hour", issued),
		})
		return nil, &RateLimitedError{RetryAfter: time.Hour}
	}

	// The cooldown slot is taken only after the hourly cap passes, so a
	// capped request does not burn the recipient's wait.
	acquired, remaining, err := s.cache.AcquireRecipientCooldown(hashRecipient(recipient), s.cfg.OTP.RecipientCooldown)
	if err != nil {
		// Throttle state unavailable: fail open and log, same policy as
		// the screening paths.
		util.Warn("Recipient cooldown unavailable, failing open", zap.Error(err))
	} else if !acquired {
		s.audit.Record(&model.AuditEvent{
			EventType: audit.EventOTPThrottled,
			Scope:     model.ScopeIdentity,
			Key:       ownerID,
			Detail:    "recipient cooldown active",
		})
		return nil, &CooldownError{RetryAfter: remaining}
	}

	if err := s.repo.SupersedeActive(ctx, ownerID, purpose); err != nil {
		util.Warn("Failed to supersede prior challenge",
			zap.String("owner_id", ownerID),
			zap.Error(err))
	}

	code, err := generateCode(s.cfg.OTP.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate otp code: %w", err)
	}

	hashResult, err := s.hasher.HashCode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash otp code: %w", err)
	}

	recipientEncrypted, keyID, err := s.encryptor.EncryptRecipient(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt recipient: %w", err)
	}

	ch := &model.OTPChallenge{
		ChallengeID:        uuid.New().String(),
		OwnerID:            ownerID,
		Purpose:            purpose,
		CodeHash:           hashResult.Hash,
		CodeSalt:           hashResult.Salt,
		HashAlgorithm:      hashResult.Algorithm,
		PepperVersion:      hashResult.PepperVersion,
		RecipientEncrypted: recipientEncrypted,
		RecipientKeyID:     keyID,
		RequesterIP:        requesterIP,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.cfg.OTP.Validity),
		MaxAttempts:        s.cfg.OTP.MaxAttempts,
	}
	if err := s.repo.CreateChallenge(ctx, ch); err != nil {
		return nil, err
	}

	if err := s.cache.AddIssuance(ownerID, time.Hour); err != nil {
		util.Debug("Issuance window record failed", zap.Error(err))
	}

	s.audit.Record(&model.AuditEvent{
		EventType: audit.EventOTPIssued,
		Scope:     model.ScopeIdentity,
		Key:       ownerID,
		Detail:    purpose,
	})

	// Delivery never blocks issuance and its failure never feeds back into
	// the attempt counter.
	go s.dispatchDelivery(&model.OTPIssuedEvent{
		ChallengeID: ch.ChallengeID,
		OwnerID:     ownerID,
		Purpose:     purpose,
		Recipient:   recipient,
		Code:        code,
		ExpiresAt:   ch.ExpiresAt,
	})

	result := &IssueResult{ChallengeID: ch.ChallengeID, ExpiresAt: ch.ExpiresAt}
	if !s.cfg.IsProduction() {
		result.Code = code
	}
	return result, nil
}

func (s *OTPService) dispatchDelivery(event *model.OTPIssuedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if err := s.messenger.Dispatch(ctx, event); err != nil {
		util.Error("OTP delivery dispatch failed",
			zap.String("challenge_id", event.ChallengeID),
			zap.Error(err))
	}
}

// Validate burns one attempt on the live challenge and consumes it when
// the code matches. Every ambiguous condition resolves to a denial.
func (s *OTPService) Validate(ctx context.Context, ownerID, purpose, code string) error {
	now := time.Now().UTC()

	ch, err := s.repo.GetActiveChallenge(ctx, ownerID, purpose)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if ch == nil || ch.Superseded {
		return ErrOTPExpired
	}
	if ch.Consumed {
		return ErrOTPAlreadyUsed
	}
	if ch.Expired(now) {
		return ErrOTPExpired
	}
	if ch.Exhausted() {
		return ErrOTPAttemptsExhausted
	}

	attempts, err := s.repo.IncrementAttempt(ctx, ch)
	if err != nil {
		switch err {
		case model.ErrChallengeReplaced:
			return ErrOTPExpired
		case model.ErrChallengeConsumed:
			return ErrOTPAlreadyUsed
		default:
			return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
	}
	if attempts > ch.MaxAttempts {
		return ErrOTPAttemptsExhausted
	}

	match, err := s.hasher.VerifyCode(code, &hashing.HashResult{
		Hash:          ch.CodeHash,
		Salt:          ch.CodeSalt,
		PepperVersion: ch.PepperVersion,
		Algorithm:     ch.HashAlgorithm,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if !match {
		remaining := ch.MaxAttempts - attempts
		if remaining <= 0 {
			s.audit.Record(&model.AuditEvent{
				EventType: audit.EventOTPExhausted,
				Scope:     model.ScopeIdentity,
				Key:       ownerID,
				Detail:    ch.ChallengeID,
			})
			return ErrOTPAttemptsExhausted
		}
		return &OTPMismatchError{AttemptsRemaining: remaining}
	}

	consumed, err := s.repo.Consume(ctx, ch, now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if !consumed {
		// A concurrent validation won the compare-and-swap.
		return ErrOTPAlreadyUsed
	}

	s.audit.Record(&model.AuditEvent{
		EventType: audit.EventOTPConsumed,
		Scope:     model.ScopeIdentity,
		Key:       ownerID,
		Detail:    ch.ChallengeID,
	})
	return nil
}

// generateCode draws a fixed-length numeric code from crypto/rand.
func generateCode(length int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < length; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

// hashRecipient keys the cooldown without putting raw contact data in
// Redis.
func hashRecipient(recipient string) string {
	sum := sha256.Sum256([]byte(recipient))
	return hex.EncodeToString(sum[:])
}
