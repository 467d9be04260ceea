package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"abuse-control/internal/bucketing"
	"abuse-control/internal/config"
	"abuse-control/internal/encryption"
	"abuse-control/internal/hashing"
	"abuse-control/internal/model"
)

type facadeFixture struct {
	facade      *AbuseControlFacade
	attemptRepo *fakeAttemptRepo
	blRepo      *fakeBlacklistRepo
	otp         *otpFixture
}

func newFacadeFixture() *facadeFixture {
	cfg := config.Get()
	recorder := newTestRecorder()

	blRepo := newFakeBlacklistRepo()
	validator := NewValidatorService(blRepo, newFakeBlacklistCache(), recorder)

	attemptRepo := newFakeAttemptRepo()
	attempts := NewAttemptService(attemptRepo, newFakeAttemptCache(), recorder, cfg)

	otp := &otpFixture{
		repo:       newFakeOTPRepo(),
		deviceRepo: newFakeDeviceRepo(),
		cache:      newFakeOTPCache(),
		messenger:  &captureMessenger{events: make(chan *model.OTPIssuedEvent, 8)},
	}
	otp.svc = NewOTPService(
		otp.repo,
		otp.deviceRepo,
		otp.cache,
		hashing.NewHasher(cfg),
		encryption.NewManager(cfg, nil),
		bucketing.NewBucketingManager(cfg),
		otp.messenger,
		recorder,
		cfg,
	)

	return &facadeFixture{
		facade:      NewAbuseControlFacade(validator, attempts, otp.svc),
		attemptRepo: attemptRepo,
		blRepo:      blRepo,
		otp:         otp,
	}
}

func TestAttemptLoginAllowsCleanIdentity(t *testing.T) {
	f := newFacadeFixture()

	decision, err := f.facade.AttemptLogin(context.Background(), validTaxID, "198.51.100.7", "fp-1")
	if err != nil {
		t.Fatalf("AttemptLogin: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("decision = %+v, want allowed", decision)
	}
}

func TestAttemptLoginShortCircuitsOnChecksum(t *testing.T) {
	f := newFacadeFixture()

	decision, err := f.facade.AttemptLogin(context.Background(), "11144477734", "198.51.100.7", "fp-1")
	if !errors.Is(err, ErrChecksumFailed) {
		t.Fatalf("AttemptLogin = %v, want ErrChecksumFailed", err)
	}
	if decision.Allowed {
		t.Error("checksum failure must deny")
	}
}

func TestAttemptLoginReturnsMostRestrictiveRetryAfter(t *testing.T) {
	f := newFacadeFixture()
	now := time.Now().UTC()

	f.attemptRepo.lockouts[lkey(model.ScopeIP, "198.51.100.7")] = &model.LockoutRecord{
		Scope: model.ScopeIP, Key: "198.51.100.7", TierName: "15m",
		LockedAt: now, LockedUntil: now.Add(10 * time.Minute),
	}
	f.attemptRepo.lockouts[lkey(model.ScopeDevice, "fp-1")] = &model.LockoutRecord{
		Scope: model.ScopeDevice, Key: "fp-1", TierName: "24h",
		LockedAt: now, LockedUntil: now.Add(20 * time.Hour),
	}

	decision, err := f.facade.AttemptLogin(context.Background(), validTaxID, "198.51.100.7", "fp-1")
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("AttemptLogin = %v, want LockedError", err)
	}
	if decision.TierName != "24h" {
		t.Errorf("tier = %s, want 24h (largest retry-after wins)", decision.TierName)
	}
	if decision.RetryAfter < 19*time.Hour {
		t.Errorf("retry after = %v, want ~20h", decision.RetryAfter)
	}
}

func TestAttemptLoginFailsClosedWhenLockStoreDown(t *testing.T) {
	f := newFacadeFixture()
	f.attemptRepo.down = true

	decision, err := f.facade.AttemptLogin(context.Background(), validTaxID, "198.51.100.7", "fp-1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("AttemptLogin = %v, want ErrUpstreamUnavailable", err)
	}
	if decision.Allowed {
		t.Error("unknown lockout state must deny")
	}
}

func TestRecordOutcomeFailureDrivesAllScopes(t *testing.T) {
	f := newFacadeFixture()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.facade.RecordOutcome(ctx, validTaxID, "198.51.100.7", "fp-1", false); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}

	// Every scope crossed the 15m threshold independently.
	for _, k := range []string{
		lkey(model.ScopeIdentity, validTaxID),
		lkey(model.ScopeIP, "198.51.100.7"),
		lkey(model.ScopeDevice, "fp-1"),
	} {
		if f.attemptRepo.lockouts[k] == nil {
			t.Errorf("no lockout for %s after 5 failures", k)
		}
	}

	decision, err := f.facade.AttemptLogin(ctx, validTaxID, "198.51.100.7", "fp-1")
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("AttemptLogin after lockouts = %v, want LockedError", err)
	}
	if decision.Allowed {
		t.Error("locked identity allowed")
	}
}

func TestRecordOutcomeSuccessResets(t *testing.T) {
	f := newFacadeFixture()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.facade.RecordOutcome(ctx, validTaxID, "198.51.100.7", "fp-1", false); err != nil {
			t.Fatalf("RecordOutcome failure: %v", err)
		}
	}
	if _, err := f.facade.RecordOutcome(ctx, validTaxID, "198.51.100.7", "fp-1", true); err != nil {
		t.Fatalf("RecordOutcome success: %v", err)
	}

	decision, err := f.facade.AttemptLogin(ctx, validTaxID, "198.51.100.7", "fp-1")
	if err != nil {
		t.Fatalf("AttemptLogin after reset: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("decision = %+v, want allowed after success reset", decision)
	}
}

func TestRequestOTPBlockedByBlacklist(t *testing.T) {
	f := newFacadeFixture()
	f.blRepo.entries[validTaxID] = &model.BlacklistEntry{TaxID: validTaxID, Active: true}

	_, err := f.facade.RequestOTP(context.Background(), validTaxID, "login", "+5511999990000", "198.51.100.7", "fp-1")
	if !errors.Is(err, ErrBlacklisted) {
		t.Errorf("RequestOTP = %v, want ErrBlacklisted", err)
	}
}

func TestRequestVerifyOTPEndToEnd(t *testing.T) {
	f := newFacadeFixture()
	ctx := context.Background()

	result, err := f.facade.RequestOTP(ctx, validTaxID, "login", "+5511999990000", "198.51.100.7", "fp-1")
	if err != nil {
		t.Fatalf("RequestOTP: %v", err)
	}

	if err := f.facade.VerifyOTP(ctx, validTaxID, "login", result.Code); err != nil {
		t.Fatalf("VerifyOTP: %v", err)
	}
	if err := f.facade.VerifyOTP(ctx, validTaxID, "login", result.Code); !errors.Is(err, ErrOTPAlreadyUsed) {
		t.Errorf("VerifyOTP replay = %v, want ErrOTPAlreadyUsed", err)
	}
}
