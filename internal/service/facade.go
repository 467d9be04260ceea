package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"abuse-control/internal/model"
)

// LoginDecision is the synchronous answer to a login attempt.
type LoginDecision struct {
	Allowed    bool
	Reason     string
	TierName   string
	RetryAfter time.Duration
}

// AbuseControlFacade is the single entry point call sites use. It owns the
// ordering between screening, lockout checks and the OTP engine, and the
// fail-open/fail-closed split between them.
type AbuseControlFacade struct {
	validator *ValidatorService
	attempts  *AttemptService
	otp       *OTPService
}

func NewAbuseControlFacade(
	validator *ValidatorService,
	attempts *AttemptService,
	otp *OTPService,
) *AbuseControlFacade {
	return &AbuseControlFacade{
		validator: validator,
		attempts:  attempts,
		otp:       otp,
	}
}

// scopeKeys pairs each scope with its key for a request.
func scopeKeys(taxID, ip, deviceFP string) map[model.Scope]string {
	keys := map[model.Scope]string{}
	if taxID != "" {
		keys[model.ScopeIdentity] = taxID
	}
	if ip != "" {
		keys[model.ScopeIP] = ip
	}
	if deviceFP != "" {
		keys[model.ScopeDevice] = deviceFP
	}
	return keys
}

// AttemptLogin screens the identity and checks every scope for an active
// lockout. Validation failures short-circuit without consuming any
// counter. When more than one scope is locked the largest retry-after is
// returned.
func (f *AbuseControlFacade) AttemptLogin(ctx context.Context, rawTaxID, ip, deviceFP string) (*LoginDecision, error) {
	taxID, err := f.validator.Validate(ctx, rawTaxID)
	if err != nil {
		return &LoginDecision{Allowed: false, Reason: err.Error()}, err
	}

	now := time.Now().UTC()

	var (
		mu     sync.Mutex
		worst  *model.LockoutRecord
		g, gctx = errgroup.WithContext(ctx)
	)
	for scope, key := range scopeKeys(taxID, ip, deviceFP) {
		scope, key := scope, key
		g.Go(func() error {
			rec, err := f.attempts.IsLocked(gctx, scope, key, now)
			if err != nil {
				return err
			}
			if rec != nil {
				mu.Lock()
				if worst == nil || rec.RetryAfter(now) > worst.RetryAfter(now) {
					worst = rec
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Lockout state unknown: fail closed, we cannot prove the key is
		// not locked.
		return &LoginDecision{Allowed: false, Reason: "lockout state unavailable"},
			ErrUpstreamUnavailable
	}

	if worst != nil {
		lockErr := &LockedError{TierName: worst.TierName, RetryAfter: worst.RetryAfter(now)}
		return &LoginDecision{
			Allowed:    false,
			Reason:     "locked",
			TierName:   worst.TierName,
			RetryAfter: worst.RetryAfter(now),
		}, lockErr
	}

	return &LoginDecision{Allowed: true}, nil
}

// RecordOutcome reports the login result back. Success resets every scope;
// failure counts against every scope and may create lockouts. The most
// severe lockout created, if any, is returned in the decision.
func (f *AbuseControlFacade) RecordOutcome(ctx context.Context, rawTaxID, ip, deviceFP string, success bool) (*LoginDecision, error) {
	taxID, err := f.validator.Validate(ctx, rawTaxID)
	if err != nil {
		return &LoginDecision{Allowed: false, Reason: err.Error()}, err
	}

	now := time.Now().UTC()
	keys := scopeKeys(taxID, ip, deviceFP)

	if success {
		for scope, key := range keys {
			if err := f.attempts.RecordSuccess(ctx, scope, key); err != nil {
				return nil, err
			}
		}
		return &LoginDecision{Allowed: true}, nil
	}

	var worst *model.LockoutRecord
	for scope, key := range keys {
		rec, err := f.attempts.RecordFailure(ctx, scope, key, now)
		if err != nil {
			return nil, err
		}
		if rec != nil && (worst == nil || rec.RetryAfter(now) > worst.RetryAfter(now)) {
			worst = rec
		}
	}

	if worst != nil {
		return &LoginDecision{
			Allowed:    false,
			Reason:     "locked",
			TierName:   worst.TierName,
			RetryAfter: worst.RetryAfter(now),
		}, nil
	}
	return &LoginDecision{Allowed: true}, nil
}

// RequestOTP runs the identity screen and the device fan-out guard, then
// hands off to the engine.
func (f *AbuseControlFacade) RequestOTP(ctx context.Context, rawTaxID, purpose, recipient, requesterIP, deviceFP string) (*IssueResult, error) {
	taxID, err := f.validator.Validate(ctx, rawTaxID)
	if err != nil {
		return nil, err
	}

	if deviceFP != "" {
		if err := f.otp.GuardDeviceFanOut(ctx, deviceFP, taxID, time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	return f.otp.Issue(ctx, taxID, purpose, recipient, requesterIP)
}

// VerifyOTP is a pass-through to the engine's fail-closed validation.
func (f *AbuseControlFacade) VerifyOTP(ctx context.Context, rawTaxID, purpose, code string) error {
	taxID, err := f.validator.Validate(ctx, rawTaxID)
	if err != nil {
		return err
	}
	return f.otp.Validate(ctx, taxID, purpose, code)
}

// Blacklist admin pass-throughs. Kept on the facade so handlers depend on
// one type.

func (f *AbuseControlFacade) AddToBlacklist(ctx context.Context, taxID, reason, setBy string) error {
	return f.validator.AddToBlacklist(ctx, taxID, reason, setBy)
}

func (f *AbuseControlFacade) RemoveFromBlacklist(ctx context.Context, taxID, setBy string) error {
	return f.validator.RemoveFromBlacklist(ctx, taxID, setBy)
}
