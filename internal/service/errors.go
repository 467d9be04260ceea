package service

import (
	"errors"
	"fmt"
	"time"
)

// Terminal validation errors. These short-circuit before any counter or
// store mutation.
var (
	ErrInvalidFormat  = errors.New("tax id must be exactly 11 digits")
	ErrChecksumFailed = errors.New("tax id failed checksum verification")
	ErrBlacklisted    = errors.New("tax id is blacklisted")
)

// OTP validation errors.
var (
	ErrOTPExpired           = errors.New("otp challenge expired")
	ErrOTPAlreadyUsed       = errors.New("otp challenge already used")
	ErrOTPAttemptsExhausted = errors.New("otp validation attempts exhausted")
	ErrDeviceThrottled      = errors.New("device exceeded identity fan-out limit")
)

// ErrUpstreamUnavailable marks a dependency outage on a fail-closed path.
// Fail-open paths log the outage and continue instead.
var ErrUpstreamUnavailable = errors.New("upstream dependency unavailable")

// LockedError denies an operation because an active lockout holds.
type LockedError struct {
	TierName   string
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("locked by %s tier, retry after %s", e.TierName, e.RetryAfter.Round(time.Second))
}

// RateLimitedError denies an OTP issuance because the rolling-hour budget
// is spent.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("issuance rate limit reached, retry after %s", e.RetryAfter.Round(time.Second))
}

// CooldownError denies an OTP issuance because the recipient cooldown has
// not elapsed.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("recipient cooldown active, retry after %s", e.RetryAfter.Round(time.Second))
}

// OTPMismatchError reports a wrong code with attempts still remaining.
type OTPMismatchError struct {
	AttemptsRemaining int
}

func (e *OTPMismatchError) Error() string {
	return fmt.Sprintf("otp code mismatch, %d attempts remaining", e.AttemptsRemaining)
}
