package model

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChallengeReplaced means a newer issuance superseded the challenge
	// while an operation was in flight.
	ErrChallengeReplaced = errors.New("otp challenge replaced")
	// ErrChallengeConsumed means the challenge was consumed concurrently.
	ErrChallengeConsumed = errors.New("otp challenge already consumed")
)

// Scope identifies which dimension of a login attempt a counter or lock
// applies to.
type Scope string

const (
	ScopeIdentity Scope = "identity"
	ScopeIP       Scope = "ip"
	ScopeDevice   Scope = "device"
)

// Tier is one fixed attempt-counting window. Tiers are evaluated per
// (scope,key) and ordered from least to most severe.
type Tier struct {
	Name         string
	Window       time.Duration
	Threshold    int
	LockDuration time.Duration
}

// -------------------- ATTEMPT WINDOW --------------------

// AttemptWindow is one durable counter row: failures for a (scope,key)
// within a single tier's fixed window.
type AttemptWindow struct {
	Bucket    int       `db:"bucket"`
	Scope     Scope     `db:"scope"`
	Key       string    `db:"key"`
	TierName  string    `db:"tier_name"`
	Count     int       `db:"count"`
	StartedAt time.Time `db:"window_started_at"`
	ExpiresAt time.Time `db:"window_expires_at"`
}

// TierCount is the post-increment state of one tier, as returned to the
// lockout evaluation.
type TierCount struct {
	Tier      Tier
	Count     int
	ExpiresAt time.Time
}

// -------------------- LOCKOUT RECORD --------------------

type LockoutRecord struct {
	Bucket      int       `db:"bucket"`
	Scope       Scope     `db:"scope"`
	Key         string    `db:"key"`
	TierName    string    `db:"tier_name"`
	LockedAt    time.Time `db:"locked_at"`
	LockedUntil time.Time `db:"locked_until"`
	Reason      string    `db:"reason"`
}

// Active reports whether the lock still holds at the given instant.
func (r *LockoutRecord) Active(now time.Time) bool {
	return r != nil && r.LockedUntil.After(now)
}

// RetryAfter returns the remaining lock duration, floored at zero.
func (r *LockoutRecord) RetryAfter(now time.Time) time.Duration {
	if !r.Active(now) {
		return 0
	}
	return r.LockedUntil.Sub(now)
}

// -------------------- OTP CHALLENGE --------------------

type OTPChallenge struct {
	ChallengeID        string    `db:"challenge_id"`
	OwnerID            string    `db:"owner_id"`
	Purpose            string    `db:"purpose"`
	CodeHash           string    `db:"code_hash"`
	CodeSalt           string    `db:"code_salt"`
	HashAlgorithm      string    `db:"hash_algorithm"`
	PepperVersion      int       `db:"pepper_version"`
	RecipientEncrypted []byte    `db:"recipient_encrypted"`
	RecipientKeyID     string    `db:"recipient_key_id"`
	RequesterIP        string    `db:"requester_ip"`
	CreatedAt          time.Time `db:"created_at"`
	ExpiresAt          time.Time `db:"expires_at"`
	AttemptsUsed       int       `db:"attempts_used"`
	MaxAttempts        int       `db:"max_attempts"`
	Consumed           bool      `db:"consumed"`
	ConsumedAt         time.Time `db:"consumed_at"`
	Superseded         bool      `db:"superseded"`
}

// Expired reports whether the validity window has passed.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Exhausted reports whether all validation attempts have been spent.
func (c *OTPChallenge) Exhausted() bool {
	return c.AttemptsUsed >= c.MaxAttempts
}

// -------------------- BLACKLIST --------------------

type BlacklistEntry struct {
	TaxID  string    `db:"tax_id"`
	Active bool      `db:"active"`
	Reason string    `db:"reason"`
	SetBy  string    `db:"set_by"`
	SetAt  time.Time `db:"set_at"`
}

// -------------------- DEVICE THROTTLE --------------------

// DeviceThrottleWindow bounds how many distinct tax-ids a device
// fingerprint may request OTPs for in one day.
type DeviceThrottleWindow struct {
	DeviceFingerprint string   `db:"device_fingerprint"`
	WindowDay         string   `db:"window_day"`
	TaxIDs            []string `db:"tax_ids"`
}

// -------------------- EVENTS --------------------

// AuditEvent is handed to the audit collaborators whenever a lock is
// created or a notable abuse decision is made. Fire-and-forget.
type AuditEvent struct {
	EventID     string    `json:"event_id"`
	EventBucket int       `json:"event_bucket"`
	EventType   string    `json:"event_type"`
	Scope       Scope     `json:"scope"`
	Key         string    `json:"key"`
	TierName    string    `json:"tier_name,omitempty"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// OTPIssuedEvent is the hand-off to the external delivery collaborator.
// The core never awaits delivery.
type OTPIssuedEvent struct {
	ChallengeID string    `json:"challenge_id"`
	OwnerID     string    `json:"owner_id"`
	Purpose     string    `json:"purpose"`
	Recipient   string    `json:"recipient"`
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// AttemptRepository owns the durable attempt_windows and lockout_records
// tables. Increments for one failure event cover all tiers atomically.
type AttemptRepository interface {
	IncrementFailure(ctx context.Context, scope Scope, key string, tiers []Tier, now time.Time) ([]TierCount, error)
	GetCounts(ctx context.Context, scope Scope, key string, tiers []Tier, now time.Time) ([]TierCount, error)
	ResetAll(ctx context.Context, scope Scope, key string) error
	CreateLockout(ctx context.Context, rec *LockoutRecord) error
	GetLockout(ctx context.Context, scope Scope, key string) (*LockoutRecord, error)
	ClearLockout(ctx context.Context, scope Scope, key string) error
}

// OTPRepository owns the durable otp_challenges table. Consume and
// IncrementAttempt use compare-and-swap so concurrent validations of one
// challenge cannot both succeed.
type OTPRepository interface {
	CreateChallenge(ctx context.Context, ch *OTPChallenge) error
	GetActiveChallenge(ctx context.Context, ownerID, purpose string) (*OTPChallenge, error)
	SupersedeActive(ctx context.Context, ownerID, purpose string) error
	IncrementAttempt(ctx context.Context, ch *OTPChallenge) (int, error)
	Consume(ctx context.Context, ch *OTPChallenge, now time.Time) (bool, error)
	CountIssuedSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// BlacklistRepository owns blacklist_entries. GetActive returns nil when
// the tax-id has no active entry.
type BlacklistRepository interface {
	GetActive(ctx context.Context, taxID string) (*BlacklistEntry, error)
	Upsert(ctx context.Context, entry *BlacklistEntry) error
	Deactivate(ctx context.Context, taxID, setBy string) error
}

// DeviceRepository owns device_identity_windows.
type DeviceRepository interface {
	RegisterIdentity(ctx context.Context, deviceFP, windowDay, taxID string) (int, error)
	CountIdentities(ctx context.Context, deviceFP, windowDay string) (int, error)
}

// -------------------- CACHE INTERFACES --------------------

// AttemptCache mirrors tier counts and lock state. Best-effort only; the
// durable store stays authoritative.
type AttemptCache interface {
	MirrorCounts(scope Scope, key string, counts []TierCount) error
	GetCounts(scope Scope, key string, tiers []Tier) ([]TierCount, bool, error)
	SetLock(scope Scope, key string, rec *LockoutRecord, ttl time.Duration) error
	GetLock(scope Scope, key string) (*LockoutRecord, bool, error)
	ClearAll(scope Scope, key string) error
}

// OTPCache carries the issuance throttle state: recipient cooldowns, the
// rolling per-owner issuance window, and the device fan-out set.
type OTPCache interface {
	AcquireRecipientCooldown(recipient string, ttl time.Duration) (bool, time.Duration, error)
	CountIssuanceWindow(ownerID string, window time.Duration) (int, error)
	AddIssuance(ownerID string, window time.Duration) error
	AddDeviceIdentity(deviceFP, windowDay, taxID string, ttl time.Duration) (int, error)
}

// BlacklistCache stores validator verdicts for 24h. Writes to the
// blacklist table must Evict the key (push invalidation, not TTL-only).
type BlacklistCache interface {
	GetVerdict(taxID string) (blocked bool, found bool, err error)
	SetVerdict(taxID string, blocked bool, ttl time.Duration) error
	Evict(taxID string) error
}
