package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"abuse-control/internal/model"
	"abuse-control/internal/util"
)

// OTPRepository owns otp_challenges and the issuance log.
//
// Schema:
//
//	CREATE TABLE otp_challenges (
//	    owner_id text, purpose text, challenge_id text,
//	    code_hash text, code_salt text, hash_algorithm text, pepper_version int,
//	    recipient_encrypted blob, recipient_key_id text, requester_ip text,
//	    created_at timestamp, expires_at timestamp,
//	    attempts_used int, max_attempts int,
//	    consumed boolean, consumed_at timestamp, superseded boolean,
//	    PRIMARY KEY ((owner_id, purpose)));
//
//	CREATE TABLE otp_issuances (
//	    owner_id text, issued_at timestamp, challenge_id text,
//	    PRIMARY KEY ((owner_id), issued_at)
//	) WITH default_time_to_live = 3600;
//
// One row per (owner,purpose): a new issuance overwrites the previous
// challenge, which is exactly the supersede semantics. Attempt counting
// and consumption go through compare-and-swap keyed on challenge_id, so a
// stale challenge can never absorb attempts meant for its successor.
type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{client: client}
}

func (r *OTPRepository) CreateChallenge(ctx context.Context, ch *model.OTPChallenge) error {
	query := r.client.Query(`
		INSERT INTO otp_challenges (
			owner_id, purpose, challenge_id, code_hash, code_salt, hash_algorithm,
			pepper_version, recipient_encrypted, recipient_key_id, requester_ip,
			created_at, expires_at, attempts_used, max_attempts, consumed, consumed_at, superseded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.OwnerID, ch.Purpose, ch.ChallengeID, ch.CodeHash, ch.CodeSalt, ch.HashAlgorithm,
		ch.PepperVersion, ch.RecipientEncrypted, ch.RecipientKeyID, ch.RequesterIP,
		ch.CreatedAt, ch.ExpiresAt, ch.AttemptsUsed, ch.MaxAttempts, ch.Consumed, ch.ConsumedAt, ch.Superseded).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create OTP challenge",
			zap.String("owner_id", ch.OwnerID),
			zap.String("purpose", ch.Purpose),
			zap.Error(err))
		return fmt.Errorf("failed to create OTP challenge: %w", err)
	}

	issuance := r.client.Query(`
		INSERT INTO otp_issuances (owner_id, issued_at, challenge_id) VALUES (?, ?, ?)`,
		ch.OwnerID, ch.CreatedAt, ch.ChallengeID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(issuance, 2); err != nil {
		// The challenge exists; a lost issuance row only loosens the hourly
		// throttle by one. Log and carry on.
		util.Warn("Failed to record OTP issuance",
			zap.String("owner_id", ch.OwnerID),
			zap.Error(err))
	}

	util.Info("OTP challenge created",
		zap.String("owner_id", ch.OwnerID),
		zap.String("purpose", ch.Purpose),
		zap.String("challenge_id", ch.ChallengeID),
		zap.Time("expires_at", ch.ExpiresAt))

	return nil
}

// GetActiveChallenge returns the current challenge row for (owner,purpose),
// terminal or not, or nil when none exists. Terminal-state decisions belong
// to the engine.
func (r *OTPRepository) GetActiveChallenge(ctx context.Context, ownerID, purpose string) (*model.OTPChallenge, error) {
	ch := &model.OTPChallenge{OwnerID: ownerID, Purpose: purpose}

	query := r.client.Query(`
		SELECT challenge_id, code_hash, code_salt, hash_algorithm, pepper_version,
			recipient_encrypted, recipient_key_id, requester_ip,
			created_at, expires_at, attempts_used, max_attempts, consumed, consumed_at, superseded
		FROM otp_challenges WHERE owner_id = ? AND purpose = ?`,
		ownerID, purpose).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&ch.ChallengeID, &ch.CodeHash, &ch.CodeSalt, &ch.HashAlgorithm, &ch.PepperVersion,
		&ch.RecipientEncrypted, &ch.RecipientKeyID, &ch.RequesterIP,
		&ch.CreatedAt, &ch.ExpiresAt, &ch.AttemptsUsed, &ch.MaxAttempts, &ch.Consumed, &ch.ConsumedAt, &ch.Superseded)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get OTP challenge",
			zap.String("owner_id", ownerID),
			zap.String("purpose", purpose),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get OTP challenge: %w", err)
	}

	return ch, nil
}

// SupersedeActive flags the current challenge so in-flight validations
// against it fail fast. The following CreateChallenge overwrites the row.
func (r *OTPRepository) SupersedeActive(ctx context.Context, ownerID, purpose string) error {
	query := r.client.Query(`
		UPDATE otp_challenges SET superseded = true
		WHERE owner_id = ? AND purpose = ? IF EXISTS`,
		ownerID, purpose).WithContext(ctx)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to supersede OTP challenge: %w", err)
	}
	_ = applied // no prior challenge is fine
	return nil
}

// IncrementAttempt burns one validation attempt on the given challenge and
// returns the new attempt count.
func (r *OTPRepository) IncrementAttempt(ctx context.Context, ch *model.OTPChallenge) (int, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		var (
			currentID string
			attempts  int
			consumed  bool
		)
		read := r.client.Query(`
			SELECT challenge_id, attempts_used, consumed
			FROM otp_challenges WHERE owner_id = ? AND purpose = ?`,
			ch.OwnerID, ch.Purpose).WithContext(ctx)

		if err := r.client.ScanWithRetry(read, &currentID, &attempts, &consumed); err != nil {
			if err == gocql.ErrNotFound {
				return 0, model.ErrChallengeReplaced
			}
			return 0, fmt.Errorf("failed to read OTP challenge: %w", err)
		}

		if currentID != ch.ChallengeID {
			return 0, model.ErrChallengeReplaced
		}
		if consumed {
			return attempts, model.ErrChallengeConsumed
		}

		cas := r.client.Query(`
			UPDATE otp_challenges SET attempts_used = ?
			WHERE owner_id = ? AND purpose = ?
			IF attempts_used = ? AND challenge_id = ? AND consumed = false`,
			attempts+1, ch.OwnerID, ch.Purpose, attempts, ch.ChallengeID).WithContext(ctx)

		applied, err := cas.MapScanCAS(map[string]interface{}{})
		if err != nil {
			return 0, fmt.Errorf("failed to increment OTP attempt: %w", err)
		}
		if applied {
			return attempts + 1, nil
		}
	}

	return 0, fmt.Errorf("otp attempt contention for %s:%s after %d retries", ch.OwnerID, ch.Purpose, casRetries)
}

// Consume flips the challenge to consumed exactly once. Returns false when
// another validation got there first.
func (r *OTPRepository) Consume(ctx context.Context, ch *model.OTPChallenge, now time.Time) (bool, error) {
	query := r.client.Query(`
		UPDATE otp_challenges SET consumed = true, consumed_at = ?
		WHERE owner_id = ? AND purpose = ?
		IF consumed = false AND challenge_id = ?`,
		now, ch.OwnerID, ch.Purpose, ch.ChallengeID).WithContext(ctx)

	applied, err := query.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to consume OTP challenge: %w", err)
	}

	if applied {
		util.Info("OTP challenge consumed",
			zap.String("owner_id", ch.OwnerID),
			zap.String("challenge_id", ch.ChallengeID))
	}

	return applied, nil
}

// CountIssuedSince backs the rolling per-owner issuance throttle. The
// issuance log carries a one-hour TTL, so the scan stays bounded.
func (r *OTPRepository) CountIssuedSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var count int
	query := r.client.Query(`
		SELECT COUNT(*) FROM otp_issuances WHERE owner_id = ? AND issued_at > ?`,
		ownerID, since).WithContext(ctx)

	if err := r.client.ScanWithRetry(query, &count); err != nil {
		return 0, fmt.Errorf("failed to count OTP issuances: %w", err)
	}
	return count, nil
}
