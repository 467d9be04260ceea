package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"abuse-control/internal/bucketing"
	"abuse-control/internal/config"
	"abuse-control/internal/delivery"
	"abuse-control/internal/encryption"
	"abuse-control/internal/hashing"
	"abuse-control/internal/model"
)

// captureMessenger records dispatched delivery events.
type captureMessenger struct {
	events chan *model.OTPIssuedEvent
}

var _ delivery.Messenger = (*captureMessenger)(nil)

func (m *captureMessenger) Dispatch(_ context.Context, event *model.OTPIssuedEvent) error {
	m.events <- event
	return nil
}

type otpFixture struct {
	svc        *OTPService
	repo       *fakeOTPRepo
	deviceRepo *fakeDeviceRepo
	cache      *fakeOTPCache
	messenger  *captureMessenger
}

func newOTPFixture() *otpFixture {
	cfg := config.Get()
	f := &otpFixture{
		repo:       newFakeOTPRepo(),
		deviceRepo: newFakeDeviceRepo(),
		cache:      newFakeOTPCache(),
		messenger:  &captureMessenger{events: make(chan *model.OTPIssuedEvent, 8)},
	}
	f.svc = NewOTPService(
		f.repo,
		f.deviceRepo,
		f.cache,
		hashing.NewHasher(cfg),
		encryption.NewManager(cfg, nil),
		bucketing.NewBucketingManager(cfg),
		f.messenger,
		newTestRecorder(),
		cfg,
	)
	return f
}

func (f *otpFixture) awaitDelivery(t *testing.T) *model.OTPIssuedEvent {
	t.Helper()
	select {
	case event := <-f.messenger.events:
		return event
	case <-time.After(3 * time.Second):
		t.Fatal("delivery event not dispatched")
		return nil
	}
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	result, err := f.svc.Issue(ctx, validTaxID, "login", "+5511999990000", "198.51.100.7")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if result.ChallengeID == "" {
		t.Fatal("empty challenge id")
	}
	if len(result.Code) != 6 {
		t.Fatalf("code length = %d, want 6", len(result.Code))
	}

	event := f.awaitDelivery(t)
	if event.Code != result.Code || event.Recipient != "+5511999990000" {
		t.Errorf("delivery event = %+v, want code %s", event, result.Code)
	}

	if err := f.svc.Validate(ctx, validTaxID, "login", result.Code); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Replay of the same code is rejected.
	if err := f.svc.Validate(ctx, validTaxID, "login", result.Code); !errors.Is(err, ErrOTPAlreadyUsed) {
		t.Errorf("replay = %v, want ErrOTPAlreadyUsed", err)
	}
}

func TestValidateMismatchCountsDown(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	result, err := f.svc.Issue(ctx, validTaxID, "login", "+5511999990000", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	wrong := "000000"
	if wrong == result.Code {
		wrong = "000001"
	}

	for want := 2; want >= 1; want-- {
		err := f.svc.Validate(ctx, validTaxID, "login", wrong)
		var mismatch *OTPMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("Validate = %v, want OTPMismatchError", err)
		}
		if mismatch.AttemptsRemaining != want {
			t.Errorf("attempts remaining = %d, want %d", mismatch.AttemptsRemaining, want)
		}
	}

	// Third wrong attempt exhausts the challenge.
	if err := f.svc.Validate(ctx, validTaxID, "login", wrong); !errors.Is(err, ErrOTPAttemptsExhausted) {
		t.Fatalf("third wrong attempt = %v, want ErrOTPAttemptsExhausted", err)
	}

	// Even the correct code is refused once attempts are spent.
	if err := f.svc.Validate(ctx, validTaxID, "login", result.Code); !errors.Is(err, ErrOTPAttemptsExhausted) {
		t.Errorf("correct code after exhaustion = %v, want ErrOTPAttemptsExhausted", err)
	}
}

func TestValidateExpiredChallenge(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	result, err := f.svc.Issue(ctx, validTaxID, "login", "+5511999990000", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	f.repo.mu.Lock()
	f.repo.challenges[ckey(validTaxID, "login")].ExpiresAt = time.Now().UTC().Add(-time.Second)
	f.repo.mu.Unlock()

	if err := f.svc.Validate(ctx, validTaxID, "login", result.Code); !errors.Is(err, ErrOTPExpired) {
		t.Errorf("Validate expired = %v, want ErrOTPExpired", err)
	}
}

func TestValidateNoChallenge(t *testing.T) {
	f := newOTPFixture()

	if err := f.svc.Validate(context.Background(), validTaxID, "login", "123456"); !errors.Is(err, ErrOTPExpired) {
		t.Errorf("Validate without challenge = %v, want ErrOTPExpired", err)
	}
}

func TestValidateSupersededChallenge(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	result, err := f.svc.Issue(ctx, validTaxID, "login", "+5511999990000", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if err := f.repo.SupersedeActive(ctx, validTaxID, "login"); err != nil {
		t.Fatalf("SupersedeActive: %v", err)
	}

	if err := f.svc.Validate(ctx, validTaxID, "login", result.Code); !errors.Is(err, ErrOTPExpired) {
		t.Errorf("Validate superseded = %v, want ErrOTPExpired", err)
	}
}

func TestReissueSupersedesPriorChallenge(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, validTaxID, "login", "+5511999990000", "")
	if err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	second, err := f.svc.Issue(ctx, validTaxID, "login", "+5511999990000", "")
	if err != nil {
		t.Fatalf("second Issue: %v", err)
	}
	if first.ChallengeID == second.ChallengeID {
		t.Fatal("reissue kept the same challenge id")
	}

	// Only the newest challenge validates.
	if err := f.svc.Validate(ctx, validTaxID, "login", second.Code); err != nil {
		t.Errorf("Validate newest = %v, want nil", err)
	}
}

func TestIssueRecipientCooldown(t *testing.T) {
	f := newOTPFixture()
	f.cache.cooldownDeny = true
	f.cache.cooldownRemain = 50 * time.Second

	_, err := f.svc.Issue(context.Background(), validTaxID, "login", "+5511999990000", "")
	var cooldown *CooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("Issue = %v, want CooldownError", err)
	}
	if cooldown.RetryAfter != 50*time.Second {
		t.Errorf("retry after = %v, want 50s", cooldown.RetryAfter)
	}
}

func TestIssueHourlyRateLimit(t *testing.T) {
	f := newOTPFixture()
	f.cache.issuances[validTaxID] = 5

	_, err := f.svc.Issue(context.Background(), validTaxID, "login", "+5511999990000", "")
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("Issue = %v, want RateLimitedError", err)
	}
}

func TestIssueRateLimitedLeavesCooldownFree(t *testing.T) {
	f := newOTPFixture()
	f.cache.issuances[validTaxID] = 5

	_, err := f.svc.Issue(context.Background(), validTaxID, "login", "+5511999990000", "")
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("Issue = %v, want RateLimitedError", err)
	}
	if f.cache.cooldownTaken != 0 {
		t.Errorf("cooldown slots taken = %d, want 0 for a capped request", f.cache.cooldownTaken)
	}

	// The same recipient can be served immediately once the owner is no
	// longer capped.
	f.cache.issuances[validTaxID] = 0
	if _, err := f.svc.Issue(context.Background(), validTaxID, "login", "+5511999990000", ""); err != nil {
		t.Fatalf("Issue after cap lifted = %v, want nil", err)
	}
	if f.cache.cooldownTaken != 1 {
		t.Errorf("cooldown slots taken = %d, want 1 after successful issue", f.cache.cooldownTaken)
	}
}

func TestIssueRateLimitFallsBackToDurableLog(t *testing.T) {
	f := newOTPFixture()
	f.cache.down = true

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		f.repo.issuances[validTaxID] = append(f.repo.issuances[validTaxID], now.Add(-time.Duration(i)*time.Minute))
	}

	_, err := f.svc.Issue(context.Background(), validTaxID, "login", "+5511999990000", "")
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("Issue with cache down = %v, want RateLimitedError from durable log", err)
	}
}

func TestDeviceFanOutGuard(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()
	now := time.Now().UTC()

	ids := []string{"11144477735", "52998224725", "12345678909", "04252011082", "71428793860"}
	for _, id := range ids {
		if err := f.svc.GuardDeviceFanOut(ctx, "fp-1", id, now); err != nil {
			t.Fatalf("GuardDeviceFanOut(%s): %v", id, err)
		}
	}

	// Repeating an already-seen identity stays allowed.
	if err := f.svc.GuardDeviceFanOut(ctx, "fp-1", ids[0], now); err != nil {
		t.Errorf("repeat identity = %v, want nil", err)
	}

	// A 6th distinct identity trips the guard.
	if err := f.svc.GuardDeviceFanOut(ctx, "fp-1", "91708635203", now); !errors.Is(err, ErrDeviceThrottled) {
		t.Fatalf("6th identity = %v, want ErrDeviceThrottled", err)
	}
}

func TestDeviceFanOutFailsOpenWhenBothStoresDown(t *testing.T) {
	f := newOTPFixture()
	f.deviceRepo.down = true
	f.cache.down = true

	if err := f.svc.GuardDeviceFanOut(context.Background(), "fp-1", validTaxID, time.Now().UTC()); err != nil {
		t.Errorf("GuardDeviceFanOut with stores down = %v, want fail-open nil", err)
	}
}

func TestConcurrentValidationSingleUse(t *testing.T) {
	f := newOTPFixture()
	ctx := context.Background()

	result, err := f.svc.Issue(ctx, validTaxID, "login", "+5511999990000", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const n = 3
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = f.svc.Validate(ctx, validTaxID, "login", result.Code)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrOTPAlreadyUsed):
		default:
			t.Errorf("unexpected validation result: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}
