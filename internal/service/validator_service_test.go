package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"abuse-control/internal/audit"
	"abuse-control/internal/bucketing"
	"abuse-control/internal/config"
	"abuse-control/internal/model"
)

const (
	validTaxID  = "11144477735"
	validTaxID2 = "52998224725"
	validTaxID3 = "12345678909"
)

func newTestRecorder() *audit.Recorder {
	cfg := config.Get()
	return audit.NewRecorder(nil, nil, nil, bucketing.NewBucketingManager(cfg), cfg)
}

func newTestValidator() (*ValidatorService, *fakeBlacklistRepo, *fakeBlacklistCache) {
	repo := newFakeBlacklistRepo()
	cache := newFakeBlacklistCache()
	return NewValidatorService(repo, cache, newTestRecorder()), repo, cache
}

func TestValidateAcceptsWellFormedTaxID(t *testing.T) {
	v, _, _ := newTestValidator()

	cleaned, err := v.Validate(context.Background(), "111.444.777-35")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cleaned != validTaxID {
		t.Errorf("cleaned = %q, want %q", cleaned, validTaxID)
	}
}

func TestValidateRejectsBadFormat(t *testing.T) {
	v, _, _ := newTestValidator()

	for _, raw := range []string{"", "123", "123456789012", "abc"} {
		if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("Validate(%q) = %v, want ErrInvalidFormat", raw, err)
		}
	}
}

func TestValidateRejectsChecksumFailures(t *testing.T) {
	v, _, _ := newTestValidator()

	cases := []string{
		"11144477734", // wrong second check digit
		"11111111111", // repeated digits pass the math, rejected outright
		"01234567890", // canonical invalid sequence
	}
	for _, raw := range cases {
		if _, err := v.Validate(context.Background(), raw); !errors.Is(err, ErrChecksumFailed) {
			t.Errorf("Validate(%q) = %v, want ErrChecksumFailed", raw, err)
		}
	}
}

func TestValidateChecksumRunsBeforeBlacklist(t *testing.T) {
	v, repo, _ := newTestValidator()
	repo.entries["11144477734"] = &model.BlacklistEntry{TaxID: "11144477734", Active: true}

	if _, err := v.Validate(context.Background(), "11144477734"); !errors.Is(err, ErrChecksumFailed) {
		t.Errorf("Validate = %v, want ErrChecksumFailed regardless of blacklist", err)
	}
}

func TestValidateBlocksBlacklisted(t *testing.T) {
	v, repo, cache := newTestValidator()
	repo.entries[validTaxID] = &model.BlacklistEntry{TaxID: validTaxID, Active: true}

	if _, err := v.Validate(context.Background(), validTaxID); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("Validate = %v, want ErrBlacklisted", err)
	}

	// The verdict must now be cached.
	blocked, found, err := cache.GetVerdict(validTaxID)
	if err != nil || !found || !blocked {
		t.Errorf("verdict cache after screen: blocked=%v found=%v err=%v", blocked, found, err)
	}
}

func TestValidateIgnoresInactiveEntry(t *testing.T) {
	v, repo, _ := newTestValidator()
	repo.entries[validTaxID] = &model.BlacklistEntry{TaxID: validTaxID, Active: false}

	if _, err := v.Validate(context.Background(), validTaxID); err != nil {
		t.Errorf("Validate with inactive entry = %v, want nil", err)
	}
}

func TestValidateFailsOpenWhenStoreDown(t *testing.T) {
	v, repo, cache := newTestValidator()
	repo.down = true
	cache.down = true

	cleaned, err := v.Validate(context.Background(), validTaxID)
	if err != nil {
		t.Fatalf("Validate with store down = %v, want fail-open nil", err)
	}
	if cleaned != validTaxID {
		t.Errorf("cleaned = %q, want %q", cleaned, validTaxID)
	}
}

func TestValidateUsesCachedVerdict(t *testing.T) {
	v, repo, cache := newTestValidator()
	_ = cache.SetVerdict(validTaxID, true, time.Hour)
	repo.down = true // cache hit must not touch the store

	if _, err := v.Validate(context.Background(), validTaxID); !errors.Is(err, ErrBlacklisted) {
		t.Errorf("Validate = %v, want ErrBlacklisted from cached verdict", err)
	}
}

func TestBlacklistMutationEvictsVerdict(t *testing.T) {
	v, _, cache := newTestValidator()

	// Prime a clear verdict, then blacklist.
	if _, err := v.Validate(context.Background(), validTaxID); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if _, found, _ := cache.GetVerdict(validTaxID); !found {
		t.Fatal("verdict not primed")
	}

	if err := v.AddToBlacklist(context.Background(), validTaxID, "fraud ring", "ops"); err != nil {
		t.Fatalf("AddToBlacklist: %v", err)
	}
	if _, found, _ := cache.GetVerdict(validTaxID); found {
		t.Fatal("verdict survived blacklist upsert")
	}

	// Next screen sees the fresh row.
	if _, err := v.Validate(context.Background(), validTaxID); !errors.Is(err, ErrBlacklisted) {
		t.Fatalf("Validate after upsert = %v, want ErrBlacklisted", err)
	}

	if err := v.RemoveFromBlacklist(context.Background(), validTaxID, "ops"); err != nil {
		t.Fatalf("RemoveFromBlacklist: %v", err)
	}
	if _, err := v.Validate(context.Background(), validTaxID); err != nil {
		t.Errorf("Validate after removal = %v, want nil", err)
	}
}
