package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"abuse-control/internal/model"
)

// In-memory fakes for the repository and cache interfaces. They implement
// the same atomicity guarantees as the durable store (one mutex per fake
// stands in for the same-partition conditional batch) so concurrency tests
// are meaningful.

var errFakeDown = errors.New("store unavailable")

// -------------------- attempt repo --------------------

type windowState struct {
	count     int
	expiresAt time.Time
}

type fakeAttemptRepo struct {
	mu       sync.Mutex
	windows  map[string]*windowState // scope|key|tier
	lockouts map[string]*model.LockoutRecord
	down     bool
}

func newFakeAttemptRepo() *fakeAttemptRepo {
	return &fakeAttemptRepo{
		windows:  map[string]*windowState{},
		lockouts: map[string]*model.LockoutRecord{},
	}
}

func wkey(scope model.Scope, key, tier string) string {
	return string(scope) + "|" + key + "|" + tier
}

func lkey(scope model.Scope, key string) string {
	return string(scope) + "|" + key
}

func (r *fakeAttemptRepo) IncrementFailure(_ context.Context, scope model.Scope, key string, tiers []model.Tier, now time.Time) ([]model.TierCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errFakeDown
	}

	counts := make([]model.TierCount, 0, len(tiers))
	for _, tier := range tiers {
		k := wkey(scope, key, tier.Name)
		w, ok := r.windows[k]
		if !ok || !w.expiresAt.After(now) {
			w = &windowState{expiresAt: now.Add(tier.Window)}
			r.windows[k] = w
		}
		w.count++
		counts = append(counts, model.TierCount{Tier: tier, Count: w.count, ExpiresAt: w.expiresAt})
	}
	return counts, nil
}

func (r *fakeAttemptRepo) GetCounts(_ context.Context, scope model.Scope, key string, tiers []model.Tier, now time.Time) ([]model.TierCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errFakeDown
	}

	counts := make([]model.TierCount, 0, len(tiers))
	for _, tier := range tiers {
		w, ok := r.windows[wkey(scope, key, tier.Name)]
		if !ok || !w.expiresAt.After(now) {
			counts = append(counts, model.TierCount{Tier: tier})
			continue
		}
		counts = append(counts, model.TierCount{Tier: tier, Count: w.count, ExpiresAt: w.expiresAt})
	}
	return counts, nil
}

func (r *fakeAttemptRepo) ResetAll(_ context.Context, scope model.Scope, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errFakeDown
	}
	prefix := string(scope) + "|" + key + "|"
	for k := range r.windows {
		if strings.HasPrefix(k, prefix) {
			delete(r.windows, k)
		}
	}
	delete(r.lockouts, lkey(scope, key))
	return nil
}

func (r *fakeAttemptRepo) CreateLockout(_ context.Context, rec *model.LockoutRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errFakeDown
	}
	r.lockouts[lkey(rec.Scope, rec.Key)] = rec
	return nil
}

func (r *fakeAttemptRepo) GetLockout(_ context.Context, scope model.Scope, key string) (*model.LockoutRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errFakeDown
	}
	return r.lockouts[lkey(scope, key)], nil
}

func (r *fakeAttemptRepo) ClearLockout(_ context.Context, scope model.Scope, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lockouts, lkey(scope, key))
	return nil
}

// -------------------- attempt cache --------------------

type fakeAttemptCache struct {
	mu     sync.Mutex
	counts map[string][]model.TierCount
	locks  map[string]*model.LockoutRecord
	down   bool
}

func newFakeAttemptCache() *fakeAttemptCache {
	return &fakeAttemptCache{
		counts: map[string][]model.TierCount{},
		locks:  map[string]*model.LockoutRecord{},
	}
}

func (c *fakeAttemptCache) MirrorCounts(scope model.Scope, key string, counts []model.TierCount) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errFakeDown
	}
	c.counts[lkey(scope, key)] = counts
	return nil
}

func (c *fakeAttemptCache) GetCounts(scope model.Scope, key string, _ []model.Tier) ([]model.TierCount, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, false, errFakeDown
	}
	counts, ok := c.counts[lkey(scope, key)]
	return counts, ok, nil
}

func (c *fakeAttemptCache) SetLock(scope model.Scope, key string, rec *model.LockoutRecord, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errFakeDown
	}
	c.locks[lkey(scope, key)] = rec
	return nil
}

func (c *fakeAttemptCache) GetLock(scope model.Scope, key string) (*model.LockoutRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return nil, false, errFakeDown
	}
	rec, ok := c.locks[lkey(scope, key)]
	return rec, ok, nil
}

func (c *fakeAttemptCache) ClearAll(scope model.Scope, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, lkey(scope, key))
	delete(c.locks, lkey(scope, key))
	return nil
}

// -------------------- otp repo --------------------

type fakeOTPRepo struct {
	mu         sync.Mutex
	challenges map[string]*model.OTPChallenge // owner|purpose
	issuances  map[string][]time.Time
	down       bool
}

func newFakeOTPRepo() *fakeOTPRepo {
	return &fakeOTPRepo{
		challenges: map[string]*model.OTPChallenge{},
		issuances:  map[string][]time.Time{},
	}
}

func ckey(ownerID, purpose string) string { return ownerID + "|" + purpose }

func (r *fakeOTPRepo) CreateChallenge(_ context.Context, ch *model.OTPChallenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errFakeDown
	}
	cp := *ch
	r.challenges[ckey(ch.OwnerID, ch.Purpose)] = &cp
	r.issuances[ch.OwnerID] = append(r.issuances[ch.OwnerID], ch.CreatedAt)
	return nil
}

func (r *fakeOTPRepo) GetActiveChallenge(_ context.Context, ownerID, purpose string) (*model.OTPChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errFakeDown
	}
	ch, ok := r.challenges[ckey(ownerID, purpose)]
	if !ok {
		return nil, nil
	}
	cp := *ch
	return &cp, nil
}

func (r *fakeOTPRepo) SupersedeActive(_ context.Context, ownerID, purpose string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.challenges[ckey(ownerID, purpose)]; ok {
		ch.Superseded = true
	}
	return nil
}

func (r *fakeOTPRepo) IncrementAttempt(_ context.Context, ch *model.OTPChallenge) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return 0, errFakeDown
	}
	cur, ok := r.challenges[ckey(ch.OwnerID, ch.Purpose)]
	if !ok || cur.ChallengeID != ch.ChallengeID {
		return 0, model.ErrChallengeReplaced
	}
	if cur.Consumed {
		return cur.AttemptsUsed, model.ErrChallengeConsumed
	}
	cur.AttemptsUsed++
	return cur.AttemptsUsed, nil
}

func (r *fakeOTPRepo) Consume(_ context.Context, ch *model.OTPChallenge, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return false, errFakeDown
	}
	cur, ok := r.challenges[ckey(ch.OwnerID, ch.Purpose)]
	if !ok || cur.ChallengeID != ch.ChallengeID || cur.Consumed {
		return false, nil
	}
	cur.Consumed = true
	cur.ConsumedAt = now
	return true, nil
}

func (r *fakeOTPRepo) CountIssuedSince(_ context.Context, ownerID string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return 0, errFakeDown
	}
	count := 0
	for _, at := range r.issuances[ownerID] {
		if at.After(since) {
			count++
		}
	}
	return count, nil
}

// -------------------- device repo --------------------

type fakeDeviceRepo struct {
	mu      sync.Mutex
	windows map[string]map[string]bool // fp|day -> set of tax ids
	down    bool
}

func newFakeDeviceRepo() *fakeDeviceRepo {
	return &fakeDeviceRepo{windows: map[string]map[string]bool{}}
}

func (r *fakeDeviceRepo) RegisterIdentity(_ context.Context, deviceFP, windowDay, taxID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return 0, errFakeDown
	}
	k := deviceFP + "|" + windowDay
	if r.windows[k] == nil {
		r.windows[k] = map[string]bool{}
	}
	r.windows[k][taxID] = true
	return len(r.windows[k]), nil
}

func (r *fakeDeviceRepo) CountIdentities(_ context.Context, deviceFP, windowDay string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows[deviceFP+"|"+windowDay]), nil
}

// -------------------- otp cache --------------------

// fakeOTPCache scripts the cooldown answer so throttle scenarios are
// deterministic without sleeping.
type fakeOTPCache struct {
	mu               sync.Mutex
	cooldownDeny     bool
	cooldownRemain   time.Duration
	cooldownTaken    int
	issuances        map[string]int
	deviceIdentities map[string]map[string]bool
	down             bool
}

func newFakeOTPCache() *fakeOTPCache {
	return &fakeOTPCache{
		issuances:        map[string]int{},
		deviceIdentities: map[string]map[string]bool{},
	}
}

func (c *fakeOTPCache) AcquireRecipientCooldown(string, time.Duration) (bool, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return false, 0, errFakeDown
	}
	if c.cooldownDeny {
		return false, c.cooldownRemain, nil
	}
	c.cooldownTaken++
	return true, 0, nil
}

func (c *fakeOTPCache) CountIssuanceWindow(ownerID string, _ time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return 0, errFakeDown
	}
	return c.issuances[ownerID], nil
}

func (c *fakeOTPCache) AddIssuance(ownerID string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issuances[ownerID]++
	return nil
}

func (c *fakeOTPCache) AddDeviceIdentity(deviceFP, windowDay, taxID string, _ time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return 0, errFakeDown
	}
	k := deviceFP + "|" + windowDay
	if c.deviceIdentities[k] == nil {
		c.deviceIdentities[k] = map[string]bool{}
	}
	c.deviceIdentities[k][taxID] = true
	return len(c.deviceIdentities[k]), nil
}

// -------------------- blacklist --------------------

type fakeBlacklistRepo struct {
	mu      sync.Mutex
	entries map[string]*model.BlacklistEntry
	down    bool
}

func newFakeBlacklistRepo() *fakeBlacklistRepo {
	return &fakeBlacklistRepo{entries: map[string]*model.BlacklistEntry{}}
}

func (r *fakeBlacklistRepo) GetActive(_ context.Context, taxID string) (*model.BlacklistEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return nil, errFakeDown
	}
	entry, ok := r.entries[taxID]
	if !ok || !entry.Active {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

func (r *fakeBlacklistRepo) Upsert(_ context.Context, entry *model.BlacklistEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return errFakeDown
	}
	cp := *entry
	r.entries[entry.TaxID] = &cp
	return nil
}

func (r *fakeBlacklistRepo) Deactivate(_ context.Context, taxID, setBy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[taxID]; ok {
		entry.Active = false
		entry.SetBy = setBy
	}
	return nil
}

type fakeBlacklistCache struct {
	mu       sync.Mutex
	verdicts map[string]bool
	down     bool
}

func newFakeBlacklistCache() *fakeBlacklistCache {
	return &fakeBlacklistCache{verdicts: map[string]bool{}}
}

func (c *fakeBlacklistCache) GetVerdict(taxID string) (bool, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return false, false, errFakeDown
	}
	blocked, found := c.verdicts[taxID]
	return blocked, found, nil
}

func (c *fakeBlacklistCache) SetVerdict(taxID string, blocked bool, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errFakeDown
	}
	c.verdicts[taxID] = blocked
	return nil
}

func (c *fakeBlacklistCache) Evict(taxID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.verdicts, taxID)
	return nil
}
