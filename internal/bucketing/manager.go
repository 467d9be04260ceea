package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"abuse-control/internal/config"
)

// BucketingManager spreads hot partition keys (tax-ids, IPs, device
// fingerprints) across a fixed number of buckets so a single abusive key
// cannot concentrate load on one Scylla partition range.
type BucketingManager struct {
	keyBuckets   int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		keyBuckets:   cfg.Bucketing.KeyBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on the hot path
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// KeyBucket returns the consistent bucket for a (scope,key) pair.
func (bm *BucketingManager) KeyBucket(scope, key string) int {
	return bm.getBucket(scope+":"+key, bm.keyBuckets)
}

// EventBucket returns the bucket for audit/analytics events.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// DayBucket returns the UTC day used as the device fan-out window key.
func (bm *BucketingManager) DayBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

// TimeBucket aligns a timestamp down to a fixed window boundary.
func (bm *BucketingManager) TimeBucket(at time.Time, window time.Duration) int64 {
	secs := int64(window.Seconds())
	return at.Unix() / secs * secs
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return int(hasher.Sum64() % uint64(numBuckets))
}

func (bm *BucketingManager) KeyBuckets() int {
	return bm.keyBuckets
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}
