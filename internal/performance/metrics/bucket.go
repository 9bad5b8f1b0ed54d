package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimeBucketStore keeps the most recent time buckets in a ring buffer.
//
// Record is lock-free; CreateBucket and the readers take the store mutex.
// When the buffer is full the oldest bucket is overwritten.
type TimeBucketStore struct {
	buckets    []*TimeBucket
	head       int // next write position
	count      int
	maxBuckets int
	mu         sync.RWMutex

	lastBucketTime time.Time

	// current interval accumulators
	currentRequests atomic.Int64
	currentFailures atomic.Int64
}

// NewTimeBucketStore creates a store holding at most maxBuckets buckets.
func NewTimeBucketStore(maxBuckets int) *TimeBucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}

	return &TimeBucketStore{
		buckets:        make([]*TimeBucket, maxBuckets),
		maxBuckets:     maxBuckets,
		lastBucketTime: time.Now(),
	}
}

// Record adds one outcome to the current interval.
func (tbs *TimeBucketStore) Record(success bool) {
	tbs.currentRequests.Add(1)
	if !success {
		tbs.currentFailures.Add(1)
	}
}

// BucketTotals is the cumulative state captured into a bucket.
type BucketTotals struct {
	Requests  int64
	Failures  int64
	Latency   LatencyStats
	ActiveVUs int
	Phase     Phase
}

// CreateBucket closes the current interval at now and appends it.
func (tbs *TimeBucketStore) CreateBucket(totals BucketTotals, now time.Time) *TimeBucket {
	tbs.mu.Lock()
	defer tbs.mu.Unlock()

	intervalRequests := tbs.currentRequests.Swap(0)
	intervalFailures := tbs.currentFailures.Swap(0)

	seconds := now.Sub(tbs.lastBucketTime).Seconds()
	if seconds <= 0 {
		seconds = 1.0
	}

	errorRate := 0.0
	if intervalRequests > 0 {
		errorRate = float64(intervalFailures) / float64(intervalRequests)
	}

	bucket := &TimeBucket{
		Timestamp:         now,
		TotalRequests:     totals.Requests,
		TotalFailures:     totals.Failures,
		IntervalRequests:  intervalRequests,
		IntervalFailures:  intervalFailures,
		IntervalRPS:       float64(intervalRequests) / seconds,
		IntervalErrorRate: errorRate,
		IntervalSeconds:   seconds,
		LatencyP50:        totals.Latency.P50,
		LatencyP95:        totals.Latency.P95,
		LatencyP99:        totals.Latency.P99,
		ActiveVUs:         totals.ActiveVUs,
		Phase:             totals.Phase,
	}

	tbs.buckets[tbs.head] = bucket
	tbs.head = (tbs.head + 1) % tbs.maxBuckets
	if tbs.count < tbs.maxBuckets {
		tbs.count++
	}
	tbs.lastBucketTime = now

	return bucket
}

// Buckets returns all retained buckets in chronological order.
func (tbs *TimeBucketStore) Buckets() []*TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}

	result := make([]*TimeBucket, tbs.count)
	start := 0
	if tbs.count == tbs.maxBuckets {
		start = tbs.head
	}
	for i := 0; i < tbs.count; i++ {
		result[i] = tbs.buckets[(start+i)%tbs.maxBuckets]
	}
	return result
}

// Latest returns the most recent bucket, or nil if none.
func (tbs *TimeBucketStore) Latest() *TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}
	return tbs.buckets[(tbs.head-1+tbs.maxBuckets)%tbs.maxBuckets]
}

// Count returns the number of retained buckets.
func (tbs *TimeBucketStore) Count() int {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()
	return tbs.count
}

// SteadyStateRPS averages throughput over the buckets emitted while steady.
// The second result is the number of buckets used.
func (tbs *TimeBucketStore) SteadyStateRPS() (float64, int) {
	var requests int64
	var seconds float64
	n := 0

	for _, b := range tbs.Buckets() {
		if b.Phase != PhaseSteady {
			continue
		}
		requests += b.IntervalRequests
		seconds += b.IntervalSeconds
		n++
	}

	if n == 0 || seconds <= 0 {
		return 0, 0
	}
	return float64(requests) / seconds, n
}
