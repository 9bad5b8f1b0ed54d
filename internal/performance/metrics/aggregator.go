// Package metrics aggregates request outcomes into latency, throughput and
// error statistics.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Observer receives every recorded outcome after it has been aggregated.
// Observe is called from the recording goroutine and must not block.
type Observer interface {
	Observe(o Outcome)
}

// Aggregator collects outcomes from many virtual users.
//
// Outcomes are routed to a shard by VU id. Each shard has its own mutex, HDR
// histogram and counters, so users on different shards never contend.
// Snapshot locks every shard in order and merges them.
//
// The Aggregator never returns an error.
type Aggregator struct {
	shards []*shard

	// live totals for progress and buckets; Snapshot does not read these
	totalRequests atomic.Int64
	failed        atomic.Int64

	activeVUs atomic.Int32

	bucketStore *TimeBucketStore

	phaseMu      sync.RWMutex
	currentPhase Phase
	phaseHistory []PhaseChange

	observersMu sync.RWMutex
	observers   []Observer

	emitterMu     sync.Mutex
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup

	config Config
}

type shard struct {
	mu        sync.Mutex
	hist      *hdrhistogram.Histogram
	requests  int64
	successes int64
	sent      int64
	received  int64
	counters  map[Key]int64
	errors    map[ErrorKind]int64
}

// NewAggregator creates an aggregator with default configuration.
func NewAggregator() *Aggregator {
	return NewAggregatorWithConfig(DefaultConfig())
}

// NewAggregatorWithConfig creates an aggregator. Zero fields in config take
// their defaults.
func NewAggregatorWithConfig(config Config) *Aggregator {
	config = config.withDefaults()

	a := &Aggregator{
		shards:       make([]*shard, config.Shards),
		bucketStore:  NewTimeBucketStore(config.MaxBuckets),
		currentPhase: PhaseInit,
		config:       config,
	}
	for i := range a.shards {
		a.shards[i] = &shard{
			hist:     a.newHistogram(),
			counters: make(map[Key]int64),
			errors:   make(map[ErrorKind]int64),
		}
	}
	return a
}

func (a *Aggregator) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(a.config.HistogramMin, a.config.HistogramMax, a.config.HistogramSigFigs)
}

// AddObserver registers o to receive every subsequent outcome.
func (a *Aggregator) AddObserver(o Observer) {
	a.observersMu.Lock()
	a.observers = append(a.observers, o)
	a.observersMu.Unlock()
}

// Record adds one outcome. It is safe for concurrent use.
func (a *Aggregator) Record(o Outcome) {
	latency := o.Latency.Microseconds()
	if latency < a.config.HistogramMin {
		latency = a.config.HistogramMin
	}
	if latency > a.config.HistogramMax {
		latency = a.config.HistogramMax
	}

	class := o.Class()
	success := class == StatusClass2xx

	s := a.shardFor(o.VUID)
	s.mu.Lock()
	// RecordValue only fails for out-of-range values, which were clamped above
	_ = s.hist.RecordValue(latency)
	s.requests++
	if success {
		s.successes++
	}
	s.sent += o.BytesSent
	s.received += o.BytesReceived
	s.counters[Key{Method: o.Method, Path: o.Path, Class: class}]++
	if o.ErrorKind != ErrorKindNone {
		s.errors[o.ErrorKind]++
	}
	s.mu.Unlock()

	a.totalRequests.Add(1)
	if !success {
		a.failed.Add(1)
	}
	a.bucketStore.Record(success)

	a.observersMu.RLock()
	for _, obs := range a.observers {
		obs.Observe(o)
	}
	a.observersMu.RUnlock()
}

func (a *Aggregator) shardFor(vuID int) *shard {
	i := vuID % len(a.shards)
	if i < 0 {
		i = -i
	}
	return a.shards[i]
}

// Snapshot merges all shards into a consistent view. It may be called while
// recording continues.
func (a *Aggregator) Snapshot() AggregateMetrics {
	merged := a.newHistogram()
	counters := make(map[Key]int64)
	byClass := make(map[StatusClass]int64)
	errs := make(map[ErrorKind]int64)

	var m AggregateMetrics

	for _, s := range a.shards {
		s.mu.Lock()
	}
	for _, s := range a.shards {
		// Merge only reports values dropped as out of range; shards share the merged bounds
		_ = merged.Merge(s.hist)
		m.TotalRequests += s.requests
		m.SuccessRequests += s.successes
		m.BytesSent += s.sent
		m.BytesReceived += s.received
		for k, n := range s.counters {
			counters[k] += n
			byClass[k.Class] += n
		}
		for k, n := range s.errors {
			errs[k] += n
		}
	}
	for _, s := range a.shards {
		s.mu.Unlock()
	}

	m.FailedRequests = m.TotalRequests - m.SuccessRequests
	if m.TotalRequests > 0 {
		m.ErrorRate = float64(m.FailedRequests) / float64(m.TotalRequests)
	}
	m.Latency = latencyStats(merged)
	m.ByStatusClass = byClass
	m.Errors = errs

	m.Counters = make([]KeyCount, 0, len(counters))
	for k, n := range counters {
		m.Counters = append(m.Counters, KeyCount{Key: k, Count: n})
	}
	sort.Slice(m.Counters, func(i, j int) bool {
		x, y := m.Counters[i], m.Counters[j]
		if x.Method != y.Method {
			return x.Method < y.Method
		}
		if x.Path != y.Path {
			return x.Path < y.Path
		}
		return x.Class < y.Class
	})

	return m
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	if h.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Min:    time.Duration(h.Min()) * time.Microsecond,
		Max:    time.Duration(h.Max()) * time.Microsecond,
		Mean:   time.Duration(h.Mean()) * time.Microsecond,
		StdDev: time.Duration(h.StdDev()) * time.Microsecond,
		P50:    time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:    time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P95:    time.Duration(h.ValueAtQuantile(95)) * time.Microsecond,
		P99:    time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Count:  h.TotalCount(),
	}
}

// TotalRequests returns the live request count without merging shards.
func (a *Aggregator) TotalRequests() int64 {
	return a.totalRequests.Load()
}

// FailedRequests returns the live failure count without merging shards.
func (a *Aggregator) FailedRequests() int64 {
	return a.failed.Load()
}

// SetPhase records a phase transition. Setting the current phase is a no-op.
func (a *Aggregator) SetPhase(phase Phase) {
	a.phaseMu.Lock()
	defer a.phaseMu.Unlock()

	if a.currentPhase == phase {
		return
	}

	a.currentPhase = phase
	a.phaseHistory = append(a.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  a.totalRequests.Load(),
	})
}

// Phase returns the current phase.
func (a *Aggregator) Phase() Phase {
	a.phaseMu.RLock()
	defer a.phaseMu.RUnlock()
	return a.currentPhase
}

// PhaseHistory returns a copy of every recorded transition.
func (a *Aggregator) PhaseHistory() []PhaseChange {
	a.phaseMu.RLock()
	defer a.phaseMu.RUnlock()

	result := make([]PhaseChange, len(a.phaseHistory))
	copy(result, a.phaseHistory)
	return result
}

// SetActiveVUs updates the active VU gauge.
func (a *Aggregator) SetActiveVUs(count int) {
	a.activeVUs.Store(int32(count))
}

// ActiveVUs returns the active VU gauge.
func (a *Aggregator) ActiveVUs() int {
	return int(a.activeVUs.Load())
}

// Start launches the background emitter, which appends a TimeBucket every
// BucketInterval until Stop is called. Calling Start twice is a no-op.
func (a *Aggregator) Start() {
	a.emitterMu.Lock()
	defer a.emitterMu.Unlock()

	if a.emitterCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.emitterCancel = cancel

	a.emitterWg.Add(1)
	go a.runEmitter(ctx)
}

// Stop halts the emitter and emits one final bucket for the partial interval.
func (a *Aggregator) Stop() {
	a.emitterMu.Lock()
	cancel := a.emitterCancel
	a.emitterCancel = nil
	a.emitterMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	a.emitterWg.Wait()
	a.emitBucket()
}

func (a *Aggregator) runEmitter(ctx context.Context) {
	defer a.emitterWg.Done()

	ticker := time.NewTicker(a.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.emitBucket()
		}
	}
}

func (a *Aggregator) emitBucket() *TimeBucket {
	snap := a.Snapshot()
	return a.bucketStore.CreateBucket(BucketTotals{
		Requests:  snap.TotalRequests,
		Failures:  snap.FailedRequests,
		Latency:   snap.Latency,
		ActiveVUs: a.ActiveVUs(),
		Phase:     a.Phase(),
	}, time.Now())
}

// TimeSeries returns the emitted buckets in chronological order.
func (a *Aggregator) TimeSeries() []*TimeBucket {
	return a.bucketStore.Buckets()
}

// LatestBucket returns the most recent bucket, or nil before the first tick.
func (a *Aggregator) LatestBucket() *TimeBucket {
	return a.bucketStore.Latest()
}

// SteadyStateRPS returns the mean throughput over steady-phase buckets.
func (a *Aggregator) SteadyStateRPS() (float64, int) {
	return a.bucketStore.SteadyStateRPS()
}
