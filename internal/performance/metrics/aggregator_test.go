package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outcome(vu, status int, latency time.Duration) Outcome {
	return Outcome{
		VUID:          vu,
		Method:        "PUT",
		Path:          "/snowpipe/insert",
		StatusCode:    status,
		Latency:       latency,
		Timestamp:     time.Now(),
		BytesSent:     20,
		BytesReceived: 5,
	}
}

func failure(vu int, kind ErrorKind) Outcome {
	o := outcome(vu, 0, time.Millisecond)
	o.ErrorKind = kind
	o.Err = errors.New(string(kind))
	o.BytesReceived = 0
	return o
}

func TestAggregator_Empty(t *testing.T) {
	agg := NewAggregator()
	snap := agg.Snapshot()

	assert.Zero(t, snap.TotalRequests)
	assert.Zero(t, snap.ErrorRate)
	assert.Equal(t, LatencyStats{}, snap.Latency)
	assert.Empty(t, snap.Counters)
	assert.Equal(t, PhaseInit, agg.Phase())
}

func TestAggregator_Record(t *testing.T) {
	agg := NewAggregator()

	agg.Record(outcome(1, 200, 10*time.Millisecond))
	agg.Record(outcome(2, 201, 20*time.Millisecond))
	agg.Record(outcome(3, 503, 30*time.Millisecond))
	agg.Record(outcome(1, 404, 5*time.Millisecond))
	agg.Record(failure(2, ErrorKindConnectionRefused))
	agg.Record(failure(2, ErrorKindTimeout))

	snap := agg.Snapshot()

	assert.Equal(t, int64(6), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.SuccessRequests)
	assert.Equal(t, int64(4), snap.FailedRequests)
	assert.InDelta(t, 4.0/6.0, snap.ErrorRate, 1e-9)
	assert.Equal(t, int64(120), snap.BytesSent)
	assert.Equal(t, int64(20), snap.BytesReceived)

	assert.Equal(t, int64(2), snap.Count("PUT", "/snowpipe/insert", StatusClass2xx))
	assert.Equal(t, int64(1), snap.Count("PUT", "/snowpipe/insert", StatusClass4xx))
	assert.Equal(t, int64(1), snap.Count("PUT", "/snowpipe/insert", StatusClass5xx))
	assert.Equal(t, int64(2), snap.Count("PUT", "/snowpipe/insert", StatusClassError))
	assert.Zero(t, snap.Count("GET", "/snowpipe/insert", StatusClass2xx))

	assert.Equal(t, map[ErrorKind]int64{
		ErrorKindConnectionRefused: 1,
		ErrorKindTimeout:           1,
	}, snap.Errors)
	assert.Equal(t, int64(2), snap.ByStatusClass[StatusClass2xx])
	assert.Equal(t, int64(6), snap.Latency.Count)
}

func TestAggregator_LatencyPercentiles(t *testing.T) {
	agg := NewAggregator()
	for i := 1; i <= 10; i++ {
		agg.Record(outcome(i, 200, time.Duration(i*10)*time.Millisecond))
	}

	lat := agg.Snapshot().Latency

	assert.InDelta(t, float64(10*time.Millisecond), float64(lat.Min), float64(time.Millisecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(lat.Max), float64(time.Millisecond))
	assert.InDelta(t, float64(50*time.Millisecond), float64(lat.P50), float64(10*time.Millisecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(lat.P99), float64(10*time.Millisecond))
	assert.InDelta(t, float64(55*time.Millisecond), float64(lat.Mean), float64(2*time.Millisecond))
}

func TestAggregator_LatencyClamped(t *testing.T) {
	agg := NewAggregator()
	agg.Record(outcome(0, 200, 0))
	agg.Record(outcome(0, 200, 2*time.Hour))

	lat := agg.Snapshot().Latency
	assert.Equal(t, int64(2), lat.Count)
	assert.LessOrEqual(t, lat.Min, 2*time.Microsecond)
	assert.InDelta(t, float64(time.Hour), float64(lat.Max), float64(5*time.Second))
}

func TestAggregator_SnapshotIsIdempotent(t *testing.T) {
	agg := NewAggregatorWithConfig(Config{Shards: 4})
	for i := 0; i < 100; i++ {
		agg.Record(outcome(i, 200+(i%4)*100, time.Duration(i)*time.Millisecond))
	}
	agg.Record(failure(7, ErrorKindConnectionReset))

	first := agg.Snapshot()
	second := agg.Snapshot()
	assert.Equal(t, first, second)

	agg.Record(outcome(1, 200, time.Millisecond))
	assert.NotEqual(t, first, agg.Snapshot())
}

func TestAggregator_ConcurrentRecord(t *testing.T) {
	agg := NewAggregatorWithConfig(Config{Shards: 8})

	const vus = 32
	const perVU = 500

	var wg sync.WaitGroup
	for vu := 1; vu <= vus; vu++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perVU; i++ {
				agg.Record(outcome(id, 200, time.Millisecond))
			}
		}(vu)
	}

	// Snapshots while recording must stay internally consistent
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			s := agg.Snapshot()
			if s.SuccessRequests+s.FailedRequests != s.TotalRequests {
				t.Errorf("inconsistent snapshot: %+v", s)
				return
			}
			if s.Latency.Count != s.TotalRequests {
				t.Errorf("histogram count %d != total %d", s.Latency.Count, s.TotalRequests)
				return
			}
		}
	}()

	wg.Wait()
	<-done

	snap := agg.Snapshot()
	assert.Equal(t, int64(vus*perVU), snap.TotalRequests)
	assert.Equal(t, int64(vus*perVU), agg.TotalRequests())
	assert.Equal(t, int64(vus*perVU), snap.Count("PUT", "/snowpipe/insert", StatusClass2xx))
}

func TestAggregator_NegativeVUID(t *testing.T) {
	agg := NewAggregatorWithConfig(Config{Shards: 3})
	agg.Record(outcome(-5, 200, time.Millisecond))
	assert.Equal(t, int64(1), agg.Snapshot().TotalRequests)
}

func TestAggregator_Phase(t *testing.T) {
	agg := NewAggregator()

	phases := []Phase{PhaseRampUp, PhaseSteady, PhaseSteady, PhaseRampDown, PhaseDone}
	for _, p := range phases {
		agg.SetPhase(p)
		assert.Equal(t, p, agg.Phase())
	}

	history := agg.PhaseHistory()
	require.Len(t, history, 4)
	assert.Equal(t, PhaseRampUp, history[0].Phase)
	assert.Equal(t, PhaseDone, history[3].Phase)
}

func TestAggregator_ActiveVUs(t *testing.T) {
	agg := NewAggregator()
	agg.SetActiveVUs(12)
	assert.Equal(t, 12, agg.ActiveVUs())
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingObserver) Observe(o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func TestAggregator_Observers(t *testing.T) {
	agg := NewAggregator()
	obs := &recordingObserver{}
	agg.AddObserver(obs)

	agg.Record(outcome(1, 200, time.Millisecond))
	agg.Record(failure(1, ErrorKindTransport))

	require.Len(t, obs.outcomes, 2)
	assert.Equal(t, ErrorKindTransport, obs.outcomes[1].ErrorKind)
}

func TestAggregator_Emitter(t *testing.T) {
	agg := NewAggregatorWithConfig(Config{BucketInterval: 20 * time.Millisecond})
	agg.SetPhase(PhaseSteady)
	agg.SetActiveVUs(3)
	agg.Start()
	agg.Start()

	for i := 0; i < 10; i++ {
		agg.Record(outcome(i, 200, time.Millisecond))
	}
	time.Sleep(70 * time.Millisecond)
	agg.Stop()
	agg.Stop()

	series := agg.TimeSeries()
	require.NotEmpty(t, series)

	var total int64
	for _, b := range series {
		total += b.IntervalRequests
		assert.Equal(t, PhaseSteady, b.Phase)
		assert.Equal(t, 3, b.ActiveVUs)
	}
	assert.Equal(t, int64(10), total)
	assert.Equal(t, int64(10), agg.LatestBucket().TotalRequests)

	rps, n := agg.SteadyStateRPS()
	assert.Equal(t, len(series), n)
	assert.Greater(t, rps, 0.0)
}

func TestOutcome_Class(t *testing.T) {
	tests := []struct {
		status int
		kind   ErrorKind
		want   StatusClass
	}{
		{100, ErrorKindNone, StatusClass1xx},
		{200, ErrorKindNone, StatusClass2xx},
		{299, ErrorKindNone, StatusClass2xx},
		{302, ErrorKindNone, StatusClass3xx},
		{400, ErrorKindNone, StatusClass4xx},
		{500, ErrorKindNone, StatusClass5xx},
		{0, ErrorKindTimeout, StatusClassError},
		{200, ErrorKindMalformedResponse, StatusClassError},
		{0, ErrorKindNone, StatusClassError},
	}

	for _, tt := range tests {
		o := Outcome{StatusCode: tt.status, ErrorKind: tt.kind}
		assert.Equal(t, tt.want, o.Class(), "status=%d kind=%q", tt.status, tt.kind)
		assert.Equal(t, tt.want == StatusClass2xx, o.Success())
	}
}
