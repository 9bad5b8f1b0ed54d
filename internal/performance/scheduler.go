package performance

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/putload/internal/performance/corpus"
	"github.com/wesleyorama2/putload/internal/performance/metrics"
)

// VUScheduler manages the lifecycle of Virtual Users.
//
// It owns the HTTP client configuration, spawns VUs with increasing IDs,
// tracks them in spawn order and stops them newest-first.
type VUScheduler struct {
	target     Target
	corpus     *corpus.Corpus
	policy     corpus.Policy
	seed       int64
	iterations int

	metrics *metrics.Aggregator

	httpClientConfig HTTPClientConfig
	sharedClient     *http.Client

	// spawn order; never shrinks
	vus   []*VirtualUser
	vusMu sync.RWMutex

	nextVUID atomic.Int32

	// runMu guards running, idle and the active VU gauge
	runMu   sync.Mutex
	running int
	idle    chan struct{} // closed while no VU goroutine runs
}

// SchedulerConfig describes what every spawned VU sends.
type SchedulerConfig struct {
	Target     Target
	Corpus     *corpus.Corpus
	Policy     corpus.Policy
	Seed       int64
	Iterations int
	HTTP       HTTPClientConfig
}

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout for a whole request including reading the response body
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DialTimeout bounds connection establishment
	DialTimeout time.Duration

	// DisableKeepAlives opens a new connection for every request
	DisableKeepAlives bool

	// UseSharedClient indicates whether VUs share a single HTTP client
	UseSharedClient bool
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		UseSharedClient:     true,
	}
}

// NewVUScheduler creates a scheduler that records into agg.
func NewVUScheduler(cfg SchedulerConfig, agg *metrics.Aggregator) *VUScheduler {
	s := &VUScheduler{
		target:           cfg.Target,
		corpus:           cfg.Corpus,
		policy:           cfg.Policy,
		seed:             cfg.Seed,
		iterations:       cfg.Iterations,
		metrics:          agg,
		httpClientConfig: cfg.HTTP,
		idle:             make(chan struct{}),
	}
	close(s.idle)

	if cfg.HTTP.UseSharedClient {
		s.sharedClient = s.createHTTPClient()
	}

	return s
}

func (s *VUScheduler) createHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   s.httpClientConfig.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        s.httpClientConfig.MaxIdleConns,
		MaxIdleConnsPerHost: s.httpClientConfig.MaxIdleConnsPerHost,
		IdleConnTimeout:     s.httpClientConfig.IdleConnTimeout,
		DisableKeepAlives:   s.httpClientConfig.DisableKeepAlives,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   s.httpClientConfig.Timeout,
		// the target is a single endpoint; report redirects as 3xx
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// SpawnVU creates and registers a new VU without starting it.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	id := int(s.nextVUID.Add(1))

	client := s.sharedClient
	if client == nil {
		client = s.createHTTPClient()
	}

	selector := corpus.NewSelector(s.policy, s.corpus, s.seed, id)
	vu := NewVirtualUser(id, s.target, client, selector, s.corpus.Len(), s.iterations)

	s.vusMu.Lock()
	s.vus = append(s.vus, vu)
	s.vusMu.Unlock()

	return vu
}

// StartVU spawns a VU and runs it in its own goroutine. ctx is the hard-abort
// context: cancelling it interrupts in-flight requests.
func (s *VUScheduler) StartVU(ctx context.Context) *VirtualUser {
	vu := s.SpawnVU()

	s.vuStarted()

	go func() {
		defer s.vuExited()
		vu.Run(ctx, s.metrics)
	}()

	return vu
}

// GetVU returns a VU by ID, or nil if not found.
func (s *VUScheduler) GetVU(id int) *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		if vu.ID == id {
			return vu
		}
	}
	return nil
}

// VUs returns every VU spawned so far in spawn order.
func (s *VUScheduler) VUs() []*VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	result := make([]*VirtualUser, len(s.vus))
	copy(result, s.vus)
	return result
}

// Running returns the number of VU goroutines that have not exited.
func (s *VUScheduler) Running() int {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// Spawned returns the number of VUs created so far.
func (s *VUScheduler) Spawned() int {
	return int(s.nextVUID.Load())
}

// Attempts returns the sum of every VU's recorded outcomes.
func (s *VUScheduler) Attempts() int64 {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	var total int64
	for _, vu := range s.vus {
		total += vu.Attempts()
	}
	return total
}

// StopNewest asks the most recently spawned live VU to stop and returns it,
// or nil when no VU is left to stop.
func (s *VUScheduler) StopNewest() *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for i := len(s.vus) - 1; i >= 0; i-- {
		vu := s.vus[i]
		switch vu.State() {
		case VUStateIdle, VUStateRunning:
			vu.RequestStop()
			return vu
		}
	}
	return nil
}

// StopAllVUs asks every VU to stop.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// WaitForAllVUs waits for every VU goroutine to exit. It returns the number
// still running when timeout expires. A timeout of 0 waits without bound.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) int {
	s.runMu.Lock()
	idle := s.idle
	s.runMu.Unlock()

	if timeout <= 0 {
		<-idle
		return 0
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-idle:
		return 0
	case <-timer.C:
		return s.Running()
	}
}

// Close releases idle connections held by the shared client.
func (s *VUScheduler) Close() {
	if s.sharedClient != nil {
		s.sharedClient.CloseIdleConnections()
	}
}

func (s *VUScheduler) vuStarted() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running == 0 {
		s.idle = make(chan struct{})
	}
	s.running++
	s.updateMetrics()
}

func (s *VUScheduler) vuExited() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.running--
	if s.running == 0 {
		close(s.idle)
	}
	s.updateMetrics()
}

// updateMetrics must be called with runMu held so gauge stores stay ordered.
func (s *VUScheduler) updateMetrics() {
	if s.metrics != nil {
		s.metrics.SetActiveVUs(s.running)
	}
}
