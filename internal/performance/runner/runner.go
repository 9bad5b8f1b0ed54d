// Package runner drives a population of virtual users through a
// ramp-up, steady and ramp-down schedule.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wesleyorama2/putload/internal/performance"
	"github.com/wesleyorama2/putload/internal/performance/config"
	"github.com/wesleyorama2/putload/internal/performance/corpus"
	"github.com/wesleyorama2/putload/internal/performance/metrics"
)

// ErrAlreadyRunning is returned by Run when the runner has been started before.
var ErrAlreadyRunning = errors.New("runner is already running")

// State is the runner's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRampingUp
	StateSteady
	StateRampingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRampingUp:
		return "ramping-up"
	case StateSteady:
		return "steady"
	case StateRampingDown:
		return "ramping-down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// phase maps a runner state onto the metrics phase it reports.
func (s State) phase() metrics.Phase {
	switch s {
	case StateRampingUp:
		return metrics.PhaseRampUp
	case StateSteady:
		return metrics.PhaseSteady
	case StateRampingDown:
		return metrics.PhaseRampDown
	case StateStopped:
		return metrics.PhaseDone
	default:
		return metrics.PhaseInit
	}
}

// controllerTick is how often the steady loop checks for finished users.
const controllerTick = 100 * time.Millisecond

// Options configures a run.
type Options struct {
	Name   string
	Target performance.Target
	Corpus *corpus.Corpus
	Policy corpus.Policy
	Seed   int64

	// VUs is the target concurrency
	VUs int

	// RampUpRate and RampDownRate are users per second; 0 means all at once
	RampUpRate   float64
	RampDownRate float64

	// Duration is measured from Run, ramp-up included; 0 requires Iterations
	Duration time.Duration

	// Iterations is passes over the corpus per user; 0 means unbounded
	Iterations int

	// GracefulStop bounds how long stopped users may take to exit before
	// their requests are aborted; 0 waits until they finish or Abort is called
	GracefulStop time.Duration

	HTTP performance.HTTPClientConfig

	Thresholds *config.ThresholdsConfig
}

// Validate reports option combinations the runner cannot execute.
func (o *Options) Validate() error {
	errs := &config.ValidationErrors{}

	if o.Corpus == nil || o.Corpus.Len() == 0 {
		errs.Add("corpus", "a non-empty corpus is required")
	}
	if o.Target.URL == "" {
		errs.Add("target", "target is required")
	}
	if o.VUs < 1 {
		errs.Add("vus", "vus must be at least 1")
	}
	if o.RampUpRate < 0 {
		errs.Add("rampUpRate", "cannot be negative")
	}
	if o.RampDownRate < 0 {
		errs.Add("rampDownRate", "cannot be negative")
	}
	if o.Duration < 0 || o.Iterations < 0 || o.GracefulStop < 0 {
		errs.Add("duration", "durations and iterations cannot be negative")
	}
	if o.Duration == 0 && o.Iterations == 0 {
		errs.Add("duration", "duration is required when iterations is 0")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// StateChange records one state machine transition.
type StateChange struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Runner executes one load run. A Runner is single-use.
type Runner struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Aggregator
	runID   string

	state   atomic.Int32
	started atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}

	abortMu sync.Mutex
	abort   context.CancelFunc
	aborted bool

	historyMu sync.Mutex
	history   []StateChange

	scheduler *performance.VUScheduler
	startedAt atomic.Int64 // unix nanos
}

// New creates a runner. agg may be nil, in which case the runner creates its
// own aggregator; pass one in to attach observers before Run.
func New(opts Options, agg *metrics.Aggregator, logger *zap.Logger) (*Runner, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run options: %w", err)
	}
	if agg == nil {
		agg = metrics.NewAggregator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	runID := uuid.NewString()

	return &Runner{
		opts:    opts,
		logger:  logger.With(zap.String("run_id", runID)),
		metrics: agg,
		runID:   runID,
		stopCh:  make(chan struct{}),
	}, nil
}

// RunID returns the unique identifier of this run.
func (r *Runner) RunID() string {
	return r.runID
}

// Metrics returns the aggregator the run records into.
func (r *Runner) Metrics() *metrics.Aggregator {
	return r.metrics
}

// State returns the current state.
func (r *Runner) State() State {
	return State(r.state.Load())
}

// Stop asks the runner to ramp down. In-flight requests complete. Safe to
// call more than once and from any goroutine.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
}

// Abort cancels in-flight requests. Those outcomes are recorded as cancelled.
func (r *Runner) Abort() {
	r.Stop()

	r.abortMu.Lock()
	defer r.abortMu.Unlock()
	r.aborted = true
	if r.abort != nil {
		r.abort()
	}
}

// Progress reports elapsed time against the configured duration. total is 0
// for runs bounded only by iterations.
func (r *Runner) Progress() (elapsed, total time.Duration) {
	ns := r.startedAt.Load()
	if ns == 0 {
		return 0, r.opts.Duration
	}
	return time.Since(time.Unix(0, ns)), r.opts.Duration
}

// Run executes the run and blocks until every user has exited. Cancelling ctx
// behaves like Stop. Per-request failures never surface as an error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if !r.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	abortCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()
	r.abortMu.Lock()
	r.abort = abort
	if r.aborted {
		abort()
	}
	r.abortMu.Unlock()

	runCtx, cancelRun := r.runContext(ctx)
	defer cancelRun()

	r.scheduler = performance.NewVUScheduler(performance.SchedulerConfig{
		Target:     r.opts.Target,
		Corpus:     r.opts.Corpus,
		Policy:     r.opts.Policy,
		Seed:       r.opts.Seed,
		Iterations: r.opts.Iterations,
		HTTP:       r.opts.HTTP,
	}, r.metrics)
	defer r.scheduler.Close()

	startTime := time.Now()
	r.startedAt.Store(startTime.UnixNano())
	r.metrics.Start()

	r.logger.Info("run starting",
		zap.String("target", r.opts.Target.URL),
		zap.Int("vus", r.opts.VUs),
		zap.Float64("ramp_up_rate", r.opts.RampUpRate),
		zap.Duration("duration", r.opts.Duration),
		zap.Int("iterations", r.opts.Iterations),
		zap.Int("payloads", r.opts.Corpus.Len()),
	)

	r.setState(StateRampingUp)
	if r.rampUp(runCtx, abortCtx) {
		r.setState(StateSteady)
		r.steady(runCtx)
	}

	r.setState(StateRampingDown)
	r.rampDown(abortCtx)

	stragglers := r.scheduler.WaitForAllVUs(r.opts.GracefulStop)
	if stragglers > 0 {
		r.logger.Warn("users did not stop within graceful stop, aborting their requests",
			zap.Int("stragglers", stragglers),
			zap.Duration("graceful_stop", r.opts.GracefulStop),
		)
		abort()
		r.scheduler.WaitForAllVUs(time.Second)
	}

	r.setState(StateStopped)
	r.metrics.Stop()
	endTime := time.Now()

	result := r.buildResult(startTime, endTime, stragglers)

	r.logger.Info("run finished",
		zap.Duration("elapsed", result.Duration),
		zap.Int64("requests", result.Metrics.TotalRequests),
		zap.Int64("failed", result.Metrics.FailedRequests),
		zap.Bool("passed", result.Passed),
	)

	return result, nil
}

// runContext returns a context cancelled by Stop, by ctx, or when the
// configured duration elapses.
func (r *Runner) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	var runCtx context.Context
	var cancel context.CancelFunc
	if r.opts.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.opts.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	return runCtx, cancel
}

// rampUp starts users until the target is reached. It reports false when the
// run was stopped or timed out first.
func (r *Runner) rampUp(runCtx, abortCtx context.Context) bool {
	var limiter *rate.Limiter
	if r.opts.RampUpRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.opts.RampUpRate), 1)
	}

	for started := 0; started < r.opts.VUs; started++ {
		if limiter != nil {
			if err := limiter.Wait(runCtx); err != nil {
				// Wait fails early when the deadline precedes the next token
				<-runCtx.Done()
				r.logger.Info("ramp-up interrupted", zap.Int("started", started))
				return false
			}
		} else if runCtx.Err() != nil {
			return false
		}

		vu := r.scheduler.StartVU(abortCtx)
		r.logger.Debug("user started", zap.Int("vu", vu.ID))
	}

	return runCtx.Err() == nil
}

// steady holds the target concurrency until the run context ends or every
// iteration-bound user has finished on its own.
func (r *Runner) steady(runCtx context.Context) {
	ticker := time.NewTicker(controllerTick)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return
		case <-ticker.C:
			if r.opts.Iterations > 0 && r.scheduler.Running() == 0 {
				r.logger.Info("all users completed their iterations")
				return
			}
		}
	}
}

// rampDown stops users newest-first at RampDownRate users per second.
func (r *Runner) rampDown(abortCtx context.Context) {
	if r.opts.RampDownRate <= 0 {
		r.scheduler.StopAllVUs()
		return
	}

	limiter := rate.NewLimiter(rate.Limit(r.opts.RampDownRate), 1)
	for {
		if err := limiter.Wait(abortCtx); err != nil {
			r.scheduler.StopAllVUs()
			return
		}
		vu := r.scheduler.StopNewest()
		if vu == nil {
			return
		}
		r.logger.Debug("user stopping", zap.Int("vu", vu.ID))
	}
}

func (r *Runner) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev == s {
		return
	}

	r.historyMu.Lock()
	r.history = append(r.history, StateChange{State: s.String(), Timestamp: time.Now()})
	r.historyMu.Unlock()

	r.metrics.SetPhase(s.phase())
	r.logger.Info("state changed",
		zap.String("from", prev.String()),
		zap.String("state", s.String()),
		zap.Int("active_vus", r.metrics.ActiveVUs()),
	)
}

// StateHistory returns every transition so far.
func (r *Runner) StateHistory() []StateChange {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()

	out := make([]StateChange, len(r.history))
	copy(out, r.history)
	return out
}
