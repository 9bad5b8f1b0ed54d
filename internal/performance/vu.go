// Package performance runs virtual users that replay a payload corpus
// against a single HTTP target.
package performance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wesleyorama2/putload/internal/performance/corpus"
	"github.com/wesleyorama2/putload/internal/performance/metrics"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU has been created but not started.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is sending requests.
	VUStateRunning
	// VUStateStopping indicates the VU has been asked to stop after its current request.
	VUStateStopping
	// VUStateStopped indicates the VU has exited.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Recorder receives the outcome of every request a VU attempts.
type Recorder interface {
	Record(o metrics.Outcome)
}

// Target is the endpoint every VU sends its payloads to.
type Target struct {
	Method string
	URL    string
	Path   string // path used when keying metrics
}

// NewTarget joins host and path into a PUT target.
func NewTarget(host, path string) (Target, error) {
	u, err := url.Parse(strings.TrimSpace(host))
	if err != nil {
		return Target{}, fmt.Errorf("invalid host %q: %w", host, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, fmt.Errorf("invalid host %q: scheme must be http or https", host)
	}
	if u.Host == "" {
		return Target{}, fmt.Errorf("invalid host %q: missing host name", host)
	}

	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	if u.Path == "" {
		u.Path = "/"
	}

	return Target{Method: http.MethodPut, URL: u.String(), Path: u.Path}, nil
}

// VirtualUser is one independent request loop.
//
// A VU owns its payload selector and sends one request at a time. Stopping is
// cooperative: RequestStop is observed between requests, so an in-flight
// request always completes and is recorded. Only cancellation of the context
// passed to Run aborts a request mid-flight.
type VirtualUser struct {
	// Unique identifier for this VU
	ID int

	Target Target

	// HTTP client for this VU (may be shared or per-VU)
	HTTPClient *http.Client

	selector corpus.Selector

	// passes over the corpus before exiting on its own; 0 runs until stopped
	iterations  int
	corpusLen   int
	maxAttempts int64

	state  atomic.Int32
	stopCh chan struct{}
	doneCh chan struct{}

	attempts atomic.Int64
}

// NewVirtualUser creates a VU that draws payloads from selector.
func NewVirtualUser(id int, target Target, client *http.Client, selector corpus.Selector, corpusLen, iterations int) *VirtualUser {
	vu := &VirtualUser{
		ID:         id,
		Target:     target,
		HTTPClient: client,
		selector:   selector,
		iterations: iterations,
		corpusLen:  corpusLen,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	if iterations > 0 {
		vu.maxAttempts = int64(iterations) * int64(corpusLen)
	}
	return vu
}

// State returns the current VU state.
func (vu *VirtualUser) State() VUState {
	return VUState(vu.state.Load())
}

// Attempts returns the number of outcomes this VU has recorded.
func (vu *VirtualUser) Attempts() int64 {
	return vu.attempts.Load()
}

// Iteration returns the number of completed passes over the corpus.
func (vu *VirtualUser) Iteration() int64 {
	if vu.corpusLen == 0 {
		return 0
	}
	return vu.attempts.Load() / int64(vu.corpusLen)
}

// Run sends requests until the VU is stopped, its iterations are exhausted
// or ctx is cancelled. Every attempted request is handed to rec exactly once.
func (vu *VirtualUser) Run(ctx context.Context, rec Recorder) {
	defer vu.markStopped()

	if !vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning)) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-vu.stopCh:
			return
		default:
		}

		if vu.maxAttempts > 0 && vu.attempts.Load() >= vu.maxAttempts {
			return
		}

		outcome := vu.execute(ctx, vu.selector.Next())
		vu.attempts.Add(1)
		rec.Record(outcome)
	}
}

// execute sends one payload and builds its outcome. It never fails: every
// problem is reported through the outcome's ErrorKind.
func (vu *VirtualUser) execute(ctx context.Context, p corpus.Payload) metrics.Outcome {
	o := metrics.Outcome{
		VUID:         vu.ID,
		PayloadIndex: p.Index,
		Method:       vu.Target.Method,
		Path:         vu.Target.Path,
		Timestamp:    time.Now(),
	}

	req, err := http.NewRequestWithContext(ctx, vu.Target.Method, vu.Target.URL, bytes.NewReader(p.Body))
	if err != nil {
		o.ErrorKind = metrics.ErrorKindTransport
		o.Err = fmt.Errorf("failed to build request: %w", err)
		return o
	}
	req.Header.Set("Content-Type", "application/json")

	o.BytesSent = int64(len(p.Body))

	start := time.Now()
	resp, err := vu.HTTPClient.Do(req)
	if err != nil {
		o.Latency = time.Since(start)
		o.ErrorKind = classifyError(ctx, err)
		o.Err = err
		return o
	}
	defer resp.Body.Close()

	o.StatusCode = resp.StatusCode

	n, err := io.Copy(io.Discard, resp.Body)
	o.Latency = time.Since(start)
	o.BytesReceived = n
	if err != nil {
		if ctx.Err() != nil {
			o.ErrorKind = metrics.ErrorKindCancelled
		} else {
			o.ErrorKind = metrics.ErrorKindMalformedResponse
		}
		o.Err = fmt.Errorf("failed to read response body: %w", err)
	}

	return o
}

// classifyError maps a client error onto an ErrorKind.
func classifyError(ctx context.Context, err error) metrics.ErrorKind {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return metrics.ErrorKindCancelled
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return metrics.ErrorKindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return metrics.ErrorKindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return metrics.ErrorKindConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return metrics.ErrorKindConnectionReset
	default:
		return metrics.ErrorKindTransport
	}
}

// RequestStop asks the VU to exit before its next request.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// Done is closed once the VU has exited.
func (vu *VirtualUser) Done() <-chan struct{} {
	return vu.doneCh
}

// WaitForStop waits for the VU to exit. It reports whether the VU stopped
// within timeout.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-vu.doneCh:
		return true
	case <-timer.C:
		return false
	}
}

func (vu *VirtualUser) markStopped() {
	prev := VUState(vu.state.Swap(int32(VUStateStopped)))
	if prev == VUStateStopped {
		return
	}
	close(vu.doneCh)
}
