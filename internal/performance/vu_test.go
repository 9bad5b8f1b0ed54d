package performance_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesleyorama2/putload/internal/performance"
	"github.com/wesleyorama2/putload/internal/performance/corpus"
	"github.com/wesleyorama2/putload/internal/performance/metrics"
)

// collector is a Recorder that keeps every outcome.
type collector struct {
	mu       sync.Mutex
	outcomes []metrics.Outcome
}

func (c *collector) Record(o metrics.Outcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, o)
	c.mu.Unlock()
}

func (c *collector) all() []metrics.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]metrics.Outcome, len(c.outcomes))
	copy(out, c.outcomes)
	return out
}

func testCorpus() *corpus.Corpus {
	return corpus.New(
		[]byte(`[{"a":1,"b":"one"}]`),
		[]byte(`[{"a":2,"b":"two"}]`),
		[]byte(`[{"a":3,"b":"three"}]`),
	)
}

func createTestVU(t *testing.T, serverURL string, c *corpus.Corpus, iterations int) *performance.VirtualUser {
	t.Helper()
	target, err := performance.NewTarget(serverURL, "/snowpipe/insert")
	if err != nil {
		t.Fatalf("NewTarget() error = %v", err)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	selector := corpus.NewSelector(corpus.PolicySequential, c, 0, 1)
	return performance.NewVirtualUser(1, target, client, selector, c.Len(), iterations)
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state performance.VUState
		want  string
	}{
		{performance.VUStateIdle, "idle"},
		{performance.VUStateRunning, "running"},
		{performance.VUStateStopping, "stopping"},
		{performance.VUStateStopped, "stopped"},
		{performance.VUState(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("VUState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewTarget(t *testing.T) {
	tests := []struct {
		host, path string
		wantURL    string
		wantPath   string
		wantErr    bool
	}{
		{"http://localhost:8080", "/snowpipe/insert", "http://localhost:8080/snowpipe/insert", "/snowpipe/insert", false},
		{"http://localhost:8080/", "snowpipe/insert", "http://localhost:8080/snowpipe/insert", "/snowpipe/insert", false},
		{"https://ingest.example.com/api", "/insert", "https://ingest.example.com/api/insert", "/api/insert", false},
		{"http://localhost:8080", "", "http://localhost:8080/", "/", false},
		{"localhost:8080", "/x", "", "", true},
		{"ftp://example.com", "/x", "", "", true},
		{"http://", "/x", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.host+tt.path, func(t *testing.T) {
			got, err := performance.NewTarget(tt.host, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", got.URL, tt.wantURL)
			}
			if got.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", got.Path, tt.wantPath)
			}
			if got.Method != http.MethodPut {
				t.Errorf("Method = %q, want PUT", got.Method)
			}
		})
	}
}

func TestVirtualUser_SendsCorpusInOrder(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if r.URL.Path != "/snowpipe/insert" {
			t.Errorf("path = %q, want /snowpipe/insert", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	c := testCorpus()
	vu := createTestVU(t, server.URL, c, 2)
	rec := &collector{}

	vu.Run(context.Background(), rec)

	if vu.State() != performance.VUStateStopped {
		t.Errorf("state = %v, want stopped", vu.State())
	}
	if vu.Attempts() != 6 {
		t.Fatalf("Attempts() = %d, want 6", vu.Attempts())
	}
	if vu.Iteration() != 2 {
		t.Errorf("Iteration() = %d, want 2", vu.Iteration())
	}

	outcomes := rec.all()
	if len(outcomes) != 6 {
		t.Fatalf("recorded %d outcomes, want 6", len(outcomes))
	}
	for i, o := range outcomes {
		if o.PayloadIndex != i%3 {
			t.Errorf("outcome %d PayloadIndex = %d, want %d", i, o.PayloadIndex, i%3)
		}
		if !o.Success() {
			t.Errorf("outcome %d not successful: %+v", i, o)
		}
		if o.BytesReceived != 2 {
			t.Errorf("outcome %d BytesReceived = %d, want 2", i, o.BytesReceived)
		}
		if o.BytesSent != int64(len(c.At(i%3).Body)) {
			t.Errorf("outcome %d BytesSent = %d", i, o.BytesSent)
		}
		if o.Path != "/snowpipe/insert" || o.Method != "PUT" {
			t.Errorf("outcome %d key = %s %s", i, o.Method, o.Path)
		}
		if bodies[i] != string(c.At(i%3).Body) {
			t.Errorf("body %d = %q, want %q", i, bodies[i], c.At(i%3).Body)
		}
	}
}

func TestVirtualUser_Non2xxIsRecordedFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	vu := createTestVU(t, server.URL, testCorpus(), 1)
	rec := &collector{}
	vu.Run(context.Background(), rec)

	for _, o := range rec.all() {
		if o.StatusCode != http.StatusBadRequest {
			t.Errorf("StatusCode = %d, want 400", o.StatusCode)
		}
		if o.Success() {
			t.Error("400 counted as success")
		}
		if o.ErrorKind != metrics.ErrorKindNone {
			t.Errorf("ErrorKind = %q, want none", o.ErrorKind)
		}
	}
}

func TestVirtualUser_ConnectionRefused(t *testing.T) {
	// Reserve a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	vu := createTestVU(t, "http://"+addr, testCorpus(), 1)
	rec := &collector{}
	vu.Run(context.Background(), rec)

	outcomes := rec.all()
	if len(outcomes) != 3 {
		t.Fatalf("recorded %d outcomes, want 3", len(outcomes))
	}
	for _, o := range outcomes {
		if o.ErrorKind != metrics.ErrorKindConnectionRefused {
			t.Errorf("ErrorKind = %q, want connection_refused (err: %v)", o.ErrorKind, o.Err)
		}
		if o.Err == nil {
			t.Error("Err is nil")
		}
		if o.Class() != metrics.StatusClassError {
			t.Errorf("Class() = %q, want error", o.Class())
		}
	}
}

func TestVirtualUser_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := corpus.New([]byte(`{}`))
	target, _ := performance.NewTarget(server.URL, "/")
	client := &http.Client{Timeout: 20 * time.Millisecond}
	vu := performance.NewVirtualUser(1, target, client, corpus.NewSelector(corpus.PolicySequential, c, 0, 1), c.Len(), 1)

	rec := &collector{}
	vu.Run(context.Background(), rec)

	outcomes := rec.all()
	if len(outcomes) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].ErrorKind != metrics.ErrorKindTimeout {
		t.Errorf("ErrorKind = %q, want timeout (err: %v)", outcomes[0].ErrorKind, outcomes[0].Err)
	}
}

func TestVirtualUser_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Promise more body than is sent, then drop the connection.
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
		hj, ok := w.(http.Hijacker)
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer server.Close()

	c := corpus.New([]byte(`{}`))
	vu := createTestVU(t, server.URL, c, 1)
	rec := &collector{}
	vu.Run(context.Background(), rec)

	outcomes := rec.all()
	if len(outcomes) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].ErrorKind != metrics.ErrorKindMalformedResponse {
		t.Errorf("ErrorKind = %q, want malformed_response (err: %v)", outcomes[0].ErrorKind, outcomes[0].Err)
	}
	if outcomes[0].StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", outcomes[0].StatusCode)
	}
}

func TestVirtualUser_StopFinishesInFlightRequest(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var served atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	vu := createTestVU(t, server.URL, testCorpus(), 0)
	rec := &collector{}

	go vu.Run(context.Background(), rec)

	<-started
	vu.RequestStop()
	if vu.State() != performance.VUStateStopping {
		t.Errorf("state after RequestStop = %v, want stopping", vu.State())
	}
	close(release)

	if !vu.WaitForStop(2 * time.Second) {
		t.Fatal("VU did not stop")
	}

	outcomes := rec.all()
	if len(outcomes) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(outcomes))
	}
	if !outcomes[0].Success() {
		t.Errorf("in-flight request was not completed: %+v", outcomes[0])
	}
	if int64(served.Load()) != vu.Attempts() {
		t.Errorf("served %d, attempts %d", served.Load(), vu.Attempts())
	}
}

func TestVirtualUser_AbortCancelsInFlightRequest(t *testing.T) {
	started := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	defer server.Close()

	vu := createTestVU(t, server.URL, testCorpus(), 0)
	rec := &collector{}
	ctx, cancel := context.WithCancel(context.Background())

	go vu.Run(ctx, rec)
	<-started
	cancel()

	if !vu.WaitForStop(2 * time.Second) {
		t.Fatal("VU did not stop after abort")
	}

	outcomes := rec.all()
	if len(outcomes) != 1 {
		t.Fatalf("recorded %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].ErrorKind != metrics.ErrorKindCancelled {
		t.Errorf("ErrorKind = %q, want cancelled", outcomes[0].ErrorKind)
	}
}

func TestVirtualUser_StopBeforeRun(t *testing.T) {
	var served atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
	}))
	defer server.Close()

	vu := createTestVU(t, server.URL, testCorpus(), 0)
	vu.RequestStop()
	vu.RequestStop()

	rec := &collector{}
	vu.Run(context.Background(), rec)

	if served.Load() != 0 || len(rec.all()) != 0 {
		t.Errorf("stopped VU sent %d requests", served.Load())
	}
	if vu.State() != performance.VUStateStopped {
		t.Errorf("state = %v, want stopped", vu.State())
	}
	select {
	case <-vu.Done():
	default:
		t.Error("Done() not closed")
	}
}

func TestVirtualUser_WaitForStop_Timeout(t *testing.T) {
	vu := createTestVU(t, "http://127.0.0.1:1", testCorpus(), 0)
	if vu.WaitForStop(10 * time.Millisecond) {
		t.Error("WaitForStop() = true for a VU that never ran")
	}
}
