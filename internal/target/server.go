// Package target is a local stand-in for the row ingestion service that
// putload drives. It accepts inserts without storing them.
package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	// DefaultAddr is where serve listens by default.
	DefaultAddr = ":8080"

	// maxBodyBytes bounds a single insert request.
	maxBodyBytes = 16 << 20

	shutdownTimeout = 10 * time.Second
)

// Config controls the simulated service.
type Config struct {
	Addr string

	// Latency is added to every insert before it is answered
	Latency time.Duration

	// ErrorRate is the fraction of inserts answered with 500 (0.0 to 1.0)
	ErrorRate float64

	// Seed for error injection; 0 uses the current time
	Seed int64
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Latency < 0 {
		return fmt.Errorf("latency cannot be negative")
	}
	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		return fmt.Errorf("error rate must be between 0 and 1, got %g", c.ErrorRate)
	}
	return nil
}

// InsertError describes one rejected row.
type InsertError struct {
	RowIndex int    `json:"row_index"`
	Input    string `json:"input"`
	Error    string `json:"error"`
}

// InsertResponse is the body of a successful insert.
type InsertResponse struct {
	Attempted int           `json:"inserts_attempted"`
	Succeeded int           `json:"inserts_succeeded"`
	Errors    int           `json:"insert_errors"`
	ErrorRows []InsertError `json:"error_rows"`
}

// Stats counts what the service has seen.
type Stats struct {
	Requests int64 `json:"requests"`
	Rows     int64 `json:"rows"`
	Rejected int64 `json:"rejected"`
	Injected int64 `json:"injected"`
}

// Handler serves the ingestion endpoints.
type Handler struct {
	config Config
	logger *zap.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	requests atomic.Int64
	rows     atomic.Int64
	rejected atomic.Int64
	injected atomic.Int64
}

// NewHandler creates a handler.
func NewHandler(config Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Handler{
		config: config,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// RegisterRoutes registers the ingestion routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/snowpipe", func(r chi.Router) {
		r.Get("/hello", h.Hello)
		r.Put("/insert", h.Insert)
		r.Get("/stats", h.GetStats)
	})
}

// Router returns a router with every route and the recovery middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h.RegisterRoutes(r)
	return r
}

// Hello answers the liveness probe.
func (h *Handler) Hello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Hello, there.")
}

// Insert accepts a JSON array of row objects.
func (h *Handler) Insert(w http.ResponseWriter, r *http.Request) {
	h.requests.Add(1)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.rejected.Add(1)
		http.Error(w, "Unable to read body.", http.StatusBadRequest)
		return
	}

	if h.config.Latency > 0 {
		select {
		case <-time.After(h.config.Latency):
		case <-r.Context().Done():
			return
		}
	}

	rows, ok := parseRows(body)
	if !ok {
		h.rejected.Add(1)
		h.logger.Debug("rejected insert", zap.Int("bytes", len(body)))
		http.Error(w, "Unable to parse body as list of JSON strings.", http.StatusBadRequest)
		return
	}

	if h.injectFailure() {
		h.injected.Add(1)
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}

	h.rows.Add(int64(rows))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(InsertResponse{
		Attempted: rows,
		Succeeded: rows,
		ErrorRows: []InsertError{},
	})
}

// GetStats reports the counters as JSON.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.Stats())
}

// Stats returns the current counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Requests: h.requests.Load(),
		Rows:     h.rows.Load(),
		Rejected: h.rejected.Load(),
		Injected: h.injected.Load(),
	}
}

func (h *Handler) injectFailure() bool {
	if h.config.ErrorRate <= 0 {
		return false
	}
	h.rngMu.Lock()
	defer h.rngMu.Unlock()
	return h.rng.Float64() < h.config.ErrorRate
}

// parseRows reports the number of rows in body, which must be a JSON array
// whose elements are all objects.
func parseRows(body []byte) (int, bool) {
	if !gjson.ValidBytes(body) {
		return 0, false
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return 0, false
	}

	n := 0
	valid := true
	doc.ForEach(func(_, row gjson.Result) bool {
		if !row.IsObject() {
			valid = false
			return false
		}
		n++
		return true
	})
	return n, valid
}

// Serve runs the service on ln until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, h *Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := &http.Server{
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("target listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down target")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	stats := h.Stats()
	logger.Info("target stopped",
		zap.Int64("requests", stats.Requests),
		zap.Int64("rows", stats.Rows),
		zap.Int64("rejected", stats.Rejected),
		zap.Int64("injected", stats.Injected),
	)
	return nil
}
