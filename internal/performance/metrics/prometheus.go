package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter mirrors recorded outcomes into Prometheus collectors
// on a private registry.
type PrometheusExporter struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	sent     prometheus.Counter
	received prometheus.Counter
	registry *prometheus.Registry
}

// NewPrometheusExporter creates an exporter and registers it as an observer
// of agg. The active VU gauge reads agg directly.
func NewPrometheusExporter(agg *Aggregator) *PrometheusExporter {
	registry := prometheus.NewRegistry()

	e := &PrometheusExporter{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "putload_requests_total",
				Help: "Total number of requests sent, by status class",
			},
			[]string{"method", "path", "status_class"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "putload_request_errors_total",
				Help: "Requests that produced no usable response, by error kind",
			},
			[]string{"kind"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "putload_request_duration_seconds",
				Help:    "Request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "putload_bytes_sent_total",
			Help: "Request body bytes sent",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "putload_bytes_received_total",
			Help: "Response body bytes received",
		}),
		registry: registry,
	}

	activeVUs := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "putload_active_vus",
			Help: "Number of running virtual users",
		},
		func() float64 { return float64(agg.ActiveVUs()) },
	)

	registry.MustRegister(e.requests, e.errors, e.latency, e.sent, e.received, activeVUs)
	agg.AddObserver(e)

	return e
}

// Observe implements Observer.
func (e *PrometheusExporter) Observe(o Outcome) {
	e.requests.WithLabelValues(o.Method, o.Path, string(o.Class())).Inc()
	if o.ErrorKind != ErrorKindNone {
		e.errors.WithLabelValues(string(o.ErrorKind)).Inc()
	}
	e.latency.WithLabelValues(o.Method, o.Path).Observe(o.Latency.Seconds())
	e.sent.Add(float64(o.BytesSent))
	e.received.Add(float64(o.BytesReceived))
}

// Handler returns the scrape handler for the exporter's registry.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	return e.registry
}
