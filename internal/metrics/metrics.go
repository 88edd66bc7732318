// Package metrics exposes chatd's Prometheus instruments.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes recorded by StreamFinished.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

// Collector groups the instruments registered for one server.
type Collector struct {
	gatherer prometheus.Gatherer

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	streamsActive   prometheus.Gauge
	streamsTotal    *prometheus.CounterVec
	streamDuration  prometheus.Histogram
	fragments       prometheus.Counter
	firstFragment   prometheus.Histogram
	rateLimitHits   prometheus.Counter
	persistFailures prometheus.Counter
}

// NewCollector registers the instruments on a fresh registry that also
// carries the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return newCollector(reg, reg)
}

func newCollector(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		gatherer: gatherer,
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		streamsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "chat_streams_active",
			Help: "Reply streams currently open",
		}),
		streamsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_streams_total",
			Help: "Reply streams by outcome",
		}, []string{"outcome"}),
		streamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_stream_duration_seconds",
			Help:    "Time from stream open to terminal event",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		fragments: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_stream_fragments_total",
			Help: "Reply fragments relayed to clients",
		}),
		firstFragment: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_stream_first_fragment_seconds",
			Help:    "Latency until the first reply fragment",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		}),
		rateLimitHits: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chat_reply_persist_failures_total",
			Help: "Fully streamed replies that could not be stored",
		}),
	}
}

// ObserveRequest records one HTTP request against its route pattern.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// StreamStarted marks a reply stream as open.
func (c *Collector) StreamStarted() {
	if c == nil {
		return
	}
	c.streamsActive.Inc()
}

// StreamFinished closes a stream opened with StreamStarted.
func (c *Collector) StreamFinished(outcome string, fragments int, d time.Duration) {
	if c == nil {
		return
	}
	c.streamsActive.Dec()
	c.streamsTotal.WithLabelValues(outcome).Inc()
	c.streamDuration.Observe(d.Seconds())
	c.fragments.Add(float64(fragments))
}

// FirstFragment records time to the first relayed fragment.
func (c *Collector) FirstFragment(d time.Duration) {
	if c == nil {
		return
	}
	c.firstFragment.Observe(d.Seconds())
}

// RateLimited counts a rejected request.
func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimitHits.Inc()
}

// PersistFailed counts a streamed reply lost before storage.
func (c *Collector) PersistFailed() {
	if c == nil {
		return
	}
	c.persistFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
