package mint

import (
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/elnosh/provablegbp/pgbp"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	requestsCreated prometheus.Counter
	transitions     *prometheus.CounterVec
	// float approximation of the settled amount in whole tokens
	mintedTokens    prometheus.Counter
	requestedTokens prometheus.Counter
	paused          prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgbp",
			Subsystem: "mint",
			Name:      "requests_created_total",
			Help:      "Number of mint requests created.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgbp",
			Subsystem: "mint",
			Name:      "request_transitions_total",
			Help:      "Number of mint request transitions by resulting status.",
		}, []string{"status"}),
		mintedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgbp",
			Subsystem: "mint",
			Name:      "minted_tokens_total",
			Help:      "Tokens minted through settled requests.",
		}),
		requestedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgbp",
			Subsystem: "mint",
			Name:      "requested_tokens_total",
			Help:      "Tokens requested through mint requests.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgbp",
			Subsystem: "mint",
			Name:      "paused",
			Help:      "1 if the mint is paused.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgbp",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgbp",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.requestsCreated,
		m.transitions,
		m.mintedTokens,
		m.requestedTokens,
		m.paused,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
	)
	return m
}

func tokens(amount *uint256.Int) float64 {
	f, _ := new(big.Float).SetInt(amount.ToBig()).Float64()
	return f / math.Pow10(pgbp.TokenDecimals)
}

func (m *metrics) requestCreated(amount *uint256.Int) {
	m.requestsCreated.Inc()
	m.requestedTokens.Add(tokens(amount))
}

func (m *metrics) transition(status pgbp.Status) {
	m.transitions.WithLabelValues(status.String()).Inc()
}

func (m *metrics) requestSettled(minted *uint256.Int) {
	m.transitions.WithLabelValues(pgbp.Settled.String()).Inc()
	m.mintedTokens.Add(tokens(minted))
}

func (m *metrics) setPaused(paused bool) {
	if paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}

func (m *metrics) observeHTTP(route string, code int, started time.Time) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
