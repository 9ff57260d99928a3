package metrics

import (
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every collector exported at /metrics.
var Registry = prometheus.NewRegistry()

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Sessions
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "ws_sessions_active", Help: "Authenticated websocket sessions."},
	)
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_auth_failures_total", Help: "Rejected websocket handshakes."},
		[]string{"reason"}, // missing | invalid
	)
	FramesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_frames_in_total", Help: "Inbound frames by type."},
		[]string{"type"}, // chat | ping | invalid | rate_limited
	)
	FramesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ws_frames_out_total", Help: "Outbound frames queued by type."},
		[]string{"type"},
	)

	// Delivery
	SubmitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_submit_total", Help: "Submit outcomes."},
		[]string{"result"}, // delivered | pending | invalid | unknown_user | error
	)
	PushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delivery_push_total", Help: "Push attempts."},
		[]string{"kind", "result"}, // kind: chat | echo | status ; result: ok | miss
	)
	FlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "delivery_flushed_total", Help: "Pending messages delivered by flush."},
	)
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "delivery_flush_duration_seconds",
			Help:    "FlushPending latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms..~4s
		},
	)

	// Sweeper
	SweepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sweeper_runs_total", Help: "Sweeper passes."},
		[]string{"result"}, // ok | empty | error
	)
)

var registerOnce sync.Once

// MustRegister installs the default and application collectors. Safe to call
// more than once.
func MustRegister() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration,
			ActiveSessions, AuthFailures, FramesIn, FramesOut,
			SubmitTotal, PushTotal, FlushedTotal, FlushDuration,
			SweepTotal,
		)
	})
}

// RegisterPool exports pgxpool statistics, read at scrape time.
func RegisterPool(pool *pgxpool.Pool) {
	Registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}, func() float64 { return float64(pool.Stat().TotalConns()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}, func() float64 { return float64(pool.Stat().IdleConns()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}, func() float64 { return float64(pool.Stat().AcquireCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}, func() float64 { return pool.Stat().AcquireDuration().Seconds() }),
	)
}
