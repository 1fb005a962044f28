package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamlink",
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "Connection state machine transitions.",
		},
		[]string{"from", "to"},
	)
	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamlink",
			Subsystem: "probe",
			Name:      "attempts_total",
			Help:      "Endpoint liveness checks by outcome.",
		},
		[]string{"outcome"},
	)
	dispatchReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "streamlink",
			Subsystem: "dispatch",
			Name:      "released_total",
			Help:      "Messages handed to the application in arrival order.",
		},
	)
	dispatchPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "streamlink",
			Subsystem: "dispatch",
			Name:      "pending",
			Help:      "Resolved messages held back behind an earlier unresolved one.",
		},
	)
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamlink",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Referenced payload lookups by result.",
		},
		[]string{"result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streamlink",
			Subsystem: "server",
			Name:      "http_requests_total",
			Help:      "HTTP requests served by the stream server.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "streamlink",
			Subsystem: "server",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency on the stream server.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "streamlink",
			Subsystem: "server",
			Name:      "stream_subscribers",
			Help:      "Websocket clients currently attached to the stream.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionTransitions,
			probeAttempts,
			dispatchReleased,
			dispatchPending,
			cacheLookups,
			httpRequests,
			httpDuration,
			streamSubscribers,
		)
	})
}

func RecordTransition(from, to string) {
	RegisterMetrics()
	connectionTransitions.WithLabelValues(from, to).Inc()
}

func RecordProbeAttempt(outcome string) {
	RegisterMetrics()
	probeAttempts.WithLabelValues(outcome).Inc()
}

func RecordDispatch(released int, pending int) {
	RegisterMetrics()
	dispatchReleased.Add(float64(released))
	dispatchPending.Set(float64(pending))
}

// RecordCacheLookup result is one of "hit", "fetched" or "failed".
func RecordCacheLookup(result string) {
	RegisterMetrics()
	cacheLookups.WithLabelValues(result).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSubscribers(n int) {
	RegisterMetrics()
	streamSubscribers.Set(float64(n))
}
