package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrrtps"

var (
	Registry = prometheus.NewRegistry()

	// ---- Protocol ----
	SubmessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submessages_sent_total",
			Help:      "Submessages handed to the transport, by kind.",
		},
		[]string{"kind"},
	)

	SubmessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submessages_received_total",
			Help:      "Submessages dispatched to an endpoint, by kind.",
		},
		[]string{"kind"},
	)

	ProtocolViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Malformed submessages dropped, by kind.",
		},
		[]string{"kind"},
	)

	UnknownPeerDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_peer_drops_total",
			Help:      "Submessages dropped because they reference an unmatched guid.",
		},
		[]string{"kind"},
	)

	ChangesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_written_total",
			Help:      "Changes added to writer caches.",
		},
	)

	Retransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Changes resent in answer to an AckNack.",
		},
	)

	GapsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gap_sequence_numbers_total",
			Help:      "Requested sequence numbers answered with a Gap.",
		},
	)

	Evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Changes dropped by KeepLast histories.",
		},
		[]string{"role"},
	)

	WriteTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_timeouts_total",
			Help:      "Writes rejected after blocking on a full KeepAll history.",
		},
	)

	SamplesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_delivered_total",
			Help:      "Sample notifications emitted by readers.",
		},
	)

	MatchedProxies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matched_proxies",
			Help:      "Current number of matched remote endpoints.",
		},
		[]string{"role"},
	)

	// ---- HTTP ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		SubmessagesSent, SubmessagesReceived, ProtocolViolations, UnknownPeerDrops,
		ChangesWritten, Retransmissions, GapsSent, Evictions, WriteTimeouts,
		SamplesDelivered, MatchedProxies,
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(p.Info)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
