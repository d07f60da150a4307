package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Status HTTP server ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrchat",
			Name:      "http_requests_total",
			Help:      "Total number of status HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "zephyrchat",
			Name:      "http_request_duration_seconds",
			Help:      "Latency of status HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrchat",
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight status HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Directory ----
	DirectoryMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zephyrchat",
			Subsystem: "directory",
			Name:      "members",
			Help:      "Number of registered nodes.",
		},
	)

	DirectoryRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrchat",
			Subsystem: "directory",
			Name:      "requests_total",
			Help:      "Directory requests by operation and result code.",
		},
		[]string{"op", "result"},
	)

	DirectoryEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zephyrchat",
			Subsystem: "directory",
			Name:      "evictions_total",
			Help:      "Records removed by the health sweep.",
		},
	)

	// ---- Topology ----
	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrchat",
			Subsystem: "topology",
			Name:      "state_transitions_total",
			Help:      "Attachment state transitions.",
		},
		[]string{"from", "to"},
	)

	ParentLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrchat",
			Subsystem: "topology",
			Name:      "parent_lost_total",
			Help:      "Parent losses by detector (signal or liveness).",
		},
		[]string{"source"},
	)

	ConnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrchat",
			Subsystem: "topology",
			Name:      "connect_attempts_total",
			Help:      "Connect attempts to ranked candidates by outcome.",
		},
		[]string{"result"},
	)

	Children = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "zephyrchat",
			Subsystem: "topology",
			Name:      "children",
			Help:      "Current number of dependent children.",
		},
	)

	// ---- Probing ----
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrchat",
			Subsystem: "probe",
			Name:      "total",
			Help:      "Latency probes by outcome.",
		},
		[]string{"outcome"},
	)

	ProbeRTT = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "zephyrchat",
			Subsystem: "probe",
			Name:      "rtt_seconds",
			Help:      "Round-trip time of successful probes.",
			// 0.5ms .. ~2s
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 13),
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrchat",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrchat",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		DirectoryMembers, DirectoryRequests, DirectoryEvictions,
		StateTransitions, ParentLost, ConnectAttempts, Children,
		ProbesTotal, ProbeRTT,
		buildInfo, uptime,
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

// ObserveProbe records one probe outcome.
func ObserveProbe(ok bool, rtt time.Duration) {
	if !ok {
		ProbesTotal.WithLabelValues("unreachable").Inc()
		return
	}
	ProbesTotal.WithLabelValues("reachable").Inc()
	ProbeRTT.Observe(rtt.Seconds())
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
//	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
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
