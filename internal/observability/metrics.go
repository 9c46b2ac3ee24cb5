package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "proctoring"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	eventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Proctoring events appended, including perception findings.",
		},
		[]string{"source", "origin"},
	)
	violationPoints = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "violation_points_total",
			Help:      "Severity points added to session violation scores.",
		},
	)
	autoSubmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "auto_submits_total",
			Help:      "Sessions terminated by the violation threshold.",
		},
	)
	perceptionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "perception",
			Name:      "failures_total",
			Help:      "Perception calls that produced no findings because of an error.",
		},
		[]string{"kind"},
	)
	pairingClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "claims_total",
			Help:      "Pairing token claims by result.",
		},
		[]string{"result"},
	)
	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Signaling messages received by type.",
		},
		[]string{"type"},
	)
	relayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Live signaling connections on this instance.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			eventsIngested, violationPoints, autoSubmits,
			perceptionFailures, pairingClaims,
			relayMessages, relayConnections,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordEvent counts an appended event; origin is "client" or "perception".
func RecordEvent(source, origin string) {
	eventsIngested.WithLabelValues(source, origin).Inc()
}

func RecordViolationPoints(points int) {
	violationPoints.Add(float64(points))
}

func RecordAutoSubmit() {
	autoSubmits.Inc()
}

func RecordPerceptionFailure(kind string) {
	perceptionFailures.WithLabelValues(kind).Inc()
}

func RecordPairingClaim(ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	pairingClaims.WithLabelValues(result).Inc()
}

func RecordRelayMessage(msgType string) {
	relayMessages.WithLabelValues(msgType).Inc()
}

func RelayConnectionOpened() {
	relayConnections.Inc()
}

func RelayConnectionClosed() {
	relayConnections.Dec()
}
