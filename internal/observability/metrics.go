package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relaylink"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"component", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "path", "status"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connect_attempts_total",
			Help:      "Relay connect attempts by outcome.",
		},
		[]string{"outcome"},
	)
	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "state_transitions_total",
			Help:      "Link state machine transitions.",
		},
		[]string{"from", "to"},
	)
	linkState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "state",
			Help:      "Current link state, 1 for the active state.",
		},
		[]string{"state"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "messages_total",
			Help:      "Messages handled by kind and result.",
		},
		[]string{"kind", "result"},
	)
	messageBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "message_bytes_total",
			Help:      "Wire bytes of handled messages by kind and result.",
		},
		[]string{"kind", "result"},
	)
	aborts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "aborts_total",
			Help:      "Connections torn down by failure kind.",
		},
		[]string{"kind"},
	)
	relaySessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "sessions_total",
			Help:      "Relay sessions by handshake result.",
		},
		[]string{"result"},
	)
	relaySessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "session_duration_seconds",
			Help:      "Relay session lifetime in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connectAttempts, transitions, linkState, messages, messageBytes, aborts,
			relaySessions, relaySessionDuration,
		)
	})
}

func RecordHTTPRequest(component, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnectAttempt(outcome string) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(outcome).Inc()
}

// RecordTransition counts a state change and moves the state gauge.
func RecordTransition(from, to string) {
	RegisterMetrics()
	transitions.WithLabelValues(from, to).Inc()
	linkState.WithLabelValues(from).Set(0)
	linkState.WithLabelValues(to).Set(1)
}

func RecordMessage(kind, result string, bytes int) {
	RegisterMetrics()
	messages.WithLabelValues(kind, result).Inc()
	messageBytes.WithLabelValues(kind, result).Add(float64(bytes))
}

func RecordAbort(kind string) {
	RegisterMetrics()
	aborts.WithLabelValues(kind).Inc()
}

func RecordRelaySession(result string, duration time.Duration) {
	RegisterMetrics()
	relaySessions.WithLabelValues(result).Inc()
	relaySessionDuration.WithLabelValues(result).Observe(duration.Seconds())
}
