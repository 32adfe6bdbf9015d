package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inbound events by outcome: accepted, mismatch, invalid, ignored, duplicate.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyrelay_events_total",
			Help: "Completion events received by outcome",
		},
		[]string{"outcome"},
	)

	ProgressReceived = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "surveyrelay_progress_received",
			Help: "Completion events counted toward the active session",
		},
	)

	ProgressExpected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "surveyrelay_progress_expected",
			Help: "Participants invited to the active session",
		},
	)

	SessionsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surveyrelay_sessions_completed_total",
			Help: "Sessions that reached their expected count",
		},
	)

	PersistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyrelay_persistence_failures_total",
			Help: "Failed store operations by key",
		},
		[]string{"key"},
	)

	CASConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surveyrelay_progress_cas_conflicts_total",
			Help: "Progress writes retried because the stored value changed",
		},
	)

	AuthRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyrelay_auth_requests_total",
			Help: "Channel authorization attempts by result",
		},
		[]string{"result"},
	)

	AuthDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "surveyrelay_auth_duration_seconds",
			Help:    "Channel authorization round-trip time",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "surveyrelay_connection_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 errored)",
		},
	)

	TransportFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surveyrelay_transport_frames_total",
			Help: "Frames exchanged with the channel service by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(EventsTotal)
	prometheus.MustRegister(ProgressReceived)
	prometheus.MustRegister(ProgressExpected)
	prometheus.MustRegister(SessionsCompleted)
	prometheus.MustRegister(PersistenceFailures)
	prometheus.MustRegister(CASConflicts)
	prometheus.MustRegister(AuthRequests)
	prometheus.MustRegister(AuthDuration)
	prometheus.MustRegister(ConnectionState)
	prometheus.MustRegister(TransportFrames)
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation and records it on a histogram.
type Timer struct {
	timer *prometheus.Timer
}

// NewTimer starts timing against the given histogram.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{timer: prometheus.NewTimer(observer)}
}

// ObserveDuration records the elapsed time.
func (t *Timer) ObserveDuration() {
	t.timer.ObserveDuration()
}
