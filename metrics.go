package corppass

import "github.com/prometheus/client_golang/prometheus"

// MetricsRecorder is the port interface for recording metrics.
// Implementations are adapters (PrometheusMetricsRecorder for production,
// NoopMetricsRecorder for disabled/testing).
type MetricsRecorder interface {
	// RecordAuthAttempt records an artifact authentication attempt.
	RecordAuthAttempt(success bool)

	// RecordArtifactRetry records a retried artifact resolution.
	RecordArtifactRetry()

	// RecordForcedLogout records a session timeout, labelled by the
	// policy that triggered it.
	RecordForcedLogout(policy string)
}

// Timeout policy labels for RecordForcedLogout.
const (
	PolicyInactivity = "inactivity"
	PolicyLifetime   = "lifetime"
)

// NoopMetricsRecorder is a no-op implementation for when metrics are disabled.
// All methods are safe to call and do nothing.
type NoopMetricsRecorder struct{}

// NewNoopMetricsRecorder creates a new no-op metrics recorder.
func NewNoopMetricsRecorder() *NoopMetricsRecorder {
	return &NoopMetricsRecorder{}
}

// RecordAuthAttempt is a no-op.
func (n *NoopMetricsRecorder) RecordAuthAttempt(success bool) {}

// RecordArtifactRetry is a no-op.
func (n *NoopMetricsRecorder) RecordArtifactRetry() {}

// RecordForcedLogout is a no-op.
func (n *NoopMetricsRecorder) RecordForcedLogout(policy string) {}

// PrometheusMetricsRecorder records metrics using Prometheus.
type PrometheusMetricsRecorder struct {
	authAttemptsTotal   *prometheus.CounterVec
	artifactRetriesTotal prometheus.Counter
	forcedLogoutsTotal  *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder creates a new Prometheus metrics recorder
// using the default Prometheus registry.
func NewPrometheusMetricsRecorder() *PrometheusMetricsRecorder {
	return NewPrometheusMetricsRecorderWithRegistry(prometheus.DefaultRegisterer)
}

// NewPrometheusMetricsRecorderWithRegistry creates a new Prometheus metrics
// recorder with a custom registry. Use this for testing.
func NewPrometheusMetricsRecorderWithRegistry(reg prometheus.Registerer) *PrometheusMetricsRecorder {
	authAttemptsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corppass_auth_attempts_total",
		Help: "Total CorpPass artifact authentication attempts",
	}, []string{"result"})

	artifactRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corppass_artifact_retries_total",
		Help: "Total artifact resolutions retried after a network error",
	})

	forcedLogoutsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corppass_forced_logouts_total",
		Help: "Total sessions logged out by a lifetime policy",
	}, []string{"policy"})

	reg.MustRegister(
		authAttemptsTotal,
		artifactRetriesTotal,
		forcedLogoutsTotal,
	)

	return &PrometheusMetricsRecorder{
		authAttemptsTotal:    authAttemptsTotal,
		artifactRetriesTotal: artifactRetriesTotal,
		forcedLogoutsTotal:   forcedLogoutsTotal,
	}
}

// RecordAuthAttempt records an artifact authentication attempt.
func (p *PrometheusMetricsRecorder) RecordAuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	p.authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordArtifactRetry records a retried artifact resolution.
func (p *PrometheusMetricsRecorder) RecordArtifactRetry() {
	p.artifactRetriesTotal.Inc()
}

// RecordForcedLogout records a session timeout.
func (p *PrometheusMetricsRecorder) RecordForcedLogout(policy string) {
	p.forcedLogoutsTotal.WithLabelValues(policy).Inc()
}
