// Package observability implements the Metrics Collector: connection-
// outcome counters and derived rates backed by Prometheus instruments,
// plus a rolling window of per-turn-stage latencies.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Thresholds gates the alert checks in Alerts().
type Thresholds struct {
	MinSuccessRate      float64
	MaxAvgConnectionMs  float64
	MaxTimeoutRate      float64
	MinSamplesForAlerts int
}

// DefaultThresholds returns the default alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessRate:      0.95,
		MaxAvgConnectionMs:  3000,
		MaxTimeoutRate:      0.05,
		MinSamplesForAlerts: 10,
	}
}

type connectionTiming struct {
	min, max, sum float64
	count         int64
}

// Metrics groups the Prometheus instruments and the in-process counters
// backing the Metrics Collector's derived rates, plus the rolling
// per-turn-stage latency window consumed by internal/turn.
type Metrics struct {
	thresholds Thresholds

	mu                      sync.Mutex
	totalConnectionAttempts int64
	successfulConnections   int64
	failedConnections       int64
	failedByReason          map[string]int64
	totalTimeouts           int64
	activeConnections       int64
	peakConnections         int64
	timing                  connectionTiming
	pending                 map[string]time.Time

	ConnectionAttempts prometheus.Counter
	ConnectionOutcomes *prometheus.CounterVec
	ConnectionTimeouts prometheus.Counter
	ActiveConnections  prometheus.Gauge
	ConnectionDuration prometheus.Histogram
	TurnStageLatency   *prometheus.HistogramVec
	FirstAudioLatency  prometheus.Histogram

	turnStageWindow *turnStageWindow
}

// NewMetrics constructs a Metrics with the given Prometheus namespace and
// the default alert thresholds.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		thresholds:     DefaultThresholds(),
		failedByReason: make(map[string]int64),
		pending:        make(map[string]time.Time),

		ConnectionAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_attempts_total",
			Help:      "Total connection attempts seen by the gateway.",
		}),
		ConnectionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_outcomes_total",
			Help:      "Connection attempts by outcome (success, or failure reason).",
		}, []string{"outcome"}),
		ConnectionTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_timeouts_total",
			Help:      "Connection attempts that failed via SESSION_CREATE_TIMEOUT.",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Live connection count.",
		}),
		ConnectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_attempt_duration_ms",
			Help:      "Time from connection attempt to resolution (success or failure), in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 3000, 5000, 10000},
		}),
		TurnStageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn-stage latency in milliseconds.",
			Buckets:   []float64{20, 50, 100, 150, 250, 400, 700, 1200, 2000, 4000, 7000, 10000},
		}, []string{"stage"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from userSpeechEndTime to the first response_audio chunk, in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 3000},
		}),
		turnStageWindow: newTurnStageWindow(256),
	}
}

// RecordAttempt marks the start of a connection attempt identified by
// connID; its resolution time feeds the pending-timing table.
func (m *Metrics) RecordAttempt(connID string) {
	m.ConnectionAttempts.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalConnectionAttempts++
	m.pending[connID] = time.Now()
}

func (m *Metrics) resolve(connID string) (time.Duration, bool) {
	started, ok := m.pending[connID]
	if !ok {
		return 0, false
	}
	delete(m.pending, connID)
	return time.Since(started), true
}

func (m *Metrics) observeTiming(d time.Duration) {
	ms := float64(d.Milliseconds())
	if m.timing.count == 0 {
		m.timing.min, m.timing.max = ms, ms
	} else {
		if ms < m.timing.min {
			m.timing.min = ms
		}
		if ms > m.timing.max {
			m.timing.max = ms
		}
	}
	m.timing.sum += ms
	m.timing.count++
	m.ConnectionDuration.Observe(ms)
}

// RecordSuccess marks connID's attempt as successful.
func (m *Metrics) RecordSuccess(connID string) {
	m.ConnectionOutcomes.WithLabelValues("success").Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successfulConnections++
	if d, ok := m.resolve(connID); ok {
		m.observeTiming(d)
	}
}

// RecordFailure marks connID's attempt as failed for reason, one of
// AUTH_REQUIRED, AUTH_INVALID, AUTH_EXPIRED, SESSION_CREATE_FAILED.
func (m *Metrics) RecordFailure(connID, reason string) {
	m.ConnectionOutcomes.WithLabelValues(reason).Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedConnections++
	m.failedByReason[reason]++
	if d, ok := m.resolve(connID); ok {
		m.observeTiming(d)
	}
}

// RecordTimeout marks connID's attempt as a SESSION_CREATE_TIMEOUT and
// also records it as a failure with reason SESSION_CREATE_FAILED.
func (m *Metrics) RecordTimeout(connID string) {
	m.ConnectionTimeouts.Inc()
	m.mu.Lock()
	m.totalTimeouts++
	m.mu.Unlock()
	m.RecordFailure(connID, "SESSION_CREATE_FAILED")
}

// RecordDisconnection decrements the live connection count.
func (m *Metrics) RecordDisconnection(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeConnections > 0 {
		m.activeConnections--
	}
	m.ActiveConnections.Set(float64(m.activeConnections))
	delete(m.pending, connID)
}

// SetActive sets the live connection count and tracks the running peak.
func (m *Metrics) SetActive(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeConnections = count
	if count > m.peakConnections {
		m.peakConnections = count
	}
	m.ActiveConnections.Set(float64(count))
}

// ObserveTurnStage records a turn-stage latency sample against both the
// Prometheus histogram and the rolling percentile window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.turnStageWindow.Observe(stage, ms)
}

// ObserveFirstAudioLatency records the end-to-end TTFB for one turn.
func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// SnapshotTurnStages returns the current rolling per-stage latency
// percentiles.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.turnStageWindow.Snapshot()
}

// Snapshot is a point-in-time read of every counter and derived rate the
// collector tracks.
type Snapshot struct {
	TotalConnectionAttempts int64
	SuccessfulConnections   int64
	FailedConnections       int64
	FailedByReason          map[string]int64
	TotalTimeouts           int64
	ActiveConnections       int64
	PeakConnections         int64
	SuccessRate             float64
	TimeoutRate             float64
	MinConnectionMs         float64
	MaxConnectionMs         float64
	AvgConnectionMs         float64
}

// Snapshot recomputes every derived rate from the current counters on
// every call. Rates default to 0 when their denominator is 0, avoiding a
// division by zero.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	reasons := make(map[string]int64, len(m.failedByReason))
	for k, v := range m.failedByReason {
		reasons[k] = v
	}

	s := Snapshot{
		TotalConnectionAttempts: m.totalConnectionAttempts,
		SuccessfulConnections:   m.successfulConnections,
		FailedConnections:       m.failedConnections,
		FailedByReason:          reasons,
		TotalTimeouts:           m.totalTimeouts,
		ActiveConnections:       m.activeConnections,
		PeakConnections:         m.peakConnections,
		MinConnectionMs:         m.timing.min,
		MaxConnectionMs:         m.timing.max,
	}

	if denom := m.successfulConnections + m.failedConnections; denom > 0 {
		s.SuccessRate = float64(m.successfulConnections) / float64(denom)
	}
	if m.totalConnectionAttempts > 0 {
		s.TimeoutRate = float64(m.totalTimeouts) / float64(m.totalConnectionAttempts)
	}
	if m.timing.count > 0 {
		s.AvgConnectionMs = m.timing.sum / float64(m.timing.count)
	}
	return s
}

// Alert is one threshold breach surfaced by Alerts.
type Alert struct {
	Name    string
	Message string
}

// Alerts evaluates the snapshot against the configured thresholds. Each
// check requires at least MinSamplesForAlerts samples to fire.
func (m *Metrics) Alerts() []Alert {
	snap := m.Snapshot()
	var alerts []Alert

	connSamples := snap.SuccessfulConnections + snap.FailedConnections
	if connSamples >= int64(m.thresholds.MinSamplesForAlerts) {
		if snap.SuccessRate < m.thresholds.MinSuccessRate {
			alerts = append(alerts, Alert{
				Name:    "low_success_rate",
				Message: "connection success rate below threshold",
			})
		}
		if snap.AvgConnectionMs > m.thresholds.MaxAvgConnectionMs {
			alerts = append(alerts, Alert{
				Name:    "high_avg_connection_time",
				Message: "average connection time above threshold",
			})
		}
	}
	if snap.TotalConnectionAttempts >= int64(m.thresholds.MinSamplesForAlerts) {
		if snap.TimeoutRate > m.thresholds.MaxTimeoutRate {
			alerts = append(alerts, Alert{
				Name:    "high_timeout_rate",
				Message: "connection timeout rate above threshold",
			})
		}
	}
	return alerts
}

// MetricsHandler exposes the Prometheus text exposition format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
