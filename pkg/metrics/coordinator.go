package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ordertrack"

// CoordinatorMetrics records what happens to an order view on the client.
type CoordinatorMetrics struct {
	snapshotWrites  *prometheus.CounterVec
	ignoredStatuses *prometheus.CounterVec
	fetchAttempts   *prometheus.CounterVec
	pollRuns        *prometheus.CounterVec
	channelDrops    prometheus.Counter
	paymentOutcomes *prometheus.CounterVec
	paymentDuration *prometheus.HistogramVec
	cancelOutcomes  *prometheus.CounterVec
}

// NewCoordinatorMetrics registers the collectors on the provided registerer.
// A nil registerer yields a no-op recorder.
func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	if reg == nil {
		return &CoordinatorMetrics{}
	}
	m := &CoordinatorMetrics{
		snapshotWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_writes_total",
			Help:      "Snapshot mutations by writer and kind.",
		}, []string{"source", "kind"}),
		ignoredStatuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_ignored_status_total",
			Help:      "Incoming status values dropped because the order is already terminal.",
		}, []string{"source"}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Manual order fetch attempts by result.",
		}, []string{"result"}),
		pollRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_runs_total",
			Help:      "Background refreshes by result.",
		}, []string{"result"}),
		channelDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_drops_total",
			Help:      "Realtime transports that dropped while subscribed.",
		}),
		paymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_outcomes_total",
			Help:      "Terminal payment bridge states.",
		}, []string{"state"}),
		paymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_step_duration_seconds",
			Help:      "Duration of payment bridge steps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		cancelOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellation_outcomes_total",
			Help:      "Cancellation submissions by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.snapshotWrites,
		m.ignoredStatuses,
		m.fetchAttempts,
		m.pollRuns,
		m.channelDrops,
		m.paymentOutcomes,
		m.paymentDuration,
		m.cancelOutcomes,
	)
	return m
}

// SnapshotWrite counts a load or merge applied by source.
func (m *CoordinatorMetrics) SnapshotWrite(source, kind string) {
	if m == nil || m.snapshotWrites == nil {
		return
	}
	m.snapshotWrites.WithLabelValues(normalizeLabel(source), normalizeLabel(kind)).Inc()
}

// IgnoredStatus counts a status value dropped by the terminal-state guard.
func (m *CoordinatorMetrics) IgnoredStatus(source string) {
	if m == nil || m.ignoredStatuses == nil {
		return
	}
	m.ignoredStatuses.WithLabelValues(normalizeLabel(source)).Inc()
}

// FetchAttempt records a manual fetch result ("ok", "error", "exhausted").
func (m *CoordinatorMetrics) FetchAttempt(result string) {
	if m == nil || m.fetchAttempts == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(normalizeLabel(result)).Inc()
}

// PollRun records a background refresh result.
func (m *CoordinatorMetrics) PollRun(result string) {
	if m == nil || m.pollRuns == nil {
		return
	}
	m.pollRuns.WithLabelValues(normalizeLabel(result)).Inc()
}

// ChannelDrop counts a transport that went away under an active subscription.
func (m *CoordinatorMetrics) ChannelDrop() {
	if m == nil || m.channelDrops == nil {
		return
	}
	m.channelDrops.Inc()
}

// PaymentOutcome records the state a payment attempt settled in.
func (m *CoordinatorMetrics) PaymentOutcome(state string) {
	if m == nil || m.paymentOutcomes == nil {
		return
	}
	m.paymentOutcomes.WithLabelValues(normalizeLabel(state)).Inc()
}

// ObservePaymentStep records how long a payment bridge step took.
func (m *CoordinatorMetrics) ObservePaymentStep(step string, duration time.Duration) {
	if m == nil || m.paymentDuration == nil {
		return
	}
	m.paymentDuration.WithLabelValues(normalizeLabel(step)).Observe(duration.Seconds())
}

// CancellationOutcome records a cancellation submission result.
func (m *CoordinatorMetrics) CancellationOutcome(result string) {
	if m == nil || m.cancelOutcomes == nil {
		return
	}
	m.cancelOutcomes.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
