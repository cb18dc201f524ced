// Package metrics exposes the client runtime's Prometheus collectors:
// tick duration, pending outbound call count, activation count, lease
// renewal outcomes, breaker state, and reminder fire counts (SPEC_FULL
// §10). Adapted from the teacher's InitPrometheus/record-function shape
// in internal/metrics/prometheus.go, re-pointed at mesh concerns.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps every collector this runtime registers.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	tickDuration   *prometheus.HistogramVec
	tickFailures   *prometheus.CounterVec
	pendingCalls   prometheus.Gauge
	strayResponses prometheus.Counter

	activationCount  prometheus.Gauge
	activationEvents *prometheus.CounterVec

	leaseRenewalsTotal *prometheus.CounterVec
	nodeState          prometheus.Gauge

	breakerState      *prometheus.GaugeVec
	breakerTripsTotal *prometheus.CounterVec

	invocationsTotal    *prometheus.CounterVec
	invocationDuration  *prometheus.HistogramVec
	reminderFiresTotal  *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var promMetrics *PrometheusMetrics

// InitPrometheus registers every collector under namespace.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_milliseconds",
				Help:      "Duration of a composite orchestrator tick",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
		tickFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_failures_total",
				Help:      "Tick failures by error kind",
			},
			[]string{"kind"},
		),
		pendingCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_calls",
				Help:      "Outbound calls awaiting completion in the Message Handler",
			},
		),
		strayResponses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stray_responses_total",
				Help:      "Inbound responses with no matching pending call",
			},
		),
		activationCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "activation_count",
				Help:      "Currently active actor activations",
			},
		),
		activationEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activation_events_total",
				Help:      "Activation lifecycle transitions by interface and event",
			},
			[]string{"interface", "event"},
		),
		leaseRenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lease_renewals_total",
				Help:      "Lease renewal attempts by lease kind and outcome",
			},
			[]string{"lease_kind", "outcome"},
		),
		nodeState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "node_state",
				Help:      "Current ClientState (0=IDLE,1=CONNECTING,2=CONNECTED,3=STOPPING,4=STOPPED)",
			},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Invocation breaker state by reference (0=closed,1=open,2=half_open)",
			},
			[]string{"reference"},
		),
		breakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_trips_total",
				Help:      "Breaker state transitions by reference and destination state",
			},
			[]string{"reference", "to_state"},
		),
		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Invocations by interface, direction, and outcome",
			},
			[]string{"interface", "direction", "status"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_milliseconds",
				Help:      "Invocation round-trip duration",
				Buckets:   buckets,
			},
			[]string{"interface", "method"},
		),
		reminderFiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reminder_fires_total",
				Help:      "Reminder schedule fires by outcome",
			},
			[]string{"outcome"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since this client node initialized metrics",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	registry.MustRegister(
		pm.tickDuration,
		pm.tickFailures,
		pm.pendingCalls,
		pm.strayResponses,
		pm.activationCount,
		pm.activationEvents,
		pm.leaseRenewalsTotal,
		pm.nodeState,
		pm.breakerState,
		pm.breakerTripsTotal,
		pm.invocationsTotal,
		pm.invocationDuration,
		pm.reminderFiresTotal,
		pm.uptime,
	)

	promMetrics = pm
}

var startTime = time.Now()

// RecordTickDuration observes one stage's contribution to a composite tick.
func RecordTickDuration(stage string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.tickDuration.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

// RecordTickFailure counts an unhandled tick failure by error kind.
func RecordTickFailure(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.tickFailures.WithLabelValues(kind).Inc()
}

// SetPendingCalls sets the Message Handler's outstanding call count.
func SetPendingCalls(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.pendingCalls.Set(float64(n))
}

// IncStrayResponses counts a response with no matching pending call.
func IncStrayResponses() {
	if promMetrics == nil {
		return
	}
	promMetrics.strayResponses.Inc()
}

// SetActivationCount sets the Execution System's live activation count.
func SetActivationCount(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.activationCount.Set(float64(n))
}

// RecordActivationEvent counts an activation lifecycle transition.
func RecordActivationEvent(iface, event string) {
	if promMetrics == nil {
		return
	}
	promMetrics.activationEvents.WithLabelValues(iface, event).Inc()
}

// RecordLeaseRenewal counts a renewal attempt by lease kind ("node" or
// "addressable") and outcome ("ok" or "failed").
func RecordLeaseRenewal(leaseKind, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.leaseRenewalsTotal.WithLabelValues(leaseKind, outcome).Inc()
}

// SetNodeState records the current ClientState as its ordinal value.
func SetNodeState(state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.nodeState.Set(float64(state))
}

// SetBreakerState records a breaker's current state for reference.
func SetBreakerState(reference string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(reference).Set(float64(state))
}

// RecordBreakerTrip counts a breaker transition to toState for reference.
func RecordBreakerTrip(reference, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.WithLabelValues(reference, toState).Inc()
}

// RecordInvocation counts one invocation by interface, direction
// ("inbound" or "outbound"), and status ("ok" or "error").
func RecordInvocation(iface, direction, status string) {
	if promMetrics == nil {
		return
	}
	promMetrics.invocationsTotal.WithLabelValues(iface, direction, status).Inc()
}

// RecordInvocationDuration observes a round-trip duration.
func RecordInvocationDuration(iface, method string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.invocationDuration.WithLabelValues(iface, method).Observe(float64(d.Milliseconds()))
}

// RecordReminderFire counts a reminder fire by outcome ("ok" or "error").
func RecordReminderFire(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reminderFiresTotal.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler for Prometheus scraping.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// Registry returns the registry backing Handler, for tests or custom
// collectors.
func Registry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
