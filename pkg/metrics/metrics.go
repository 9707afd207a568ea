package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_tasks_total",
			Help: "Total number of tasks by state and shard",
		},
		[]string{"state", "shard"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_queue_depth",
			Help: "Number of queued tasks per shard",
		},
		[]string{"shard"},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_claims_total",
			Help: "Total number of claim attempts by outcome",
		},
		[]string{"outcome"}, // claimed, no_task, lost_race, starved, user_limited
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_claim_latency_seconds",
			Help:    "Time taken for one claim attempt in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_workers_total",
			Help: "Total number of workers by specialization and status",
		},
		[]string{"specialization", "status"},
	)

	WorkerRespawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_worker_respawns_total",
			Help: "Total number of worker respawns by specialization and shard",
		},
		[]string{"specialization", "shard"},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_heartbeats_total",
			Help: "Total number of worker heartbeats recorded",
		},
	)

	// Recovery metrics
	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_recoveries_total",
			Help: "Total number of recovered tasks by kind",
		},
		[]string{"kind"}, // stale, zombie, crashed_worker, pending_sync
	)

	RecoveryCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_recovery_cycle_duration_seconds",
			Help:    "Time taken for a recovery cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Shard metrics
	ShardHealthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_shard_health",
			Help: "Shard health (0=unknown, 1=healthy, 2=degraded, 3=unhealthy)",
		},
		[]string{"shard"},
	)

	RebalancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_rebalances_total",
			Help: "Total number of shard rebalances by reason",
		},
		[]string{"reason"}, // imbalance, orphaned, unhealthy, forced
	)

	TasksRedistributed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_tasks_redistributed_total",
			Help: "Total number of tasks moved between shards",
		},
	)

	// Breaker metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_breaker_state",
			Help: "Circuit breaker state per backend family (0=closed, 1=half_open, 2=open)",
		},
		[]string{"family"},
	)

	BreakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_breaker_trips_total",
			Help: "Total number of breaker trips to OPEN per backend family",
		},
		[]string{"family"},
	)

	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_fallbacks_total",
			Help: "Total number of fallback chain advances by source family",
		},
		[]string{"from"},
	)

	// Phase and gate metrics
	PhaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_phase_transitions_total",
			Help: "Total number of phase transitions by target phase",
		},
		[]string{"phase"},
	)

	GateResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_gate_results_total",
			Help: "Total number of quality gate runs by gate and result",
		},
		[]string{"gate", "result"},
	)

	GateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_gate_duration_seconds",
			Help:    "Quality gate execution time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"gate"},
	)

	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_approvals_total",
			Help: "Total number of approval decisions by outcome",
		},
		[]string{"outcome"}, // approved, rejected, failed
	)

	// Supervisor metrics
	SupervisorCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foreman_supervisor_cycle_duration_seconds",
			Help:    "Time taken for a supervisor cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SupervisorCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_supervisor_cycles_total",
			Help: "Total number of supervisor cycles completed",
		},
	)

	// Event store metrics
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_events_appended_total",
			Help: "Total number of events appended to the log by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(ClaimLatency)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerRespawnsTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(RecoveryCycleDuration)
	prometheus.MustRegister(ShardHealthState)
	prometheus.MustRegister(RebalancesTotal)
	prometheus.MustRegister(TasksRedistributed)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTripsTotal)
	prometheus.MustRegister(FallbacksTotal)
	prometheus.MustRegister(PhaseTransitionsTotal)
	prometheus.MustRegister(GateResultsTotal)
	prometheus.MustRegister(GateDuration)
	prometheus.MustRegister(ApprovalsTotal)
	prometheus.MustRegister(SupervisorCycleDuration)
	prometheus.MustRegister(SupervisorCyclesTotal)
	prometheus.MustRegister(EventsAppendedTotal)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time in the given histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
