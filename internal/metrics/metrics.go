package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator service
type Metrics struct {
	// Coordinator metrics
	PhaseTransitions *prometheus.CounterVec
	Orchestrations   *prometheus.CounterVec
	Callbacks        *prometheus.CounterVec
	Completions      prometheus.Counter
	ActiveActors     prometheus.Gauge
	ActorEvictions   prometheus.Counter
	EntitiesByPhase  *prometheus.GaugeVec

	// Queue metrics
	TasksEnqueued    *prometheus.CounterVec
	TaskFailures     *prometheus.CounterVec
	TasksDeadLetter  *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	DeliveryFailures prometheus.Counter

	// Notification metrics
	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec

	// Records cache metrics
	RecordsCacheLookups *prometheus.CounterVec
	RecordsCacheEntries prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// last cumulative cache totals folded into RecordsCacheLookups
	cacheMu     sync.Mutex
	cacheHits   int64
	cacheMisses int64
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			PhaseTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_phase_transitions_total",
					Help: "Total number of coordinator phase transitions",
				},
				[]string{"from_phase", "to_phase"},
			),
			Orchestrations: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_orchestrations_total",
					Help: "Total number of orchestrate requests by outcome",
				},
				[]string{"status"},
			),
			Callbacks: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_agent_callbacks_total",
					Help: "Total number of agent-complete callbacks by kind and outcome",
				},
				[]string{"agent_kind", "status"},
			),
			Completions: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "orgcoord_pipelines_completed_total",
					Help: "Total number of pipeline runs that reached the complete phase",
				},
			),
			ActiveActors: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "orgcoord_active_actors",
					Help: "Number of coordinator actors resident in memory",
				},
			),
			ActorEvictions: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "orgcoord_actor_evictions_total",
					Help: "Total number of idle coordinator actors evicted",
				},
			),
			EntitiesByPhase: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "orgcoord_entities_by_phase",
					Help: "Number of stored coordinator states in each phase",
				},
				[]string{"phase"},
			),
			TasksEnqueued: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_tasks_enqueued_total",
					Help: "Total number of tasks placed on the queue",
				},
				[]string{"task_kind"},
			),
			TaskFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_task_failures_total",
					Help: "Total number of agent executions that failed",
				},
				[]string{"task_kind"},
			),
			TasksDeadLetter: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_tasks_dead_lettered_total",
					Help: "Total number of tasks moved to the dead-letter subject",
				},
				[]string{"task_kind"},
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "orgcoord_task_duration_seconds",
					Help:    "Agent execution duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to 204s
				},
				[]string{"task_kind", "success"},
			),
			DeliveryFailures: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "orgcoord_delivery_failures_total",
					Help: "Total number of outcomes that could not be delivered to a coordinator",
				},
			),
			NotificationsSent: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_notifications_sent_total",
					Help: "Total number of completion notifications delivered",
				},
				[]string{"notifier"},
			),
			NotificationsFailed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_notifications_failed_total",
					Help: "Total number of completion notifications that failed",
				},
				[]string{"notifier"},
			),
			RecordsCacheLookups: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_records_cache_lookups_total",
					Help: "Total number of records cache lookups by result",
				},
				[]string{"result"},
			),
			RecordsCacheEntries: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "orgcoord_records_cache_entries",
					Help: "Number of entities held in the records cache",
				},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "orgcoord_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "route", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "orgcoord_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "route"},
			),
		}
	})

	return sharedMetrics
}

// RecordTransition records a phase transition
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
	if to == "complete" {
		m.Completions.Inc()
	}
}

// RecordOrchestration records an orchestrate outcome
func (m *Metrics) RecordOrchestration(status string) {
	if m == nil {
		return
	}
	m.Orchestrations.WithLabelValues(status).Inc()
}

// RecordCallback records an agent-complete outcome
func (m *Metrics) RecordCallback(kind, status string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(kind, status).Inc()
}

// RecordEnqueue records a task publish
func (m *Metrics) RecordEnqueue(kind string) {
	if m == nil {
		return
	}
	m.TasksEnqueued.WithLabelValues(kind).Inc()
}

// RecordTask records one agent execution
func (m *Metrics) RecordTask(kind string, success bool, seconds float64) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(kind, strconv.FormatBool(success)).Observe(seconds)
	if !success {
		m.TaskFailures.WithLabelValues(kind).Inc()
	}
}

// RecordDeadLetter records a task that exhausted its deliveries
func (m *Metrics) RecordDeadLetter(kind string) {
	if m == nil {
		return
	}
	m.TasksDeadLetter.WithLabelValues(kind).Inc()
}

// RecordDeliveryFailure records an outcome that could not reach its coordinator
func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

// RecordNotification records a completion notification attempt
func (m *Metrics) RecordNotification(notifier string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.NotificationsFailed.WithLabelValues(notifier).Inc()
		return
	}
	m.NotificationsSent.WithLabelValues(notifier).Inc()
}

// SetActiveActors updates the resident actor gauge
func (m *Metrics) SetActiveActors(n int) {
	if m == nil {
		return
	}
	m.ActiveActors.Set(float64(n))
}

// RecordEviction records an idle actor eviction
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.ActorEvictions.Inc()
}

// SetPhaseCounts replaces the per-phase entity gauge
func (m *Metrics) SetPhaseCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.EntitiesByPhase.Reset()
	for phase, n := range counts {
		m.EntitiesByPhase.WithLabelValues(phase).Set(float64(n))
	}
}

// RecordCacheStats folds cumulative cache totals into the lookup counter.
// Totals lower than the previous sample mean a new cache and count in full.
func (m *Metrics) RecordCacheStats(hits, misses, entries int64) {
	if m == nil {
		return
	}
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	m.RecordsCacheLookups.WithLabelValues("hit").Add(float64(delta(hits, m.cacheHits)))
	m.RecordsCacheLookups.WithLabelValues("miss").Add(float64(delta(misses, m.cacheMisses)))
	m.cacheHits, m.cacheMisses = hits, misses
	m.RecordsCacheEntries.Set(float64(entries))
}

func delta(now, last int64) int64 {
	if now < last {
		return now
	}
	return now - last
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration)
}
