package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "agentledger"

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the orchestrator and the workers.
//
// All metrics are prefixed with "agentledger_".
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	TasksCreated    *prometheus.CounterVec
	TasksClaimed    *prometheus.CounterVec
	TasksFinished   *prometheus.CounterVec
	ClaimConflicts  *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	RoutingDecision *prometheus.CounterVec
	PatternUpdates  *prometheus.CounterVec
	OrchestratorRun prometheus.Histogram
}

// New returns the process-wide metrics, registering them on first use.
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentledger_events_processed_total",
				Help: "Events the orchestrator marked processed",
			}, []string{"event_type"}),
			TasksCreated: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentledger_tasks_created_total",
				Help: "Tasks created by the orchestrator",
			}, []string{"agent_type", "task_type"}),
			TasksClaimed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentledger_tasks_claimed_total",
				Help: "Successful task claims",
			}, []string{"agent_type"}),
			TasksFinished: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentledger_tasks_finished_total",
				Help: "Task attempts by outcome (completed, retried, failed)",
			}, []string{"agent_type", "outcome"}),
			ClaimConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentledger_claim_conflicts_total",
				Help: "Claim attempts that lost the race and skipped to the next candidate",
			}, []string{"agent_type"}),
			TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "agentledger_task_duration_seconds",
				Help:    "Capability execution time per task",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"agent_type"}),
			RoutingDecision: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentledger_routing_decisions_total",
				Help: "Confidence routing outcomes",
			}, []string{"decision"}),
			PatternUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "agentledger_pattern_updates_total",
				Help: "Pattern store mutations by kind (created, success, failure, duplicate)",
			}, []string{"kind"}),
			OrchestratorRun: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "agentledger_orchestrator_cycle_seconds",
				Help:    "Duration of one orchestrator polling cycle",
				Buckets: prometheus.DefBuckets,
			}),
		}
	})
	return globalMetrics
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
