package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Visible items per tenant queue",
		},
		[]string{"tenant", "queue"},
	)

	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_enqueued_total",
			Help: "Tasks enqueued by tenant and type",
		},
		[]string{"tenant", "task_type"},
	)

	TasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_dispatched_total",
			Help: "Worker dispatches by tenant and type",
		},
		[]string{"tenant", "task_type"},
	)

	// Judge metrics
	JudgeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_judge_decisions_total",
			Help: "Judge verdicts by tenant and decision",
		},
		[]string{"tenant", "decision"},
	)

	OCCConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_occ_conflicts_total",
			Help: "Compare-and-swap conflicts observed during commits",
		},
		[]string{"tenant"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_commit_duration_seconds",
			Help:    "Time for the judge commit path in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Budget metrics
	BudgetSpend = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_budget_spend_usdc_total",
			Help: "Committed spend in USDC by tenant and agent",
		},
		[]string{"tenant", "agent"},
	)

	BudgetRefusals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_budget_refusals_total",
			Help: "Budget refusals by tenant and reason",
		},
		[]string{"tenant", "reason"},
	)

	// HITL metrics
	HITLPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_hitl_pending",
			Help: "Items waiting on a human operator",
		},
		[]string{"tenant"},
	)

	HITLVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_hitl_verdicts_total",
			Help: "Operator verdicts by tenant and verdict",
		},
		[]string{"tenant", "verdict"},
	)

	// Perception metrics
	PerceptionMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_perception_matches_total",
			Help: "Relevant items observed by perception",
		},
		[]string{"tenant"},
	)

	PerceptionDeduped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_perception_deduped_total",
			Help: "Items suppressed by the dedup set",
		},
		[]string{"tenant"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksEnqueued)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(JudgeDecisions)
	prometheus.MustRegister(OCCConflicts)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(BudgetSpend)
	prometheus.MustRegister(BudgetRefusals)
	prometheus.MustRegister(HITLPending)
	prometheus.MustRegister(HITLVerdicts)
	prometheus.MustRegister(PerceptionMatches)
	prometheus.MustRegister(PerceptionDeduped)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
