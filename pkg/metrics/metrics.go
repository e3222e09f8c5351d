package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics
	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rise_deployments_total",
			Help: "Number of deployments by status",
		},
		[]string{"status"},
	)

	ProjectsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rise_projects_total",
			Help: "Number of projects by status",
		},
		[]string{"status"},
	)

	// Controller loop metrics
	LoopRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rise_loop_runs_total",
			Help: "Total controller loop iterations by loop",
		},
		[]string{"loop"},
	)

	LoopErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rise_loop_errors_total",
			Help: "Total controller loop errors by loop",
		},
		[]string{"loop"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rise_reconcile_duration_seconds",
			Help:    "Duration of one deployment reconcile call in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeploymentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rise_deployment_transitions_total",
			Help: "Total deployment status transitions by target status",
		},
		[]string{"to"},
	)

	ActivationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rise_activations_total",
			Help: "Total deployments promoted to active",
		},
	)
)

func init() {
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(LoopRunsTotal)
	prometheus.MustRegister(LoopErrorsTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(DeploymentTransitionsTotal)
	prometheus.MustRegister(ActivationsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
