package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operational metrics, grounded on the controller/k8s-controller submodules'
// use of prometheus/client_golang for reconcile-loop instrumentation.
var (
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rise_deployments_total",
		Help: "Deployments, partitioned by outcome (the API records \"created\").",
	}, []string{"outcome"})

	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rise_reconcile_duration_seconds",
		Help:    "Duration of one reconcile-loop tick.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	ActiveDeployments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rise_active_deployments",
		Help: "Non-terminal deployments currently tracked by the reconciler.",
	}, []string{"status"})
)

// MetricsHandler exposes the registered collectors at /metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
