// Package metrics exposes the deploy and undeploy counters on the standard
// Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

var (
	deployCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_deploy_total",
		Help: "Number of session deployments, by template and result.",
	}, []string{"template", "result"})

	undeployCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workbench_undeploy_total",
		Help: "Number of session teardowns, by result.",
	}, []string{"result"})
)

// IncDeploy records one deployment attempt outcome for template.
func IncDeploy(template, result string) {
	deployCounter.WithLabelValues(template, result).Inc()
}

// IncUndeploy records one teardown attempt outcome.
func IncUndeploy(result string) {
	undeployCounter.WithLabelValues(result).Inc()
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
