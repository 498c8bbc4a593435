// Package metrics exposes supervisor counters and gauges on a dedicated
// Prometheus registry, served at /metrics by the control API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds every metric the supervisor publishes.
type Set struct {
	registry *prometheus.Registry

	Restarts      *prometheus.CounterVec
	Exits         *prometheus.CounterVec
	Deploys       *prometheus.CounterVec
	UpdateChecks  prometheus.Counter
	Notifications prometheus.Counter
	Running       prometheus.Gauge
	Sessions      prometheus.Gauge
}

// New builds the metric set on its own registry so the default registry's
// noise (and anything a library registers globally) stays out of scrape
// output.
func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,
		Restarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botherd_process_restarts_total",
			Help: "Process restarts by name and trigger.",
		}, []string{"process", "trigger"}),
		Exits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botherd_process_exits_total",
			Help: "Observed process exits by name and resolved action.",
		}, []string{"process", "action"}),
		Deploys: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botherd_deploys_total",
			Help: "Deploy attempts by outcome.",
		}, []string{"outcome"}),
		UpdateChecks: factory.NewCounter(prometheus.CounterOpts{
			Name: "botherd_update_checks_total",
			Help: "Upstream update checks performed.",
		}),
		Notifications: factory.NewCounter(prometheus.CounterOpts{
			Name: "botherd_notifications_total",
			Help: "Webhook notifications attempted.",
		}),
		Running: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botherd_processes_running",
			Help: "Managed processes currently running.",
		}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botherd_active_sessions",
			Help: "Interactive sessions detected by the last scan.",
		}),
	}
}

// Handler serves the set in Prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
