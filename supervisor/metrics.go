package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Children = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "supervisor_children",
		Help: "fleetd processes currently tracked",
	})
	RestartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_restarts_total",
		Help: "Total number of fleetd processes restarted after exit",
	})
	OrgsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_orgs_skipped_total",
		Help: "Total number of organizations skipped for incomplete secret bundles",
	})
)

func init() {
	prometheus.MustRegister(
		Children,
		RestartsTotal,
		OrgsSkippedTotal,
	)
}
