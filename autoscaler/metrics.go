package autoscaler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WorkersProvisionedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_workers_provisioned_total",
		Help: "Total number of workers provisioned",
	})
	WorkersReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_workers_reaped_total",
		Help: "Total number of unresponsive workers terminated",
	})
	WorkersMarkedIdleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_workers_marked_idle_total",
		Help: "Total number of workers flagged for shutdown after idling",
	})
	ProvisionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_provision_failures_total",
		Help: "Total number of failed provisioning calls",
	})
	NoCapacityTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_no_capacity_total",
		Help: "Total number of batches whose VRAM requirement exceeded every tier",
	})
	PendingJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_pending_jobs",
		Help: "Pending jobs observed on the last autoscaler tick",
	})
)

func init() {
	prometheus.MustRegister(
		WorkersProvisionedTotal,
		WorkersReapedTotal,
		WorkersMarkedIdleTotal,
		ProvisionFailuresTotal,
		NoCapacityTotal,
		PendingJobs,
	)
}
