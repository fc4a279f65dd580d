package deployment

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeploymentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deploy_requests_total",
		Help: "Total number of deployment requests submitted",
	})
	LiveDeployments = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "deploy_live",
		Help: "Deployment handles currently open",
	})
	RecoveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deploy_recoveries_total",
		Help: "Total number of drifted deployments restarted by the keepalive loop",
	})
	ProbeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "deploy_probe_failures_total",
		Help: "Total number of endpoints that never answered the readiness probe",
	})
)

func init() {
	prometheus.MustRegister(
		DeploymentsTotal,
		LiveDeployments,
		RecoveriesTotal,
		ProbeFailuresTotal,
	)
}
