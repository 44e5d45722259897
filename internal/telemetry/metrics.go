package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrichd_admission_decisions_total",
		Help: "Admission decisions by service and outcome.",
	}, []string{"service", "outcome"})

	DispatchedEntities = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrichd_dispatched_entities_total",
		Help: "Entities handed to runners by service.",
	}, []string{"service"})

	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrichd_completions_total",
		Help: "Terminal audit transitions by service and status.",
	}, []string{"service", "status"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enrichd_sequential_queue_depth",
		Help: "Queued jobs per named vendor queue.",
	}, []string{"queue"})

	ReapedJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrichd_reaped_jobs_total",
		Help: "Jobs forcibly released after lock expiry.",
	}, []string{"queue"})
)
