package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkflowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adflow_workflows_total",
			Help: "Workflow transitions into a status, by variant",
		},
		[]string{"variant", "status"},
	)

	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adflow_steps_total",
			Help: "Step executions by variant, step and outcome",
		},
		[]string{"variant", "step", "outcome"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adflow_step_duration_seconds",
			Help:    "Wall time of synchronous step execution and async submission",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"variant", "step"},
	)

	CreditMovements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adflow_credit_movements_total",
			Help: "Credits moved by transaction type",
		},
		[]string{"type"},
	)

	VendorRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adflow_vendor_requests_total",
			Help: "Vendor API calls by vendor, operation and outcome",
		},
		[]string{"vendor", "operation", "outcome"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adflow_monitor_sweep_duration_seconds",
			Help:    "Duration of one monitor sweep",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	SweepRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adflow_monitor_records_total",
			Help: "Records visited by the monitor, by outcome",
		},
		[]string{"outcome"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adflow_outbox_events_total",
			Help: "Outbox events relayed, by result",
		},
		[]string{"result"},
	)

	AdmissionRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adflow_admission_rejections_total",
			Help: "Requests rejected because vendor capacity is exhausted",
		},
	)
)
