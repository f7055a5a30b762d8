package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ctask",
		Name:      "assignments_total",
		Help:      "Assignment attempts by outcome reason code and mode.",
	}, []string{"reason", "mode"})

	PollCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ctask",
		Name:      "poll_cycles_total",
		Help:      "Completed scheduler poll cycles.",
	})

	PollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ctask",
		Name:      "poll_errors_total",
		Help:      "Scheduler poll cycles that ended in an error.",
	})

	SchedulerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ctask",
		Name:      "scheduler_running",
		Help:      "1 while the background assignment scheduler is running.",
	})

	ServiceNowRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ctask",
		Name:      "servicenow_request_duration_seconds",
		Help:      "Latency of outbound ServiceNow API calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)
