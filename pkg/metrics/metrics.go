// Package metrics holds the Prometheus collectors for the orchestrator.
// Everything registers against the default registry; the API server
// serves it at /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "jobs_submitted_total",
		Help:      "Jobs accepted for execution, by kind.",
	}, []string{"kind"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "jobs_completed_total",
		Help:      "Jobs that reached completed, by kind.",
	}, []string{"kind"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "jobs_failed_total",
		Help:      "Jobs that reached failed, by kind.",
	}, []string{"kind"})

	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "job_retries_total",
		Help:      "Explicit retries of failed jobs.",
	})

	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "delivery_attempts_total",
		Help:      "Queue entry deliveries to workers, by queue.",
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "courier",
		Name:      "queue_depth",
		Help:      "Entries waiting or in flight, by queue.",
	}, []string{"queue"})

	SessionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "courier",
		Name:      "sessions",
		Help:      "Pool sessions by status.",
	}, []string{"status"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "messages_sent_total",
		Help:      "Individual messages delivered to recipients.",
	})

	ContactsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "courier",
		Name:      "contacts_fetched_total",
		Help:      "Contacts extracted by fetch jobs.",
	})

	DriverOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "courier",
		Name:      "driver_op_duration_seconds",
		Help:      "Latency of driver operations.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"op"})
)
