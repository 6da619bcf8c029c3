package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "visionsuit_gpu_agent"
)

var (
	jobsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "jobs",
		Name:      "accepted_total",
		Help:      "Count of dispatch envelopes accepted for execution",
	})
	jobsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "jobs",
		Name:      "rejected_total",
		Help:      "Count of dispatch envelopes rejected because a job was already running",
	})
	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Count of finished jobs by outcome",
	}, []string{"outcome"})
	cancelRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "jobs",
		Name:      "cancel_requests_total",
		Help:      "Count of cancellation requests that matched the active job",
	})

	phaseDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "jobs",
		Name:      "phase_duration_seconds",
		Help:      "Time spent in each job phase",
		// Rendering runs to minutes while uploads finish in seconds.
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
	}, []string{"phase"})

	artifactBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "artifacts",
		Name:      "bytes_uploaded_total",
		Help:      "Count of artifact bytes uploaded to the output bucket",
	})
)

func observePhase(phase string, begin time.Time) {
	phaseDurations.WithLabelValues(phase).Observe(time.Since(begin).Seconds())
}
