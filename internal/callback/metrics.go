package callback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callbackAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "visionsuit_gpu_agent",
		Subsystem: "callback",
		Name:      "attempts_total",
		Help:      "Callback delivery attempts, including retries.",
	})

	callbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "visionsuit_gpu_agent",
		Subsystem: "callback",
		Name:      "failures_total",
		Help:      "Callback delivery attempts that failed.",
	})
)
