package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runsCreated         *prometheus.CounterVec
	dedupHits           prometheus.Counter
	dispatchAttempts    *prometheus.CounterVec
	dispatchFailures    *prometheus.CounterVec
	updateCallbacks     *prometheus.CounterVec
	rejectedTransitions prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		runsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "renderd_runs_created_total",
			Help: "Workflow runs created, by origin.",
		}, []string{"origin"}),
		dedupHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderd_runs_dedup_hits_total",
			Help: "Run creation requests answered with an existing in-flight run.",
		}),
		dispatchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "renderd_dispatch_attempts_total",
			Help: "Dispatch HTTP attempts, by machine type.",
		}, []string{"machine_type"}),
		dispatchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "renderd_dispatch_failures_total",
			Help: "Runs marked failed after exhausting dispatch retries, by machine type.",
		}, []string{"machine_type"}),
		updateCallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "renderd_update_callbacks_total",
			Help: "Machine callbacks received, by kind (status or output).",
		}, []string{"kind"}),
		rejectedTransitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "renderd_rejected_status_transitions_total",
			Help: "Status reports rejected by the run state machine.",
		}),
	}
}
