package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_enqueued_total",
			Help: "Total number of jobs enqueued per lane",
		},
		[]string{"lane"}, // cpu, gpu
	)

	JobsDequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_dequeued_total",
			Help: "Total number of jobs handed to workers per lane",
		},
		[]string{"lane"},
	)

	JobsFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_fallback_total",
			Help: "Total number of jobs rerouted from the GPU lane to the CPU lane",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Current number of jobs waiting in each lane",
		},
		[]string{"lane"},
	)

	GpuWorkerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_gpu_worker_state",
			Help: "GPU worker lifecycle state (1 for the current state, 0 otherwise)",
		},
		[]string{"state"}, // stopped, starting, running, stopping
	)

	GpuStartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_gpu_starts_total",
			Help: "Total number of GPU worker start attempts",
		},
	)

	GpuStartFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_gpu_start_failures_total",
			Help: "Total number of GPU worker start attempts that never became healthy",
		},
	)

	GpuStopsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_gpu_stops_total",
			Help: "Total number of GPU worker stops issued after the idle window",
		},
	)

	BillingReconcileTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_billing_reconcile_total",
			Help: "Total number of completed jobs whose credit deduction failed and was parked for reconciliation",
		},
	)
)

// SetGpuWorkerState flips the state gauge so exactly one label is 1.
func SetGpuWorkerState(state string) {
	for _, s := range []string{"stopped", "starting", "running", "stopping"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		GpuWorkerState.WithLabelValues(s).Set(v)
	}
}
