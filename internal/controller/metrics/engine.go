package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_dispatches_total",
			Help: "Dispatches that reached a final status, by status",
		},
		[]string{"status"},
	)

	nodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_nodes_total",
			Help: "Nodes that reached a final status, by executor and status",
		},
		[]string{"executor", "status"},
	)

	nodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lattice_node_duration_seconds",
			Help:    "Wall time from admission to final status",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
		},
		[]string{"executor"},
	)

	slotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lattice_runner_slots_in_use",
			Help: "Concurrency slots currently held across all dispatches",
		},
	)

	pollTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_executor_poll_timeouts_total",
			Help: "Poll calls that hit the executor time limit",
		},
		[]string{"executor"},
	)

	workerJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_worker_jobs_total",
			Help: "Jobs finished by this worker, by status",
		},
		[]string{"status"},
	)
)

// RecordDispatch counts a dispatch reaching final status st.
func RecordDispatch(st string) {
	dispatchesTotal.WithLabelValues(st).Inc()
}

// RecordNode counts a node reaching final status st after d.
func RecordNode(executor, st string, d time.Duration) {
	nodesTotal.WithLabelValues(executor, st).Inc()
	nodeDuration.WithLabelValues(executor).Observe(d.Seconds())
}

// SlotAcquired and SlotReleased track the runner's slot budget.
func SlotAcquired() { slotsInUse.Inc() }

// SlotReleased is the counterpart of SlotAcquired.
func SlotReleased() { slotsInUse.Dec() }

// RecordPollTimeout counts a Poll that returned ExecutorTimeoutError.
func RecordPollTimeout(executor string) {
	pollTimeouts.WithLabelValues(executor).Inc()
}

// RecordWorkerJob counts a job finished by a worker.
func RecordWorkerJob(st string) {
	workerJobs.WithLabelValues(st).Inc()
}
