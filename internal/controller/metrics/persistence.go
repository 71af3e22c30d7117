package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lattice_persistence_errors_total",
			Help: "Total persistence operation errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordPersistenceError increments the persistence error counter.
// operation names the backend call (e.g. UpsertNode, UpdateDispatch,
// AssociateAsset); errorType is derived from the error.
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}
