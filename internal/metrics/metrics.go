// Package metrics provides the Prometheus metrics of the archival engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all arcstore metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds all engine metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Object operations
	OperationsTotal   *prometheus.CounterVec   // arcstore_operations_total{operation,result}
	OperationDuration *prometheus.HistogramVec // arcstore_operation_duration_seconds{operation}
	BytesWritten      *prometheus.CounterVec   // arcstore_storage_bytes_written_total{storage}

	// Fixity and repair
	FixityResults *prometheus.CounterVec // arcstore_fixity_results_total{result}
	Repairs       *prometheus.CounterVec // arcstore_repairs_total{result}

	// Onboarding
	SyncPhase    *prometheus.GaugeVec // arcstore_sync_phase{storage}, phase ordinal
	SyncProgress *prometheus.GaugeVec // arcstore_sync_progress{storage,kind}

	// System
	ReadOnly          prometheus.Gauge     // arcstore_read_only
	StoragesReachable prometheus.Gauge     // arcstore_storages_reachable
	StorageCapacity   *prometheus.GaugeVec // arcstore_storage_capacity_bytes{storage,kind}
}

// Init registers the metrics with reg, or Registry when nil.
// Metrics are only registered once; subsequent calls return the same instance.
func Init(reg prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if reg == nil {
			reg = Registry
		}
		metricsInstance = newMetrics(reg)
	})
	return metricsInstance
}

// Get returns the metrics instance, or nil if Init has not run.
func Get() *Metrics {
	return metricsInstance
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		OperationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcstore_operations_total",
			Help: "Object operations by kind and result",
		}, []string{"operation", "result"}),

		OperationDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arcstore_operation_duration_seconds",
			Help:    "Object operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		BytesWritten: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcstore_storage_bytes_written_total",
			Help: "Payload bytes written per storage",
		}, []string{"storage"}),

		FixityResults: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcstore_fixity_results_total",
			Help: "Fixity check outcomes",
		}, []string{"result"}),

		Repairs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcstore_repairs_total",
			Help: "Replica repairs by result",
		}, []string{"result"}),

		SyncPhase: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "arcstore_sync_phase",
			Help: "Onboarding phase per storage (0=INIT .. 4=DONE)",
		}, []string{"storage"}),

		SyncProgress: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "arcstore_sync_progress",
			Help: "Onboarding progress of the current phase",
		}, []string{"storage", "kind"}),

		ReadOnly: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "arcstore_read_only",
			Help: "1 while the system rejects writes",
		}),

		StoragesReachable: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "arcstore_storages_reachable",
			Help: "Storages that answered the last reachability check",
		}),

		StorageCapacity: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "arcstore_storage_capacity_bytes",
			Help: "Storage capacity as last reported by the backend",
		}, []string{"storage", "kind"}),
	}
}

// RecordOperation records one object operation.
func (m *Metrics) RecordOperation(operation, result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordWrite records payload bytes written to a storage.
func (m *Metrics) RecordWrite(storage string, bytes int64) {
	if m == nil {
		return
	}
	m.BytesWritten.WithLabelValues(storage).Add(float64(bytes))
}

// RecordFixity records a fixity outcome (consistent, corrupted, unreachable).
func (m *Metrics) RecordFixity(result string) {
	if m == nil {
		return
	}
	m.FixityResults.WithLabelValues(result).Inc()
}

// RecordRepair records a repair attempt.
func (m *Metrics) RecordRepair(result string) {
	if m == nil {
		return
	}
	m.Repairs.WithLabelValues(result).Inc()
}

// SetSyncPhase publishes a storage's onboarding phase ordinal.
func (m *Metrics) SetSyncPhase(storage string, ordinal int) {
	if m == nil {
		return
	}
	m.SyncPhase.WithLabelValues(storage).Set(float64(ordinal))
}

// SetSyncProgress publishes done/total for a storage's current phase.
func (m *Metrics) SetSyncProgress(storage string, done, total int64) {
	if m == nil {
		return
	}
	m.SyncProgress.WithLabelValues(storage, "done").Set(float64(done))
	m.SyncProgress.WithLabelValues(storage, "total").Set(float64(total))
}

// SetReadOnly publishes the read-only switch.
func (m *Metrics) SetReadOnly(on bool) {
	if m == nil {
		return
	}
	if on {
		m.ReadOnly.Set(1)
	} else {
		m.ReadOnly.Set(0)
	}
}

// SetReachable publishes the reachable storage count.
func (m *Metrics) SetReachable(n int) {
	if m == nil {
		return
	}
	m.StoragesReachable.Set(float64(n))
}

// UpdateCapacity publishes a storage's capacity.
func (m *Metrics) UpdateCapacity(storage string, total, used, free int64) {
	if m == nil {
		return
	}
	m.StorageCapacity.WithLabelValues(storage, "total").Set(float64(total))
	m.StorageCapacity.WithLabelValues(storage, "used").Set(float64(used))
	m.StorageCapacity.WithLabelValues(storage, "free").Set(float64(free))
}
