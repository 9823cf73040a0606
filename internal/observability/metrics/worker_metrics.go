package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonUnknown              = "unknown"
)

const (
	EmitResultOK     = "ok"
	EmitResultFailed = "failed"

	FlushTriggerTimer    = "timer"
	FlushTriggerOverflow = "overflow"
	FlushTriggerDrain    = "drain"
)

const (
	WorkerSyncJobs    = "sync_jobs"
	WorkerResetSweep  = "reset_sweep"
	WorkerKafkaSync   = "kafka_sync"
	LockResourceReset = "entitlement_reset"
	LockResourceSync  = "sync_jobs_claim"
)

// WorkerMetrics captures the health of the asynchronous balance pipeline:
// sync batching, sync-job consumption and reset sweeps.
type WorkerMetrics struct {
	batchesOpen    prometheus.Gauge
	batchSize      prometheus.Histogram
	flushes        *prometheus.CounterVec
	emits          *prometheus.CounterVec
	jobsProcessed  *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobErrors      *prometheus.CounterVec
	dbLockWait     *prometheus.HistogramVec
	circuitOpen    prometheus.Gauge
	entitlementsIn *prometheus.CounterVec
}

var (
	workerMetricsOnce sync.Once
	workerMetrics     *WorkerMetrics
)

// Worker returns the process-wide worker metrics registered on the default registerer.
func Worker() *WorkerMetrics {
	return WorkerWithConfig(Config{})
}

// WorkerWithConfig returns the singleton using config labels.
func WorkerWithConfig(cfg Config) *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = NewWorkerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return workerMetrics
}

// NewWorkerMetrics registers a fresh set of collectors; tests pass their own registry.
func NewWorkerMetrics(registerer prometheus.Registerer, cfg Config) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "balanced"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
	// sync jobs are consumed per region, so dashboards split on it
	if region := strings.TrimSpace(cfg.Region); region != "" {
		constLabels["region"] = region
	}

	batchesOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "balance_sync_batches_open",
		Help:        "Customers with an open sync batch waiting for their window to close.",
		ConstLabels: constLabels,
	})
	batchSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "balance_sync_batch_size",
		Help:        "Entitlement IDs carried by one consolidated sync job.",
		Buckets:     []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		ConstLabels: constLabels,
	})
	flushes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "balance_sync_flushes_total",
		Help:        "Batch flushes by trigger.",
		ConstLabels: constLabels,
	}, []string{"trigger"})
	emits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "balance_sync_jobs_emitted_total",
		Help:        "Sync jobs handed to the durable queue by result.",
		ConstLabels: constLabels,
	}, []string{"backend", "result"})
	jobsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "balance_worker_items_processed_total",
		Help:        "Items processed by background balance workers.",
		ConstLabels: constLabels,
	}, []string{"worker", "result"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "balance_worker_run_duration_seconds",
		Help:        "Duration of one background worker pass.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"worker"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "balance_worker_errors_total",
		Help:        "Background worker errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"worker", "reason"})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "balance_db_lock_wait_seconds",
		Help:        "Time spent acquiring row locks for balance writes.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"resource"})
	circuitOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "balance_cache_circuit_open",
		Help:        "1 while the balance cache circuit breaker is open.",
		ConstLabels: constLabels,
	})
	entitlementsIn := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "balance_sync_entitlements_written_total",
		Help:        "Entitlement rows written to the durable store by the sync consumer.",
		ConstLabels: constLabels,
	}, []string{"result"})

	registerer.MustRegister(
		batchesOpen,
		batchSize,
		flushes,
		emits,
		jobsProcessed,
		jobDuration,
		jobErrors,
		dbLockWait,
		circuitOpen,
		entitlementsIn,
	)

	return &WorkerMetrics{
		batchesOpen:    batchesOpen,
		batchSize:      batchSize,
		flushes:        flushes,
		emits:          emits,
		jobsProcessed:  jobsProcessed,
		jobDuration:    jobDuration,
		jobErrors:      jobErrors,
		dbLockWait:     dbLockWait,
		circuitOpen:    circuitOpen,
		entitlementsIn: entitlementsIn,
	}
}

func (m *WorkerMetrics) SetBatchesOpen(n int) {
	if m == nil {
		return
	}
	m.batchesOpen.Set(float64(n))
}

func (m *WorkerMetrics) IncFlush(trigger string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(trigger).Inc()
}

func (m *WorkerMetrics) ObserveEmit(backend string, size int, err error) {
	if m == nil {
		return
	}
	result := EmitResultOK
	if err != nil {
		result = EmitResultFailed
	}
	m.emits.WithLabelValues(backend, result).Inc()
	m.batchSize.Observe(float64(size))
}

// AddProcessed increments processed items for a worker by count.
func (m *WorkerMetrics) AddProcessed(worker, result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.jobsProcessed.WithLabelValues(worker, result).Add(float64(count))
}

func (m *WorkerMetrics) ObserveRun(worker string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

func (m *WorkerMetrics) IncError(worker string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(worker, ClassifyJobReason(err)).Inc()
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *WorkerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

func (m *WorkerMetrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.circuitOpen.Set(1)
		return
	}
	m.circuitOpen.Set(0)
}

func (m *WorkerMetrics) AddEntitlementsWritten(result string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.entitlementsIn.WithLabelValues(result).Add(float64(count))
}

// ClassifyJobReason maps worker errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return JobReasonUniqueViolation
	}
	return JobReasonUnknown
}

// IsRetryable reports whether a worker error is transient.
func IsRetryable(err error) bool {
	switch ClassifyJobReason(err) {
	case JobReasonDeadlineExceeded, JobReasonDBLockTimeout, JobReasonSerializationFailure:
		return true
	default:
		return false
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
