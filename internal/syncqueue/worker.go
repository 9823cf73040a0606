package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/balanced/internal/clock"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"github.com/smallbiznis/balanced/pkg/db"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type WorkerParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Handler Handler
	Metrics *metrics.WorkerMetrics `optional:"true"`
	Config  Config                 `optional:"true"`
}

// Worker drains the outbox table.
type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	handler Handler
	metrics *metrics.WorkerMetrics
	cfg     Config
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("syncqueue.worker"),
		clock:   p.Clock,
		handler: p.Handler,
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("sync job run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and processes it. It returns the number of jobs
// that completed.
func (w *Worker) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	defer func() { w.metrics.ObserveRun(metrics.WorkerSyncJobs, time.Since(start)) }()

	jobs, err := w.claim(ctx)
	if err != nil {
		w.metrics.IncError(metrics.WorkerSyncJobs, err)
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	results := make([]bool, len(jobs))
	p := pool.New().WithMaxGoroutines(w.cfg.Concurrency)
	for i := range jobs {
		p.Go(func() {
			results[i] = w.process(ctx, jobs[i])
		})
	}
	p.Wait()

	done := lo.Count(results, true)
	w.metrics.AddProcessed(metrics.WorkerSyncJobs, "ok", done)
	return done, nil
}

func (w *Worker) claim(ctx context.Context) ([]OutboxJob, error) {
	var jobs []OutboxJob
	now := w.clock.Now()
	lockStart := time.Now()

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := `SELECT id, name, dedup_key, group_key, region, payload, status, attempts, version, available_at, created_at, updated_at
			FROM balance_sync_jobs
			WHERE (status = ? AND available_at <= ?) OR (status = ? AND updated_at <= ?)
			ORDER BY available_at ASC, id ASC
			LIMIT ?`
		if !db.IsSQLite(tx) {
			query += " FOR UPDATE SKIP LOCKED"
		}
		if err := tx.Raw(query, StatusPending, now, StatusProcessing, now.Add(-w.cfg.Lease), w.cfg.BatchSize).Scan(&jobs).Error; err != nil {
			return err
		}
		w.metrics.ObserveDBLockWait(metrics.LockResourceSync, time.Since(lockStart))
		if len(jobs) == 0 {
			return nil
		}

		ids := lo.Map(jobs, func(j OutboxJob, _ int) snowflake.ID { return j.ID })
		if err := tx.Exec(
			`UPDATE balance_sync_jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id IN ?`,
			StatusProcessing,
			now,
			ids,
		).Error; err != nil {
			return err
		}
		for i := range jobs {
			jobs[i].Attempts++
			jobs[i].Status = StatusProcessing
		}
		return nil
	})
	return jobs, err
}

func (w *Worker) process(ctx context.Context, job OutboxJob) bool {
	var payload Payload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.log.Error("undecodable sync job", zap.String("job_id", job.ID.String()), zap.Error(err))
		w.fail(ctx, job, err, true)
		return false
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	err := w.handler.Handle(jobCtx, payload)
	cancel()
	if err != nil {
		w.metrics.IncError(metrics.WorkerSyncJobs, err)
		w.log.Warn("sync job failed",
			zap.String("job_id", job.ID.String()),
			zap.String("group_key", job.GroupKey),
			zap.Int("attempts", job.Attempts),
			zap.Bool("retryable", metrics.IsRetryable(err)),
			zap.Error(err),
		)
		w.fail(ctx, job, err, errors.Is(err, ErrInvalidJob))
		return false
	}

	now := w.clock.Now()
	if err := w.db.WithContext(ctx).Exec(
		`UPDATE balance_sync_jobs SET status = ?, last_error = NULL, updated_at = ? WHERE id = ? AND version = ?`,
		StatusDone,
		now,
		job.ID,
		job.Version,
	).Error; err != nil {
		w.log.Warn("mark sync job done failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		return false
	}
	return true
}

func (w *Worker) fail(ctx context.Context, job OutboxJob, cause error, permanent bool) {
	now := w.clock.Now()
	status := StatusPending
	result := "retry"
	if permanent || job.Attempts >= w.cfg.MaxAttempts {
		status = StatusFailed
		result = "failed"
	}
	msg := cause.Error()

	err := w.db.WithContext(ctx).Exec(
		`UPDATE balance_sync_jobs SET status = ?, available_at = ?, last_error = ?, updated_at = ? WHERE id = ? AND version = ?`,
		status,
		now.Add(w.cfg.retryDelay(job.Attempts)),
		msg,
		now,
		job.ID,
		job.Version,
	).Error
	if err != nil {
		w.log.Warn("reschedule sync job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	w.metrics.AddProcessed(metrics.WorkerSyncJobs, result, 1)
}
