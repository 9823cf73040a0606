package reset

import (
	"context"
	"time"

	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type WorkerParams struct {
	fx.In

	Processor *Processor
	Metrics   *metrics.WorkerMetrics `optional:"true"`
}

// Worker resets entitlements whose schedule passed without a cycle signal,
// which covers day and week cadences and customers without a subscription.
type Worker struct {
	p       *Processor
	log     *zap.Logger
	metrics *metrics.WorkerMetrics
}

func NewWorker(wp WorkerParams) *Worker {
	return &Worker{
		p:       wp.Processor,
		log:     wp.Processor.log.Named("sweep"),
		metrics: wp.Metrics,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("reset sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce resets one batch of overdue entitlements and returns how many it reset.
func (w *Worker) RunOnce(parentCtx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.p.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	defer func() { w.metrics.ObserveRun(metrics.WorkerResetSweep, time.Since(start)) }()

	now := w.p.clock.Now()
	touched := map[domain.CustomerKey]struct{}{}
	count := 0

	err := w.p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		ents, err := w.p.store.ClaimOverdue(ctx, tx, now, now.Add(-w.p.cfg.SignalGrace), w.p.cfg.BatchSize)
		if err != nil {
			return err
		}
		w.metrics.ObserveDBLockWait(metrics.LockResourceReset, time.Since(lockStart))

		for _, ent := range ents {
			if ent.NextResetAt == nil {
				continue
			}
			next := advance(ent, now)
			if _, _, err := w.p.resetOne(ctx, tx, ent, ent.Allowance, *ent.NextResetAt, next, now); err != nil {
				return err
			}
			touched[domain.CustomerKey{OrgID: ent.OrgID, Environment: ent.Environment, CustomerID: ent.CustomerID}] = struct{}{}
			count++
		}
		return nil
	})
	if err != nil {
		w.metrics.IncError(metrics.WorkerResetSweep, err)
		return 0, err
	}

	for key := range touched {
		if err := w.p.cache.Invalidate(ctx, key); err != nil {
			w.log.Error("cache invalidation after sweep failed", zap.String("customer", key.String()), zap.Error(err))
		}
	}
	w.metrics.AddProcessed(metrics.WorkerResetSweep, "reset", count)
	w.p.metrics.RecordReset(ctx, "sweep", count)
	return count, nil
}
