// Package reset moves entitlements into a new usage period: it carries
// unused balance into rollovers, restores the allowance and bumps the reset
// sequence that fences off stale sync writes.
package reset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/smallbiznis/balanced/internal/clock"
	entdomain "github.com/smallbiznis/balanced/internal/entitlement/domain"
	"github.com/smallbiznis/balanced/internal/lock"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Invalidator interface {
	Invalidate(ctx context.Context, key domain.CustomerKey) error
}

// Warmer reloads a customer's cache record from the durable store.
type Warmer interface {
	Warm(ctx context.Context, key domain.CustomerKey) error
	// SyncCustomer persists whatever the cache holds for the customer.
	SyncCustomer(ctx context.Context, key domain.CustomerKey) error
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Store   entdomain.Store
	Cache   Invalidator
	Warmer  Warmer           `optional:"true"`
	Locker  *lock.Locker     `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
	Config  Config           `optional:"true"`
}

type Processor struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	store   entdomain.Store
	cache   Invalidator
	warmer  Warmer
	locker  *lock.Locker
	metrics *metrics.Metrics
	cfg     Config
}

func NewProcessor(p Params) *Processor {
	return &Processor{
		db:      p.DB,
		log:     p.Log.Named("balance.reset"),
		clock:   p.Clock,
		genID:   p.GenID,
		store:   p.Store,
		cache:   p.Cache,
		warmer:  p.Warmer,
		locker:  p.Locker,
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

func lockKey(key domain.CustomerKey) string {
	return "balance:reset:{" + key.String() + "}"
}

// Process applies a billing-cycle signal. Redelivering the same signal is a
// no-op apart from invalidating the cache again.
func (p *Processor) Process(ctx context.Context, sig domain.ResetSignal) (domain.ResetOutcome, error) {
	if sig.OrgID == 0 || sig.CustomerID == 0 || sig.Environment == "" || sig.PeriodEnd.IsZero() {
		return domain.ResetOutcome{}, domain.ErrInvalidSignal
	}
	if !sig.PeriodStart.IsZero() && !sig.PeriodEnd.After(sig.PeriodStart) {
		return domain.ResetOutcome{}, domain.ErrInvalidSignal
	}
	key := domain.CustomerKey{OrgID: sig.OrgID, Environment: sig.Environment, CustomerID: sig.CustomerID}

	if p.locker != nil {
		token, ok, err := p.locker.TryLock(ctx, lockKey(key), p.cfg.LockTTL)
		switch {
		case err != nil:
			// row locks still serialize the database work
			p.log.Warn("reset lock unavailable", zap.String("customer", key.String()), zap.Error(err))
		case !ok:
			return domain.ResetOutcome{}, domain.ErrResetInProgress
		default:
			defer func() { _ = p.locker.Release(context.WithoutCancel(ctx), lockKey(key), token) }()
		}
	}

	if p.warmer != nil {
		if err := p.warmer.SyncCustomer(ctx, key); err != nil {
			p.log.Warn("pre-reset sync failed", zap.String("customer", key.String()), zap.Error(err))
		}
	}

	now := p.clock.Now()
	var outcome domain.ResetOutcome
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ents, err := p.store.LockForReset(ctx, tx, sig.OrgID, sig.Environment, sig.CustomerID, sig.SubscriptionID)
		if err != nil {
			return err
		}
		for _, ent := range ents {
			if err := p.applySignal(ctx, tx, ent, sig, now, &outcome); err != nil {
				return fmt.Errorf("reset entitlement %s: %w", ent.ID.String(), err)
			}
		}
		return nil
	})
	if err != nil {
		p.metrics.RecordReset(ctx, "error", 1)
		return domain.ResetOutcome{}, err
	}

	p.metrics.RecordReset(ctx, "reset", outcome.Reset)
	p.metrics.RecordReset(ctx, "skipped", outcome.Skipped)
	p.metrics.RecordReset(ctx, "adjusted", outcome.Adjusted)

	if err := p.refresh(ctx, key); err != nil {
		return outcome, err
	}
	p.log.Info("balances reset",
		zap.String("customer", key.String()),
		zap.Int("reset", outcome.Reset),
		zap.Int("skipped", outcome.Skipped),
		zap.Int("adjusted", outcome.Adjusted),
		zap.Int("rollovers", outcome.Rollovers),
	)
	return outcome, nil
}

func (p *Processor) applySignal(ctx context.Context, tx *gorm.DB, ent entdomain.Entitlement, sig domain.ResetSignal, now time.Time, out *domain.ResetOutcome) error {
	allowance, hasAllowance := sig.Allowances[ent.FeatureCode]

	if ent.Lifetime() {
		if hasAllowance && !allowance.Equal(ent.Allowance) {
			out.Adjusted++
			return p.store.AdjustAllowance(ctx, tx, ent.ID, allowance, true, now)
		}
		out.Skipped++
		return nil
	}

	if !ent.NextResetAt.Before(sig.PeriodEnd) {
		out.Skipped++
		return nil
	}
	if ent.NextResetAt.After(now) {
		// not due yet, an early signal never cuts a period short
		if hasAllowance && !allowance.Equal(ent.Allowance) {
			out.Adjusted++
			return p.store.AdjustAllowance(ctx, tx, ent.ID, allowance, false, now)
		}
		out.Skipped++
		return nil
	}
	if !hasAllowance {
		allowance = ent.Allowance
	}

	resetAt := *ent.NextResetAt
	var next time.Time
	if ent.ResetInterval.CycleAligned() {
		next = sig.PeriodEnd
		if !sig.PeriodStart.IsZero() {
			resetAt = sig.PeriodStart
		}
	} else {
		next = advance(ent, now)
	}

	rolled, expired, err := p.resetOne(ctx, tx, ent, allowance, resetAt, next, now)
	if err != nil {
		return err
	}
	out.Reset++
	out.Expired += expired
	if rolled {
		out.Rollovers++
	}
	return nil
}

// resetOne carries the unused balance over, then restores the allowance.
func (p *Processor) resetOne(ctx context.Context, tx *gorm.DB, ent entdomain.Entitlement, allowance decimal.Decimal, resetAt, next, now time.Time) (bool, int64, error) {
	expired, err := p.store.DeleteExpiredRollovers(ctx, tx, ent.ID, now)
	if err != nil {
		return false, 0, err
	}

	rolled := false
	if carry := Carryover(ent); carry.IsPositive() {
		expiresAt := ent.RolloverDuration.ExpiryFrom(resetAt, ent.RolloverDurationCount)
		if expiresAt == nil || expiresAt.After(now) {
			if err := p.store.InsertRollover(ctx, tx, &entdomain.Rollover{
				ID:            p.genID.Generate(),
				EntitlementID: ent.ID,
				Balance:       carry,
				Usage:         decimal.Zero,
				ExpiresAt:     expiresAt,
				CreatedAt:     now,
			}); err != nil {
				return false, 0, err
			}
			rolled = true
		}
	}

	nextAt := next
	return rolled, expired, p.store.ApplyReset(ctx, tx, entdomain.ResetUpdate{
		EntitlementID: ent.ID,
		Allowance:     allowance,
		NextResetAt:   &nextAt,
		At:            now,
	})
}

// Carryover is the part of the unused balance that survives a reset.
func Carryover(ent entdomain.Entitlement) decimal.Decimal {
	if !ent.RolloverMax.Valid || !ent.RolloverMax.Decimal.IsPositive() {
		return decimal.Zero
	}
	unused := ent.CurrentBalance
	if unused.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(unused, ent.RolloverMax.Decimal)
}

// advance steps the schedule forward until it lies in the future.
func advance(ent entdomain.Entitlement, now time.Time) time.Time {
	next := *ent.NextResetAt
	for !next.After(now) {
		stepped := ent.ResetInterval.Advance(next, ent.IntervalCount)
		if !stepped.After(next) {
			return now
		}
		next = stepped
	}
	return next
}

// AdjustLifetime changes the grant of a non-resetting entitlement by moving
// both balances by the allowance delta.
func (p *Processor) AdjustLifetime(ctx context.Context, entitlementID snowflake.ID, allowance decimal.Decimal) error {
	var key domain.CustomerKey
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ent, err := p.store.FindByID(ctx, tx, entitlementID)
		if err != nil {
			return err
		}
		if ent == nil {
			return domain.ErrEntitlementNotFound
		}
		if !ent.Lifetime() {
			return errors.New("entitlement_not_lifetime")
		}
		key = domain.CustomerKey{OrgID: ent.OrgID, Environment: ent.Environment, CustomerID: ent.CustomerID}
		return p.store.AdjustAllowance(ctx, tx, ent.ID, allowance, true, p.clock.Now())
	})
	if err != nil {
		return err
	}
	return p.refresh(ctx, key)
}

// refresh invalidates the cached record and warms it again. A failed
// invalidation is returned so the caller redelivers.
func (p *Processor) refresh(ctx context.Context, key domain.CustomerKey) error {
	if err := p.cache.Invalidate(ctx, key); err != nil {
		p.log.Error("cache invalidation after reset failed", zap.String("customer", key.String()), zap.Error(err))
		return err
	}
	if p.warmer != nil {
		if err := p.warmer.Warm(ctx, key); err != nil {
			p.log.Warn("cache warm after reset failed", zap.String("customer", key.String()), zap.Error(err))
		}
	}
	return nil
}
