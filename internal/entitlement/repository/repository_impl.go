package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balanced/internal/entitlement/domain"
	"github.com/smallbiznis/balanced/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const entitlementColumns = `id, org_id, environment, customer_id, entity_id, subscription_id, feature_id, feature_code,
	allowance, granted_balance, current_balance, usage_amount, unlimited, overage_allowed, overage_limit, priority,
	reset_interval, interval_count, next_reset_at, reset_seq, fallback_seq,
	rollover_max, rollover_duration, rollover_duration_count,
	last_used_at, retired_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Store {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, ent *domain.Entitlement) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO customer_entitlements (`+entitlementColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ent.ID,
		ent.OrgID,
		ent.Environment,
		ent.CustomerID,
		ent.EntityID,
		ent.SubscriptionID,
		ent.FeatureID,
		ent.FeatureCode,
		ent.Allowance,
		ent.GrantedBalance,
		ent.CurrentBalance,
		ent.Usage,
		ent.Unlimited,
		ent.OverageAllowed,
		ent.OverageLimit,
		ent.Priority,
		ent.ResetInterval,
		ent.IntervalCount,
		ent.NextResetAt,
		ent.ResetSeq,
		ent.FallbackSeq,
		ent.RolloverMax,
		ent.RolloverDuration,
		ent.RolloverDurationCount,
		ent.LastUsedAt,
		ent.RetiredAt,
		ent.CreatedAt,
		ent.UpdatedAt,
	).Error
}

func (r *repo) InsertBreakdown(ctx context.Context, conn *gorm.DB, b *domain.Breakdown) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO entitlement_breakdowns (id, entitlement_id, entity_id, allowance, granted_balance, current_balance, usage_amount, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID,
		b.EntitlementID,
		b.EntityID,
		b.Allowance,
		b.GrantedBalance,
		b.CurrentBalance,
		b.Usage,
		b.UpdatedAt,
	).Error
}

func (r *repo) InsertRollover(ctx context.Context, conn *gorm.DB, ro *domain.Rollover) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO entitlement_rollovers (id, entitlement_id, balance, usage_amount, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ro.ID,
		ro.EntitlementID,
		ro.Balance,
		ro.Usage,
		ro.ExpiresAt,
		ro.CreatedAt,
	).Error
}

func (r *repo) ReadEntitlements(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) ([]domain.Entitlement, error) {
	return r.listForCustomer(ctx, conn, orgID, env, customerID, false)
}

// LockEntitlements reads like ReadEntitlements but holds row locks until the
// surrounding transaction ends.
func (r *repo) LockEntitlements(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) ([]domain.Entitlement, error) {
	return r.listForCustomer(ctx, conn, orgID, env, customerID, true)
}

func (r *repo) listForCustomer(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID, lock bool) ([]domain.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + `
		FROM customer_entitlements
		WHERE org_id = ? AND environment = ? AND customer_id = ? AND retired_at IS NULL
		ORDER BY priority ASC, created_at ASC, id ASC`
	if lock && !db.IsSQLite(conn) {
		query += " FOR UPDATE"
	}

	var items []domain.Entitlement
	if err := conn.WithContext(ctx).Raw(query, orgID, env, customerID).Scan(&items).Error; err != nil {
		return nil, err
	}
	if err := r.attach(ctx, conn, items, lock); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Entitlement, error) {
	var ent domain.Entitlement
	err := conn.WithContext(ctx).Raw(
		`SELECT `+entitlementColumns+` FROM customer_entitlements WHERE id = ?`,
		id,
	).Scan(&ent).Error
	if err != nil {
		return nil, err
	}
	if ent.ID == 0 {
		return nil, nil
	}
	items := []domain.Entitlement{ent}
	if err := r.attach(ctx, conn, items, false); err != nil {
		return nil, err
	}
	return &items[0], nil
}

func (r *repo) attach(ctx context.Context, conn *gorm.DB, items []domain.Entitlement, lock bool) error {
	if len(items) == 0 {
		return nil
	}
	ids := lo.Map(items, func(e domain.Entitlement, _ int) snowflake.ID { return e.ID })
	suffix := ""
	if lock && !db.IsSQLite(conn) {
		suffix = " FOR UPDATE"
	}

	var breakdowns []domain.Breakdown
	if err := conn.WithContext(ctx).Raw(
		`SELECT id, entitlement_id, entity_id, allowance, granted_balance, current_balance, usage_amount, updated_at
		 FROM entitlement_breakdowns WHERE entitlement_id IN ? ORDER BY entity_id ASC`+suffix,
		ids,
	).Scan(&breakdowns).Error; err != nil {
		return err
	}

	var rollovers []domain.Rollover
	if err := conn.WithContext(ctx).Raw(
		`SELECT id, entitlement_id, balance, usage_amount, expires_at, created_at
		 FROM entitlement_rollovers WHERE entitlement_id IN ? ORDER BY created_at ASC, id ASC`+suffix,
		ids,
	).Scan(&rollovers).Error; err != nil {
		return err
	}

	byEnt := lo.GroupBy(breakdowns, func(b domain.Breakdown) snowflake.ID { return b.EntitlementID })
	rollByEnt := lo.GroupBy(rollovers, func(ro domain.Rollover) snowflake.ID { return ro.EntitlementID })
	for i := range items {
		items[i].Breakdowns = byEnt[items[i].ID]
		items[i].Rollovers = rollByEnt[items[i].ID]
	}
	return nil
}

// WriteEntitlements applies relative deltas. Callers are expected to hold the
// row locks taken by LockEntitlements. Every write bumps fallback_seq and
// journals the delta under the new value, so a cached snapshot read before it
// can catch up instead of being saved over it.
func (r *repo) WriteEntitlements(ctx context.Context, conn *gorm.DB, customerID snowflake.ID, deltas []domain.Delta) error {
	now := time.Now().UTC()
	for _, d := range deltas {
		res := conn.WithContext(ctx).Exec(
			`UPDATE customer_entitlements
			 SET current_balance = current_balance - ?,
			     usage_amount = usage_amount + ?,
			     last_used_at = COALESCE(?, last_used_at),
			     fallback_seq = fallback_seq + 1,
			     updated_at = ?
			 WHERE id = ? AND customer_id = ?`,
			d.Amount,
			d.Amount,
			d.LastUsedAt,
			now,
			d.EntitlementID,
			customerID,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrCustomerMismatch
		}

		for entityID, amount := range d.Breakdowns {
			if err := conn.WithContext(ctx).Exec(
				`UPDATE entitlement_breakdowns
				 SET current_balance = current_balance - ?, usage_amount = usage_amount + ?, updated_at = ?
				 WHERE entitlement_id = ? AND entity_id = ?`,
				amount,
				amount,
				now,
				d.EntitlementID,
				entityID,
			).Error; err != nil {
				return err
			}
		}
		for rolloverID, amount := range d.Rollovers {
			if err := conn.WithContext(ctx).Exec(
				`UPDATE entitlement_rollovers SET balance = balance - ?, usage_amount = usage_amount + ?
				 WHERE id = ? AND entitlement_id = ?`,
				amount,
				amount,
				rolloverID,
				d.EntitlementID,
			).Error; err != nil {
				return err
			}
		}

		if err := r.journal(ctx, conn, d, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) journal(ctx context.Context, conn *gorm.DB, d domain.Delta, now time.Time) error {
	var seq int64
	if err := conn.WithContext(ctx).Raw(
		`SELECT fallback_seq FROM customer_entitlements WHERE id = ?`,
		d.EntitlementID,
	).Scan(&seq).Error; err != nil {
		return err
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return conn.WithContext(ctx).Exec(
		`INSERT INTO entitlement_adjustments (entitlement_id, seq, delta, created_at) VALUES (?, ?, ?, ?)`,
		d.EntitlementID,
		seq,
		datatypes.JSON(raw),
		now,
	).Error
}

// LockSequences reads the fencing counters of the given rows, locking them
// where the dialect supports it. Retired and unknown rows are left out.
func (r *repo) LockSequences(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]domain.Sequences, error) {
	out := make(map[snowflake.ID]domain.Sequences, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT id, reset_seq, fallback_seq FROM customer_entitlements
		WHERE id IN ? AND retired_at IS NULL ORDER BY id`
	if !db.IsSQLite(conn) {
		query += ` FOR UPDATE`
	}
	var rows []struct {
		ID          snowflake.ID
		ResetSeq    int64
		FallbackSeq int64
	}
	if err := conn.WithContext(ctx).Raw(query, ids).Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = domain.Sequences{ResetSeq: row.ResetSeq, FallbackSeq: row.FallbackSeq}
	}
	return out, nil
}

// ListAdjustments returns the journaled deltas after afterSeq in write order.
func (r *repo) ListAdjustments(ctx context.Context, conn *gorm.DB, entitlementID snowflake.ID, afterSeq int64) ([]domain.Adjustment, error) {
	var items []domain.Adjustment
	err := conn.WithContext(ctx).Raw(
		`SELECT entitlement_id, seq, delta, created_at FROM entitlement_adjustments
		 WHERE entitlement_id = ? AND seq > ? ORDER BY seq`,
		entitlementID,
		afterSeq,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SaveState writes absolute balances only when both stored sequences still
// match, so a cache snapshot taken before a reset or a journaled write can
// never undo it.
func (r *repo) SaveState(ctx context.Context, conn *gorm.DB, state domain.BalanceState) (bool, error) {
	now := time.Now().UTC()
	res := conn.WithContext(ctx).Exec(
		`UPDATE customer_entitlements
		 SET granted_balance = ?, current_balance = ?, usage_amount = ?, next_reset_at = ?,
		     last_used_at = COALESCE(?, last_used_at), updated_at = ?
		 WHERE id = ? AND reset_seq = ? AND fallback_seq = ? AND retired_at IS NULL`,
		state.GrantedBalance,
		state.CurrentBalance,
		state.Usage,
		state.NextResetAt,
		state.LastUsedAt,
		now,
		state.EntitlementID,
		state.ResetSeq,
		state.FallbackSeq,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	for _, b := range state.Breakdowns {
		if err := conn.WithContext(ctx).Exec(
			`UPDATE entitlement_breakdowns
			 SET granted_balance = ?, current_balance = ?, usage_amount = ?, updated_at = ?
			 WHERE entitlement_id = ? AND entity_id = ?`,
			b.GrantedBalance,
			b.CurrentBalance,
			b.Usage,
			now,
			state.EntitlementID,
			b.EntityID,
		).Error; err != nil {
			return false, err
		}
	}
	for _, ro := range state.Rollovers {
		if err := conn.WithContext(ctx).Exec(
			`UPDATE entitlement_rollovers SET balance = ?, usage_amount = ? WHERE id = ? AND entitlement_id = ?`,
			ro.Balance,
			ro.Usage,
			ro.ID,
			state.EntitlementID,
		).Error; err != nil {
			return false, err
		}
	}
	return true, nil
}

// Fence bumps reset_seq without touching balances.
func (r *repo) Fence(ctx context.Context, conn *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return conn.WithContext(ctx).Exec(
		`UPDATE customer_entitlements SET reset_seq = reset_seq + 1, updated_at = ? WHERE id IN ?`,
		time.Now().UTC(),
		ids,
	).Error
}

func (r *repo) LockForReset(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, env string, customerID, subscriptionID snowflake.ID) ([]domain.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + `
		FROM customer_entitlements
		WHERE org_id = ? AND environment = ? AND customer_id = ? AND retired_at IS NULL`
	args := []any{orgID, env, customerID}
	if subscriptionID != 0 {
		query += " AND subscription_id = ?"
		args = append(args, subscriptionID)
	}
	query += " ORDER BY id ASC"
	if !db.IsSQLite(conn) {
		query += " FOR UPDATE"
	}

	var items []domain.Entitlement
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	if err := r.attach(ctx, conn, items, true); err != nil {
		return nil, err
	}
	return items, nil
}

// ClaimOverdue picks entitlements whose reset is past due. Subscription bound
// rows are only claimed after graceCutoff so the cycle signal gets first go.
func (r *repo) ClaimOverdue(ctx context.Context, conn *gorm.DB, now, graceCutoff time.Time, limit int) ([]domain.Entitlement, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + entitlementColumns + `
		FROM customer_entitlements
		WHERE retired_at IS NULL
		  AND reset_interval <> ?
		  AND next_reset_at IS NOT NULL
		  AND next_reset_at <= ?
		  AND (subscription_id IS NULL OR next_reset_at <= ?)
		ORDER BY next_reset_at ASC, id ASC
		LIMIT ?`
	if !db.IsSQLite(conn) {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var items []domain.Entitlement
	if err := conn.WithContext(ctx).Raw(query, domain.IntervalLifetime, now, graceCutoff, limit).Scan(&items).Error; err != nil {
		return nil, err
	}
	if err := r.attach(ctx, conn, items, true); err != nil {
		return nil, err
	}
	return items, nil
}

// ApplyReset restores the allowance, clears usage and bumps reset_seq. The
// journal of the closed period is dropped with it.
func (r *repo) ApplyReset(ctx context.Context, conn *gorm.DB, u domain.ResetUpdate) error {
	res := conn.WithContext(ctx).Exec(
		`UPDATE customer_entitlements
		 SET allowance = ?, granted_balance = ?, current_balance = ?, usage_amount = ?,
		     next_reset_at = ?, reset_seq = reset_seq + 1, updated_at = ?
		 WHERE id = ?`,
		u.Allowance,
		u.Allowance,
		u.Allowance,
		decimal.Zero,
		u.NextResetAt,
		u.At,
		u.EntitlementID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrEntitlementNotFound
	}
	if err := conn.WithContext(ctx).Exec(
		`UPDATE entitlement_breakdowns
		 SET granted_balance = allowance, current_balance = allowance, usage_amount = ?, updated_at = ?
		 WHERE entitlement_id = ?`,
		decimal.Zero,
		u.At,
		u.EntitlementID,
	).Error; err != nil {
		return err
	}
	return conn.WithContext(ctx).Exec(
		`DELETE FROM entitlement_adjustments WHERE entitlement_id = ?`,
		u.EntitlementID,
	).Error
}

// AdjustAllowance changes the allowance. With shiftBalance the granted and
// current balances move by the same delta, which is how lifetime grants change.
func (r *repo) AdjustAllowance(ctx context.Context, conn *gorm.DB, id snowflake.ID, allowance decimal.Decimal, shiftBalance bool, at time.Time) error {
	var res *gorm.DB
	if shiftBalance {
		res = conn.WithContext(ctx).Exec(
			`UPDATE customer_entitlements
			 SET granted_balance = granted_balance + (? - allowance),
			     current_balance = current_balance + (? - allowance),
			     allowance = ?, reset_seq = reset_seq + 1, updated_at = ?
			 WHERE id = ?`,
			allowance,
			allowance,
			allowance,
			at,
			id,
		)
	} else {
		res = conn.WithContext(ctx).Exec(
			`UPDATE customer_entitlements SET allowance = ?, updated_at = ? WHERE id = ?`,
			allowance,
			at,
			id,
		)
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrEntitlementNotFound
	}
	return nil
}

func (r *repo) DeleteExpiredRollovers(ctx context.Context, conn *gorm.DB, entitlementID snowflake.ID, now time.Time) (int64, error) {
	res := conn.WithContext(ctx).Exec(
		`DELETE FROM entitlement_rollovers WHERE entitlement_id = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		entitlementID,
		now,
	)
	return res.RowsAffected, res.Error
}
