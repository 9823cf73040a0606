package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Delta is a relative change against one entitlement. Positive amounts deduct.
type Delta struct {
	EntitlementID snowflake.ID                     `json:"entitlement_id"`
	Amount        decimal.Decimal                  `json:"amount"`
	Breakdowns    map[snowflake.ID]decimal.Decimal `json:"breakdowns,omitempty"` // keyed by entity id
	Rollovers     map[snowflake.ID]decimal.Decimal `json:"rollovers,omitempty"`  // keyed by rollover id
	LastUsedAt    *time.Time                       `json:"last_used_at,omitempty"`
}

// BalanceState is the absolute balance of one entitlement as the cache last saw it.
type BalanceState struct {
	EntitlementID  snowflake.ID
	GrantedBalance decimal.Decimal
	CurrentBalance decimal.Decimal
	Usage          decimal.Decimal
	NextResetAt    *time.Time
	LastUsedAt     *time.Time
	ResetSeq       int64
	FallbackSeq    int64
	Breakdowns     []BreakdownState
	Rollovers      []RolloverState
}

type BreakdownState struct {
	EntityID       snowflake.ID
	GrantedBalance decimal.Decimal
	CurrentBalance decimal.Decimal
	Usage          decimal.Decimal
}

type RolloverState struct {
	ID      snowflake.ID
	Balance decimal.Decimal
	Usage   decimal.Decimal
}

// Sequences are the fencing counters of one entitlement row.
type Sequences struct {
	ResetSeq    int64
	FallbackSeq int64
}

// ResetUpdate moves an entitlement into a new period.
type ResetUpdate struct {
	EntitlementID snowflake.ID
	Allowance     decimal.Decimal
	NextResetAt   *time.Time
	At            time.Time
}

// Store is the durable system of record for balances. Every method takes the
// gorm handle to run on so callers can compose them inside one transaction.
type Store interface {
	Insert(ctx context.Context, db *gorm.DB, ent *Entitlement) error
	InsertBreakdown(ctx context.Context, db *gorm.DB, b *Breakdown) error
	InsertRollover(ctx context.Context, db *gorm.DB, r *Rollover) error

	ReadEntitlements(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) ([]Entitlement, error)
	LockEntitlements(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) ([]Entitlement, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Entitlement, error)

	WriteEntitlements(ctx context.Context, db *gorm.DB, customerID snowflake.ID, deltas []Delta) error
	SaveState(ctx context.Context, db *gorm.DB, state BalanceState) (bool, error)
	Fence(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error
	LockSequences(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (map[snowflake.ID]Sequences, error)
	ListAdjustments(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID, afterSeq int64) ([]Adjustment, error)

	LockForReset(ctx context.Context, db *gorm.DB, orgID snowflake.ID, env string, customerID, subscriptionID snowflake.ID) ([]Entitlement, error)
	ClaimOverdue(ctx context.Context, db *gorm.DB, now, graceCutoff time.Time, limit int) ([]Entitlement, error)
	ApplyReset(ctx context.Context, db *gorm.DB, update ResetUpdate) error
	AdjustAllowance(ctx context.Context, db *gorm.DB, id snowflake.ID, allowance decimal.Decimal, shiftBalance bool, at time.Time) error
	DeleteExpiredRollovers(ctx context.Context, db *gorm.DB, entitlementID snowflake.ID, now time.Time) (int64, error)
}

var (
	ErrEntitlementNotFound = errors.New("entitlement_not_found")
	ErrCustomerMismatch    = errors.New("entitlement_customer_mismatch")
)
