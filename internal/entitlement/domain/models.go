// Package domain contains the durable balance models: one row per customer
// entitlement plus optional per-entity breakdowns and carried-over rollovers.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type ResetInterval string

const (
	IntervalDay      ResetInterval = "day"
	IntervalWeek     ResetInterval = "week"
	IntervalMonth    ResetInterval = "month"
	IntervalQuarter  ResetInterval = "quarter"
	IntervalYear     ResetInterval = "year"
	IntervalLifetime ResetInterval = "lifetime"
)

// CycleAligned intervals follow the subscription period; shorter ones keep their own cadence.
func (i ResetInterval) CycleAligned() bool {
	switch i {
	case IntervalMonth, IntervalQuarter, IntervalYear:
		return true
	default:
		return false
	}
}

// Advance moves t forward by count intervals.
func (i ResetInterval) Advance(t time.Time, count int) time.Time {
	if count <= 0 {
		count = 1
	}
	switch i {
	case IntervalDay:
		return t.AddDate(0, 0, count)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*count)
	case IntervalMonth:
		return t.AddDate(0, count, 0)
	case IntervalQuarter:
		return t.AddDate(0, 3*count, 0)
	case IntervalYear:
		return t.AddDate(count, 0, 0)
	default:
		return t
	}
}

type RolloverDuration string

const (
	RolloverForever RolloverDuration = "forever"
	RolloverDay     RolloverDuration = "day"
	RolloverWeek    RolloverDuration = "week"
	RolloverMonth   RolloverDuration = "month"
)

// ExpiryFrom returns when a rollover created at t expires, nil when it never does.
func (d RolloverDuration) ExpiryFrom(t time.Time, count int) *time.Time {
	if count <= 0 {
		count = 1
	}
	var out time.Time
	switch d {
	case RolloverDay:
		out = t.AddDate(0, 0, count)
	case RolloverWeek:
		out = t.AddDate(0, 0, 7*count)
	case RolloverMonth:
		out = t.AddDate(0, count, 0)
	default:
		return nil
	}
	return &out
}

type Entitlement struct {
	ID             snowflake.ID  `gorm:"primaryKey;autoIncrement:false"`
	OrgID          snowflake.ID  `gorm:"not null;index:ix_entitlements_customer,priority:1"`
	Environment    string        `gorm:"type:text;not null;index:ix_entitlements_customer,priority:2"`
	CustomerID     snowflake.ID  `gorm:"not null;index:ix_entitlements_customer,priority:3"`
	EntityID       *snowflake.ID `gorm:"column:entity_id"`
	SubscriptionID *snowflake.ID `gorm:"column:subscription_id;index"`
	FeatureID      snowflake.ID  `gorm:"not null"`
	FeatureCode    string        `gorm:"type:text;not null"` // snapshot

	Allowance      decimal.Decimal     `gorm:"type:numeric;not null"`
	GrantedBalance decimal.Decimal     `gorm:"type:numeric;not null"`
	CurrentBalance decimal.Decimal     `gorm:"type:numeric;not null"`
	Usage          decimal.Decimal     `gorm:"column:usage_amount;type:numeric;not null"`
	Unlimited      bool                `gorm:"not null;default:false"`
	OverageAllowed bool                `gorm:"not null;default:false"`
	OverageLimit   decimal.NullDecimal `gorm:"type:numeric"`
	Priority       int                 `gorm:"not null;default:0"`

	ResetInterval ResetInterval `gorm:"type:text;not null"`
	IntervalCount int           `gorm:"not null;default:1"`
	NextResetAt   *time.Time    `gorm:"index"`
	ResetSeq      int64         `gorm:"not null;default:0"`
	FallbackSeq   int64         `gorm:"not null;default:0"`

	RolloverMax           decimal.NullDecimal `gorm:"type:numeric"`
	RolloverDuration      RolloverDuration    `gorm:"type:text"`
	RolloverDurationCount int                 `gorm:"not null;default:1"`

	LastUsedAt *time.Time
	RetiredAt  *time.Time
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`

	Breakdowns []Breakdown `gorm:"-"`
	Rollovers  []Rollover  `gorm:"-"`
}

func (Entitlement) TableName() string { return "customer_entitlements" }

// Lifetime entitlements never reset.
func (e Entitlement) Lifetime() bool {
	return e.ResetInterval == IntervalLifetime || e.NextResetAt == nil
}

type Breakdown struct {
	ID             snowflake.ID    `gorm:"primaryKey;autoIncrement:false"`
	EntitlementID  snowflake.ID    `gorm:"not null;uniqueIndex:ux_breakdowns_entity,priority:1"`
	EntityID       snowflake.ID    `gorm:"not null;uniqueIndex:ux_breakdowns_entity,priority:2"`
	Allowance      decimal.Decimal `gorm:"type:numeric;not null"`
	GrantedBalance decimal.Decimal `gorm:"type:numeric;not null"`
	CurrentBalance decimal.Decimal `gorm:"type:numeric;not null"`
	Usage          decimal.Decimal `gorm:"column:usage_amount;type:numeric;not null"`
	UpdatedAt      time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Breakdown) TableName() string { return "entitlement_breakdowns" }

type Rollover struct {
	ID            snowflake.ID    `gorm:"primaryKey;autoIncrement:false"`
	EntitlementID snowflake.ID    `gorm:"not null;index"`
	Balance       decimal.Decimal `gorm:"type:numeric;not null"`
	Usage         decimal.Decimal `gorm:"column:usage_amount;type:numeric;not null"`
	ExpiresAt     *time.Time
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Rollover) TableName() string { return "entitlement_rollovers" }

// Adjustment journals a relative write made while the cache was bypassed.
// Seq matches the entitlement's fallback_seq after the write.
type Adjustment struct {
	EntitlementID snowflake.ID   `gorm:"primaryKey;autoIncrement:false"`
	Seq           int64          `gorm:"primaryKey;autoIncrement:false"`
	Delta         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Adjustment) TableName() string { return "entitlement_adjustments" }

// Decode returns the journaled delta.
func (a Adjustment) Decode() (Delta, error) {
	var d Delta
	if err := json.Unmarshal(a.Delta, &d); err != nil {
		return Delta{}, fmt.Errorf("decode adjustment %s/%d: %w", a.EntitlementID, a.Seq, err)
	}
	return d, nil
}

// Expired reports whether the rollover can no longer be spent at now.
func (r Rollover) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}
