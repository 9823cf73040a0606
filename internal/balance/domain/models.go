package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WriteCode is the outcome of a guarded cache write.
type WriteCode string

const (
	WriteOK          WriteCode = "OK"
	WriteStale       WriteCode = "STALE_WRITE"
	WriteCacheExists WriteCode = "CACHE_EXISTS"
)

// Deduction describes what to take from (or give back to) a customer's balances.
type Deduction struct {
	FeatureCode   string
	Amount        decimal.Decimal  // positive deducts, negative credits back
	SetUsage      *decimal.Decimal // absolute usage target, replaces Amount
	EntitlementID string           // restrict to one bucket
	Interval      string           // restrict to buckets with this reset interval
	EntityID      string
	Now           time.Time
}

type TrackRequest struct {
	CustomerID     string
	EntityID       string
	FeatureCode    string
	Amount         decimal.Decimal
	SetUsage       *decimal.Decimal
	EntitlementID  string
	Interval       string
	IdempotencyKey string
}

type TrackResponse struct {
	Allowed      bool
	Unlimited    bool
	Code         WriteCode
	FallbackUsed bool
	Requested    decimal.Decimal
	Disallowed   decimal.Decimal
	Balance      decimal.Decimal
	Balances     []BalanceView
}

// UpdateBalanceRequest overwrites balances of one bucket. Omitted fields keep
// their stored value.
type UpdateBalanceRequest struct {
	CustomerID     string
	EntityID       string
	FeatureCode    string
	EntitlementID  string
	CurrentBalance *decimal.Decimal
	GrantedBalance *decimal.Decimal
	NextResetAt    *time.Time
}

type CheckRequest struct {
	CustomerID  string
	EntityID    string
	FeatureCode string
	Required    decimal.Decimal
}

type CheckResponse struct {
	Allowed   bool
	Unlimited bool
	Balance   decimal.Decimal
}

type BalanceView struct {
	EntitlementID  string
	FeatureCode    string
	EntityID       string
	Granted        decimal.Decimal
	Current        decimal.Decimal
	Usage          decimal.Decimal
	Rollover       decimal.Decimal
	Unlimited      bool
	OverageAllowed bool
	NextResetAt    *time.Time
	LastUsedAt     *time.Time
}

// View renders the bucket for callers, narrowed to one entity when given.
func (b *Bucket) View(entityID string, now time.Time) BalanceView {
	v := BalanceView{
		EntitlementID:  b.ID,
		FeatureCode:    b.FeatureCode,
		EntityID:       b.EntityID,
		Granted:        b.Granted,
		Current:        b.Current,
		Usage:          b.Usage(),
		Unlimited:      b.Unlimited,
		OverageAllowed: b.OverageAllowed,
		NextResetAt:    b.NextResetAt,
		LastUsedAt:     b.LastUsedAt,
	}
	for _, r := range b.LiveRollovers(now) {
		v.Rollover = v.Rollover.Add(r.Balance)
	}
	if entityID != "" {
		if bd := b.Breakdown(entityID); bd != nil {
			v.EntityID = entityID
			v.Granted = bd.Granted
			v.Current = bd.Current
			v.Usage = bd.Granted.Sub(bd.Current)
			v.Rollover = decimal.Zero
		}
	}
	return v
}
