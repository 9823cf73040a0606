package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	entdomain "github.com/smallbiznis/balanced/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/balanced/internal/feature/domain"
)

// CustomerKey scopes every cached record and every sync batch.
type CustomerKey struct {
	OrgID       snowflake.ID
	Environment string
	CustomerID  snowflake.ID
}

func (k CustomerKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.OrgID.String(), k.Environment, k.CustomerID.String())
}

func (k CustomerKey) Valid() bool {
	return k.OrgID != 0 && k.CustomerID != 0 && k.Environment != ""
}

// Record is the cached balance snapshot of one customer.
type Record struct {
	Key         CustomerKey
	FetchedAt   int64 // unix ms of the durable read it was built from
	Features    []string
	CreditLinks []CreditLink
	Buckets     map[string]*Bucket
}

// CreditLink prices one unit of MeteredFeature at Cost credits of CreditFeature.
type CreditLink struct {
	CreditFeature  string          `json:"credit_feature"`
	MeteredFeature string          `json:"metered_feature"`
	Cost           decimal.Decimal `json:"cost"`
}

type Bucket struct {
	ID             string              `json:"id"`
	FeatureCode    string              `json:"feature_code"`
	EntityID       string              `json:"entity_id,omitempty"`
	Allowance      decimal.Decimal     `json:"allowance"`
	Granted        decimal.Decimal     `json:"granted"`
	Current        decimal.Decimal     `json:"current"`
	Unlimited      bool                `json:"unlimited,omitempty"`
	OverageAllowed bool                `json:"overage_allowed,omitempty"`
	OverageLimit   decimal.NullDecimal `json:"overage_limit"`
	Priority       int                 `json:"priority"`
	Interval       string              `json:"interval"`
	NextResetAt    *time.Time          `json:"next_reset_at,omitempty"`
	ResetSeq       int64               `json:"reset_seq"`
	FallbackSeq    int64               `json:"fallback_seq,omitempty"`
	LastUsedAt     *time.Time          `json:"last_used_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	Breakdowns     []*Breakdown        `json:"breakdowns,omitempty"`
	Rollovers      []*Rollover         `json:"rollovers,omitempty"`
}

type Breakdown struct {
	EntityID string          `json:"entity_id"`
	Granted  decimal.Decimal `json:"granted"`
	Current  decimal.Decimal `json:"current"`
}

type Rollover struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Usage     decimal.Decimal `json:"usage"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func (b *Bucket) Usage() decimal.Decimal {
	return b.Granted.Sub(b.Current)
}

func (b *Bucket) Breakdown(entityID string) *Breakdown {
	for _, bd := range b.Breakdowns {
		if bd.EntityID == entityID {
			return bd
		}
	}
	return nil
}

// LiveRollovers returns spendable rollovers, oldest expiry first.
func (b *Bucket) LiveRollovers(now time.Time) []*Rollover {
	out := make([]*Rollover, 0, len(b.Rollovers))
	for _, r := range b.Rollovers {
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, c := out[i].ExpiresAt, out[j].ExpiresAt
		switch {
		case a == nil && c == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case c == nil:
			return true
		case !a.Equal(*c):
			return a.Before(*c)
		default:
			return out[i].ID < out[j].ID
		}
	})
	return out
}

// Balance is the spendable amount including live rollovers.
func (b *Bucket) Balance(now time.Time) decimal.Decimal {
	total := b.Current
	for _, r := range b.LiveRollovers(now) {
		total = total.Add(r.Balance)
	}
	return total
}

// Clone deep copies the bucket so routing can run on scratch state.
func (b *Bucket) Clone() *Bucket {
	out := *b
	out.Breakdowns = make([]*Breakdown, len(b.Breakdowns))
	for i, bd := range b.Breakdowns {
		c := *bd
		out.Breakdowns[i] = &c
	}
	out.Rollovers = make([]*Rollover, len(b.Rollovers))
	for i, r := range b.Rollovers {
		c := *r
		out.Rollovers[i] = &c
	}
	return &out
}

func (r *Record) Clone() *Record {
	out := *r
	out.Buckets = make(map[string]*Bucket, len(r.Buckets))
	for id, b := range r.Buckets {
		out.Buckets[id] = b.Clone()
	}
	return &out
}

// HasFeature reports whether the customer can spend on code, directly or via credits.
func (r *Record) HasFeature(code string) bool {
	for _, f := range r.Features {
		if f == code {
			return true
		}
	}
	for _, l := range r.CreditLinks {
		if l.MeteredFeature == code {
			return true
		}
	}
	return false
}

// NewRecord builds a record from durable rows.
func NewRecord(key CustomerKey, ents []entdomain.Entitlement, creditSystems []featuredomain.Feature, fetchedAt time.Time) *Record {
	rec := &Record{
		Key:       key,
		FetchedAt: fetchedAt.UnixMilli(),
		Buckets:   make(map[string]*Bucket, len(ents)),
	}

	seen := map[string]struct{}{}
	for _, e := range ents {
		rec.Buckets[e.ID.String()] = BucketFromEntitlement(e)
		if _, ok := seen[e.FeatureCode]; !ok {
			seen[e.FeatureCode] = struct{}{}
			rec.Features = append(rec.Features, e.FeatureCode)
		}
	}
	sort.Strings(rec.Features)

	for _, f := range creditSystems {
		if _, ok := seen[f.Code]; !ok {
			continue
		}
		items, err := f.Schema()
		if err != nil {
			continue
		}
		for _, item := range items {
			if !item.CreditCost.IsPositive() {
				continue
			}
			rec.CreditLinks = append(rec.CreditLinks, CreditLink{
				CreditFeature:  f.Code,
				MeteredFeature: item.MeteredFeatureCode,
				Cost:           item.CreditCost,
			})
		}
	}
	return rec
}

func BucketFromEntitlement(e entdomain.Entitlement) *Bucket {
	b := &Bucket{
		ID:             e.ID.String(),
		FeatureCode:    e.FeatureCode,
		Allowance:      e.Allowance,
		Granted:        e.GrantedBalance,
		Current:        e.CurrentBalance,
		Unlimited:      e.Unlimited,
		OverageAllowed: e.OverageAllowed,
		OverageLimit:   e.OverageLimit,
		Priority:       e.Priority,
		Interval:       string(e.ResetInterval),
		NextResetAt:    e.NextResetAt,
		ResetSeq:       e.ResetSeq,
		FallbackSeq:    e.FallbackSeq,
		LastUsedAt:     e.LastUsedAt,
		CreatedAt:      e.CreatedAt,
	}
	if e.EntityID != nil {
		b.EntityID = e.EntityID.String()
	}
	for _, bd := range e.Breakdowns {
		b.Breakdowns = append(b.Breakdowns, &Breakdown{
			EntityID: bd.EntityID.String(),
			Granted:  bd.GrantedBalance,
			Current:  bd.CurrentBalance,
		})
	}
	for _, r := range e.Rollovers {
		b.Rollovers = append(b.Rollovers, &Rollover{
			ID:        r.ID.String(),
			Balance:   r.Balance,
			Usage:     r.Usage,
			ExpiresAt: r.ExpiresAt,
		})
	}
	return b
}

// ApplyDelta folds a relative durable write into the bucket.
func (b *Bucket) ApplyDelta(d entdomain.Delta) {
	b.Current = b.Current.Sub(d.Amount)
	for entityID, amount := range d.Breakdowns {
		if bd := b.Breakdown(entityID.String()); bd != nil {
			bd.Current = bd.Current.Sub(amount)
		}
	}
	for rolloverID, amount := range d.Rollovers {
		for _, r := range b.Rollovers {
			if r.ID == rolloverID.String() {
				r.Balance = r.Balance.Sub(amount)
				r.Usage = r.Usage.Add(amount)
			}
		}
	}
	if d.LastUsedAt != nil && (b.LastUsedAt == nil || d.LastUsedAt.After(*b.LastUsedAt)) {
		at := *d.LastUsedAt
		b.LastUsedAt = &at
	}
}

// State converts the bucket into the absolute form persisted by the sync path.
func (b *Bucket) State() (entdomain.BalanceState, error) {
	id, err := snowflake.ParseString(b.ID)
	if err != nil {
		return entdomain.BalanceState{}, err
	}
	state := entdomain.BalanceState{
		EntitlementID:  id,
		GrantedBalance: b.Granted,
		CurrentBalance: b.Current,
		Usage:          b.Usage(),
		NextResetAt:    b.NextResetAt,
		LastUsedAt:     b.LastUsedAt,
		ResetSeq:       b.ResetSeq,
		FallbackSeq:    b.FallbackSeq,
	}
	for _, bd := range b.Breakdowns {
		entityID, err := snowflake.ParseString(bd.EntityID)
		if err != nil {
			return entdomain.BalanceState{}, err
		}
		state.Breakdowns = append(state.Breakdowns, entdomain.BreakdownState{
			EntityID:       entityID,
			GrantedBalance: bd.Granted,
			CurrentBalance: bd.Current,
			Usage:          bd.Granted.Sub(bd.Current),
		})
	}
	for _, r := range b.Rollovers {
		rid, err := snowflake.ParseString(r.ID)
		if err != nil {
			return entdomain.BalanceState{}, err
		}
		state.Rollovers = append(state.Rollovers, entdomain.RolloverState{ID: rid, Balance: r.Balance, Usage: r.Usage})
	}
	return state, nil
}
