package router

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	entdomain "github.com/smallbiznis/balanced/internal/entitlement/domain"
)

// Apply replays a routed result onto rec and stamps last use on every bucket
// that absorbed a deduction.
func Apply(rec *domain.Record, res Result, now time.Time) []string {
	for _, step := range res.Steps {
		b, ok := rec.Buckets[step.BucketID]
		if !ok {
			continue
		}
		applyStep(b, step)
		if step.FeatureUnits.IsPositive() {
			at := now
			b.LastUsedAt = &at
		}
	}
	return res.Changed()
}

func applyStep(b *domain.Bucket, step Step) {
	b.Current = b.Current.Sub(step.Main)
	for entityID, v := range step.Breakdowns {
		if bd := b.Breakdown(entityID); bd != nil {
			bd.Current = bd.Current.Sub(v)
		}
	}
	for id, v := range step.Rollovers {
		for _, r := range b.Rollovers {
			if r.ID == id {
				r.Balance = r.Balance.Sub(v)
				r.Usage = r.Usage.Add(v)
			}
		}
	}
}

// Deltas converts a result into the relative writes of the durable store.
func Deltas(res Result, now time.Time) ([]entdomain.Delta, error) {
	out := make([]entdomain.Delta, 0, len(res.Steps))
	index := map[snowflake.ID]int{}
	for _, step := range res.Steps {
		id, err := snowflake.ParseString(step.BucketID)
		if err != nil {
			return nil, err
		}
		pos, ok := index[id]
		if !ok {
			out = append(out, entdomain.Delta{EntitlementID: id})
			pos = len(out) - 1
			index[id] = pos
		}
		d := &out[pos]
		d.Amount = d.Amount.Add(step.Main)
		for entityID, v := range step.Breakdowns {
			eid, err := snowflake.ParseString(entityID)
			if err != nil {
				return nil, err
			}
			if d.Breakdowns == nil {
				d.Breakdowns = map[snowflake.ID]decimal.Decimal{}
			}
			d.Breakdowns[eid] = d.Breakdowns[eid].Add(v)
		}
		for rid, v := range step.Rollovers {
			parsed, err := snowflake.ParseString(rid)
			if err != nil {
				return nil, err
			}
			if d.Rollovers == nil {
				d.Rollovers = map[snowflake.ID]decimal.Decimal{}
			}
			d.Rollovers[parsed] = d.Rollovers[parsed].Add(v)
		}
		if step.FeatureUnits.IsPositive() {
			at := now
			d.LastUsedAt = &at
		}
	}
	return out, nil
}
