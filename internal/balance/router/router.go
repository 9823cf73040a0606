// Package router decides which balance buckets absorb a usage event.
//
// Buckets are walked in a fixed order: priority, then the bucket that resets
// soonest, then creation time. Direct buckets of the feature go first, then
// credit buckets that price the feature, and only then overage is taken on
// buckets that allow it. Credits walk the same order backwards.
package router

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balanced/internal/balance/domain"
)

// creditPrecision is the number of decimal places credit conversions keep.
const creditPrecision = 10

// Step is the change routed onto a single bucket, in the bucket's own units.
// Positive values deduct.
type Step struct {
	BucketID     string
	Main         decimal.Decimal
	Breakdowns   map[string]decimal.Decimal
	Rollovers    map[string]decimal.Decimal
	FeatureUnits decimal.Decimal
}

type Result struct {
	Unlimited  bool
	Matched    int
	Requested  decimal.Decimal
	Applied    decimal.Decimal
	Disallowed decimal.Decimal
	Steps      []Step
}

// Changed lists the bucket ids touched by the result.
func (r Result) Changed() []string {
	out := make([]string, 0, len(r.Steps))
	seen := map[string]struct{}{}
	for _, s := range r.Steps {
		if _, ok := seen[s.BucketID]; ok {
			continue
		}
		seen[s.BucketID] = struct{}{}
		out = append(out, s.BucketID)
	}
	return out
}

type candidate struct {
	bucket *domain.Bucket
	cost   decimal.Decimal
	credit bool
}

func (c candidate) toBucketUnits(units decimal.Decimal) decimal.Decimal {
	if !c.credit {
		return units
	}
	return units.Mul(c.cost).Round(creditPrecision)
}

func (c candidate) toFeatureUnits(amount decimal.Decimal) decimal.Decimal {
	if !c.credit {
		return amount
	}
	return amount.DivRound(c.cost, creditPrecision)
}

// Route plans the deduction without touching rec.
func Route(rec *domain.Record, d domain.Deduction) Result {
	now := d.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	work := rec.Clone()

	direct, credit := candidates(work, d)
	if d.SetUsage != nil {
		credit = nil
	}
	res := Result{Matched: len(direct) + len(credit)}

	for _, c := range append(append([]candidate{}, direct...), credit...) {
		if c.bucket.Unlimited {
			res.Unlimited = true
			res.Requested = d.Amount
			return res
		}
	}

	amount := d.Amount
	if d.SetUsage != nil {
		amount = d.SetUsage.Sub(currentUsage(direct, d.EntityID))
	}
	res.Requested = amount

	switch amount.Sign() {
	case 0:
		return res
	case 1:
		deduct(&res, direct, credit, amount, d.EntityID, now)
	default:
		refund(&res, direct, credit, amount.Neg(), d.EntityID, now)
	}
	return res
}

func candidates(rec *domain.Record, d domain.Deduction) ([]candidate, []candidate) {
	var direct, credit []candidate
	for _, b := range rec.Buckets {
		if !eligible(b, d) {
			continue
		}
		if b.FeatureCode == d.FeatureCode {
			direct = append(direct, candidate{bucket: b})
			continue
		}
		for _, link := range rec.CreditLinks {
			if link.CreditFeature == b.FeatureCode && link.MeteredFeature == d.FeatureCode && link.Cost.IsPositive() {
				credit = append(credit, candidate{bucket: b, cost: link.Cost, credit: true})
				break
			}
		}
	}
	sortCandidates(direct)
	sortCandidates(credit)
	return direct, credit
}

func eligible(b *domain.Bucket, d domain.Deduction) bool {
	if d.EntitlementID != "" && b.ID != d.EntitlementID {
		return false
	}
	if d.Interval != "" && b.Interval != d.Interval {
		return false
	}
	if b.EntityID != "" && b.EntityID != d.EntityID {
		return false
	}
	// a bucket split per entity only serves the entities it has a share for
	if d.EntityID != "" && len(b.Breakdowns) > 0 && b.Breakdown(d.EntityID) == nil {
		return false
	}
	return true
}

func sortCandidates(items []candidate) {
	sort.SliceStable(items, func(i, j int) bool {
		return Less(items[i].bucket, items[j].bucket)
	})
}

// Less is the deduction order between two buckets.
func Less(a, b *domain.Bucket) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	switch {
	case a.NextResetAt == nil && b.NextResetAt != nil:
		return false
	case a.NextResetAt != nil && b.NextResetAt == nil:
		return true
	case a.NextResetAt != nil && !a.NextResetAt.Equal(*b.NextResetAt):
		return a.NextResetAt.Before(*b.NextResetAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func currentUsage(direct []candidate, entityID string) decimal.Decimal {
	total := decimal.Zero
	for _, c := range direct {
		if entityID != "" {
			if bd := c.bucket.Breakdown(entityID); bd != nil {
				total = total.Add(bd.Granted.Sub(bd.Current))
				continue
			}
		}
		total = total.Add(c.bucket.Usage())
	}
	return total
}

func deduct(res *Result, direct, credit []candidate, amount decimal.Decimal, entityID string, now time.Time) {
	ordered := append(append([]candidate{}, direct...), credit...)
	remaining := amount

	for _, overage := range []bool{false, true} {
		for _, c := range ordered {
			if !remaining.IsPositive() {
				break
			}
			if overage && !c.bucket.OverageAllowed {
				continue
			}
			need := c.toBucketUnits(remaining)
			var room decimal.Decimal
			if overage {
				room = overageRoom(c.bucket, entityID, need)
			} else {
				room = available(c.bucket, entityID, now)
			}
			take := decimal.Min(need, room)
			if !take.IsPositive() {
				continue
			}

			covered := remaining
			if !take.Equal(need) {
				covered = decimal.Min(remaining, c.toFeatureUnits(take))
			}
			step := consume(c.bucket, entityID, take, overage, now)
			step.FeatureUnits = covered
			res.Steps = append(res.Steps, step)
			remaining = remaining.Sub(covered)
		}
	}

	res.Applied = amount.Sub(remaining)
	res.Disallowed = remaining
}

func available(b *domain.Bucket, entityID string, now time.Time) decimal.Decimal {
	if entityID != "" {
		if bd := b.Breakdown(entityID); bd != nil {
			return positive(bd.Current)
		}
	}
	if len(b.Breakdowns) > 0 {
		total := decimal.Zero
		for _, bd := range b.Breakdowns {
			total = total.Add(positive(bd.Current))
		}
		return total
	}
	total := positive(b.Current)
	for _, r := range b.LiveRollovers(now) {
		total = total.Add(positive(r.Balance))
	}
	return total
}

// overageRoom is how far below zero the scope may still go.
func overageRoom(b *domain.Bucket, entityID string, need decimal.Decimal) decimal.Decimal {
	if !b.OverageLimit.Valid {
		return need
	}
	current := b.Current
	if entityID != "" {
		if bd := b.Breakdown(entityID); bd != nil {
			current = bd.Current
		}
	}
	return positive(current.Add(b.OverageLimit.Decimal))
}

// consume takes x bucket units, rollovers first, then the main balance.
func consume(b *domain.Bucket, entityID string, x decimal.Decimal, overage bool, now time.Time) Step {
	step := Step{BucketID: b.ID}
	left := x

	if entityID != "" {
		if bd := b.Breakdown(entityID); bd != nil {
			step.addBreakdown(bd.EntityID, left)
			step.Main = left
			applyStep(b, step)
			return step
		}
	}

	if len(b.Breakdowns) > 0 {
		for _, bd := range b.Breakdowns {
			if !left.IsPositive() {
				break
			}
			part := left
			if !overage {
				part = decimal.Min(left, positive(bd.Current))
			}
			if !part.IsPositive() {
				continue
			}
			step.addBreakdown(bd.EntityID, part)
			left = left.Sub(part)
		}
		step.Main = x.Sub(left)
		applyStep(b, step)
		return step
	}

	if !overage {
		for _, r := range b.LiveRollovers(now) {
			if !left.IsPositive() {
				break
			}
			part := decimal.Min(left, positive(r.Balance))
			if !part.IsPositive() {
				continue
			}
			step.addRollover(r.ID, part)
			left = left.Sub(part)
		}
	}
	step.Main = left
	applyStep(b, step)
	return step
}

func refund(res *Result, direct, credit []candidate, amount decimal.Decimal, entityID string, now time.Time) {
	ordered := make([]candidate, 0, len(direct)+len(credit))
	for i := len(credit) - 1; i >= 0; i-- {
		ordered = append(ordered, credit[i])
	}
	for i := len(direct) - 1; i >= 0; i-- {
		ordered = append(ordered, direct[i])
	}

	remaining := amount
	for _, c := range ordered {
		if !remaining.IsPositive() {
			break
		}
		need := c.toBucketUnits(remaining)
		take := decimal.Min(need, headroom(c.bucket, entityID, now))
		if !take.IsPositive() {
			continue
		}
		covered := remaining
		if !take.Equal(need) {
			covered = decimal.Min(remaining, c.toFeatureUnits(take))
		}
		step := restore(c.bucket, entityID, take, now)
		step.FeatureUnits = covered.Neg()
		res.Steps = append(res.Steps, step)
		remaining = remaining.Sub(covered)
	}

	res.Requested = amount.Neg()
	res.Applied = amount.Sub(remaining).Neg()
	res.Disallowed = remaining
}

// headroom is how much can be credited back before reaching the grant.
func headroom(b *domain.Bucket, entityID string, now time.Time) decimal.Decimal {
	if entityID != "" {
		if bd := b.Breakdown(entityID); bd != nil {
			return positive(bd.Granted.Sub(bd.Current))
		}
	}
	if len(b.Breakdowns) > 0 {
		total := decimal.Zero
		for _, bd := range b.Breakdowns {
			total = total.Add(positive(bd.Granted.Sub(bd.Current)))
		}
		return total
	}
	total := positive(b.Granted.Sub(b.Current))
	for _, r := range b.LiveRollovers(now) {
		total = total.Add(positive(r.Usage))
	}
	return total
}

// restore credits x bucket units back: main balance first, then rollovers.
func restore(b *domain.Bucket, entityID string, x decimal.Decimal, now time.Time) Step {
	step := Step{BucketID: b.ID}
	left := x

	if entityID != "" {
		if bd := b.Breakdown(entityID); bd != nil {
			step.addBreakdown(bd.EntityID, left.Neg())
			step.Main = left.Neg()
			applyStep(b, step)
			return step
		}
	}

	if len(b.Breakdowns) > 0 {
		for i := len(b.Breakdowns) - 1; i >= 0 && left.IsPositive(); i-- {
			bd := b.Breakdowns[i]
			part := decimal.Min(left, positive(bd.Granted.Sub(bd.Current)))
			if !part.IsPositive() {
				continue
			}
			step.addBreakdown(bd.EntityID, part.Neg())
			left = left.Sub(part)
		}
		step.Main = x.Sub(left).Neg()
		applyStep(b, step)
		return step
	}

	main := decimal.Min(left, positive(b.Granted.Sub(b.Current)))
	left = left.Sub(main)
	step.Main = main.Neg()

	live := b.LiveRollovers(now)
	for i := len(live) - 1; i >= 0 && left.IsPositive(); i-- {
		r := live[i]
		part := decimal.Min(left, positive(r.Usage))
		if !part.IsPositive() {
			continue
		}
		step.addRollover(r.ID, part.Neg())
		left = left.Sub(part)
	}
	applyStep(b, step)
	return step
}

func (s *Step) addBreakdown(entityID string, v decimal.Decimal) {
	if s.Breakdowns == nil {
		s.Breakdowns = map[string]decimal.Decimal{}
	}
	s.Breakdowns[entityID] = s.Breakdowns[entityID].Add(v)
}

func (s *Step) addRollover(id string, v decimal.Decimal) {
	if s.Rollovers == nil {
		s.Rollovers = map[string]decimal.Decimal{}
	}
	s.Rollovers[id] = s.Rollovers[id].Add(v)
}

func positive(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
