package router

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func ptrDec(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func bucket(id, feature string, granted, current string) *domain.Bucket {
	return &domain.Bucket{
		ID:          id,
		FeatureCode: feature,
		Granted:     dec(granted),
		Current:     dec(current),
		Interval:    "month",
		CreatedAt:   baseTime,
	}
}

func record(buckets ...*domain.Bucket) *domain.Record {
	rec := &domain.Record{Buckets: map[string]*domain.Bucket{}}
	for _, b := range buckets {
		rec.Buckets[b.ID] = b
	}
	return rec
}

func deduction(feature, amount string) domain.Deduction {
	return domain.Deduction{FeatureCode: feature, Amount: dec(amount), Now: baseTime}
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestRouteDrainsByPriority(t *testing.T) {
	low := bucket("1", "api_calls", "10", "10")
	low.Priority = 1
	high := bucket("2", "api_calls", "5", "5")
	rec := record(low, high)

	res := Route(rec, deduction("api_calls", "8"))
	Apply(rec, res, baseTime)

	assertDec(t, "0", high.Current)
	assertDec(t, "7", low.Current)
	assertDec(t, "0", res.Disallowed)
	assert.Equal(t, []string{"2", "1"}, res.Changed())
}

func TestRoutePrefersSoonerReset(t *testing.T) {
	soon := baseTime.Add(24 * time.Hour)
	later := baseTime.Add(72 * time.Hour)

	a := bucket("1", "seats", "5", "5")
	a.NextResetAt = &later
	b := bucket("2", "seats", "5", "5")
	b.NextResetAt = &soon
	c := bucket("3", "seats", "5", "5") // lifetime, drained last
	rec := record(a, b, c)

	res := Route(rec, deduction("seats", "12"))
	Apply(rec, res, baseTime)

	assertDec(t, "0", b.Current)
	assertDec(t, "0", a.Current)
	assertDec(t, "3", c.Current)
}

func TestRouteFallsBackToCredits(t *testing.T) {
	direct := bucket("1", "tokens", "2", "2")
	credits := bucket("2", "credits", "100", "100")
	rec := record(direct, credits)
	rec.CreditLinks = []domain.CreditLink{{CreditFeature: "credits", MeteredFeature: "tokens", Cost: dec("0.5")}}

	res := Route(rec, deduction("tokens", "6"))
	Apply(rec, res, baseTime)

	assertDec(t, "0", direct.Current)
	assertDec(t, "98", credits.Current)
	assertDec(t, "6", res.Applied)
}

func TestRouteRoundsCreditCost(t *testing.T) {
	credits := bucket("1", "credits", "10", "10")
	rec := record(credits)
	rec.CreditLinks = []domain.CreditLink{{CreditFeature: "credits", MeteredFeature: "tokens", Cost: dec("0.33333333333")}}

	res := Route(rec, deduction("tokens", "3"))
	Apply(rec, res, baseTime)

	// 3 * 0.33333333333 rounds half-up at 10 places
	assertDec(t, "9.0000000000", credits.Current)
}

func TestRouteOverageRespectsLimit(t *testing.T) {
	b := bucket("1", "api_calls", "3", "3")
	b.OverageAllowed = true
	b.OverageLimit = decimal.NewNullDecimal(dec("5"))
	rec := record(b)

	res := Route(rec, deduction("api_calls", "10"))
	Apply(rec, res, baseTime)

	assertDec(t, "-5", b.Current)
	assertDec(t, "8", res.Applied)
	assertDec(t, "2", res.Disallowed)
}

func TestRouteOverageRunsAfterAllPositiveBalances(t *testing.T) {
	first := bucket("1", "api_calls", "3", "3")
	first.OverageAllowed = true
	second := bucket("2", "api_calls", "4", "4")
	second.Priority = 1
	rec := record(first, second)

	res := Route(rec, deduction("api_calls", "10"))
	Apply(rec, res, baseTime)

	assertDec(t, "0", second.Current)
	assertDec(t, "-3", first.Current)
	assertDec(t, "0", res.Disallowed)
}

func TestRouteRefundCapsAtGranted(t *testing.T) {
	b := bucket("1", "api_calls", "10", "4")
	rec := record(b)

	res := Route(rec, deduction("api_calls", "-8"))
	Apply(rec, res, baseTime)

	assertDec(t, "10", b.Current)
	assertDec(t, "-6", res.Applied)
	assertDec(t, "2", res.Disallowed)
}

func TestRouteRefundWalksCreditsFirst(t *testing.T) {
	direct := bucket("1", "tokens", "5", "0")
	credits := bucket("2", "credits", "10", "8")
	rec := record(direct, credits)
	rec.CreditLinks = []domain.CreditLink{{CreditFeature: "credits", MeteredFeature: "tokens", Cost: dec("1")}}

	res := Route(rec, deduction("tokens", "-3"))
	Apply(rec, res, baseTime)

	assertDec(t, "10", credits.Current)
	assertDec(t, "1", direct.Current)
}

func TestRouteConsumesRolloversFirst(t *testing.T) {
	soon := baseTime.Add(time.Hour)
	gone := baseTime.Add(-time.Hour)

	b := bucket("1", "api_calls", "10", "10")
	b.Rollovers = []*domain.Rollover{
		{ID: "11", Balance: dec("50"), ExpiresAt: &gone},
		{ID: "12", Balance: dec("5"), ExpiresAt: &soon},
	}
	rec := record(b)

	res := Route(rec, deduction("api_calls", "7"))
	Apply(rec, res, baseTime)

	assertDec(t, "50", b.Rollovers[0].Balance)
	assertDec(t, "0", b.Rollovers[1].Balance)
	assertDec(t, "5", b.Rollovers[1].Usage)
	assertDec(t, "8", b.Current)
}

func TestRouteSetUsage(t *testing.T) {
	b := bucket("1", "seats", "10", "10")
	rec := record(b)

	d := deduction("seats", "0")
	d.SetUsage = ptrDec("4")
	Apply(rec, Route(rec, d), baseTime)
	assertDec(t, "6", b.Current)

	d.SetUsage = ptrDec("1")
	Apply(rec, Route(rec, d), baseTime)
	assertDec(t, "9", b.Current)
}

func TestRouteUnlimitedShortCircuits(t *testing.T) {
	b := bucket("1", "api_calls", "0", "0")
	b.Unlimited = true
	rec := record(b)

	res := Route(rec, deduction("api_calls", "1000"))
	assert.True(t, res.Unlimited)
	assert.Empty(t, res.Steps)
	assertDec(t, "0", b.Current)
}

func TestRouteEntityBreakdown(t *testing.T) {
	b := bucket("1", "seats", "10", "10")
	b.Breakdowns = []*domain.Breakdown{
		{EntityID: "101", Granted: dec("5"), Current: dec("5")},
		{EntityID: "102", Granted: dec("5"), Current: dec("5")},
	}
	rec := record(b)

	d := deduction("seats", "3")
	d.EntityID = "102"
	Apply(rec, Route(rec, d), baseTime)

	assertDec(t, "5", b.Breakdowns[0].Current)
	assertDec(t, "2", b.Breakdowns[1].Current)
	assertDec(t, "7", b.Current)
}

func TestRouteEntityWithoutShareSkipsSplitBucket(t *testing.T) {
	split := bucket("1", "seats", "20", "20")
	split.OverageAllowed = true
	split.Breakdowns = []*domain.Breakdown{
		{EntityID: "101", Granted: dec("10"), Current: dec("10")},
		{EntityID: "102", Granted: dec("10"), Current: dec("10")},
	}
	rec := record(split)

	d := deduction("seats", "3")
	d.EntityID = "103"
	res := Route(rec, d)
	Apply(rec, res, baseTime)

	assert.Empty(t, res.Steps)
	assertDec(t, "3", res.Disallowed)
	assertDec(t, "10", split.Breakdowns[0].Current)
	assertDec(t, "10", split.Breakdowns[1].Current)
	assertDec(t, "20", split.Current)

	refund := deduction("seats", "-2")
	refund.EntityID = "103"
	assert.Empty(t, Route(rec, refund).Steps)
}

func TestRouteSpreadsAcrossBreakdownsWithoutEntity(t *testing.T) {
	b := bucket("1", "seats", "10", "10")
	b.Breakdowns = []*domain.Breakdown{
		{EntityID: "101", Granted: dec("5"), Current: dec("5")},
		{EntityID: "102", Granted: dec("5"), Current: dec("5")},
	}
	rec := record(b)

	Apply(rec, Route(rec, deduction("seats", "7")), baseTime)

	assertDec(t, "0", b.Breakdowns[0].Current)
	assertDec(t, "3", b.Breakdowns[1].Current)
	assertDec(t, "3", b.Current)
}

func TestRouteSkipsOtherEntitiesBuckets(t *testing.T) {
	owned := bucket("1", "seats", "5", "5")
	owned.EntityID = "101"
	shared := bucket("2", "seats", "5", "5")
	shared.Priority = 1
	rec := record(owned, shared)

	d := deduction("seats", "2")
	d.EntityID = "102"
	Apply(rec, Route(rec, d), baseTime)

	assertDec(t, "5", owned.Current)
	assertDec(t, "3", shared.Current)
}

func TestRouteFilters(t *testing.T) {
	monthly := bucket("1", "api_calls", "5", "5")
	daily := bucket("2", "api_calls", "5", "5")
	daily.Interval = "day"
	rec := record(monthly, daily)

	d := deduction("api_calls", "2")
	d.Interval = "day"
	Apply(rec, Route(rec, d), baseTime)
	assertDec(t, "3", daily.Current)
	assertDec(t, "5", monthly.Current)

	d = deduction("api_calls", "1")
	d.EntitlementID = "1"
	Apply(rec, Route(rec, d), baseTime)
	assertDec(t, "4", monthly.Current)
}

func TestRouteDoesNotMutateInput(t *testing.T) {
	b := bucket("1", "api_calls", "10", "10")
	rec := record(b)

	res := Route(rec, deduction("api_calls", "4"))
	require.Len(t, res.Steps, 1)
	assertDec(t, "10", b.Current)
}

func TestRouteZeroAmountIsNoop(t *testing.T) {
	rec := record(bucket("1", "api_calls", "10", "10"))
	res := Route(rec, deduction("api_calls", "0"))
	assert.Empty(t, res.Steps)
	assert.Equal(t, 1, res.Matched)
}

// Deductions never create or destroy balance: what leaves the buckets is
// exactly what was applied, and nothing is skipped while a bucket still has room.
func TestRouteConservesBalance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		var buckets []*domain.Bucket
		n := 1 + rng.Intn(4)
		for j := 0; j < n; j++ {
			v := decimal.NewFromInt(int64(rng.Intn(20)))
			b := bucket(decimal.NewFromInt(int64(j+1)).String(), "api_calls", v.String(), v.String())
			b.Priority = rng.Intn(3)
			buckets = append(buckets, b)
		}
		rec := record(buckets...)
		before := total(rec)

		amount := decimal.NewFromInt(int64(rng.Intn(60)))
		res := Route(rec, domain.Deduction{FeatureCode: "api_calls", Amount: amount, Now: baseTime})
		Apply(rec, res, baseTime)

		assert.True(t, res.Applied.Add(res.Disallowed).Equal(amount))
		assert.True(t, before.Sub(total(rec)).Equal(res.Applied))
		if res.Disallowed.IsPositive() {
			assert.True(t, total(rec).IsZero())
		}
		for _, b := range buckets {
			assert.False(t, b.Current.IsNegative())
		}
	}
}

func total(rec *domain.Record) decimal.Decimal {
	sum := decimal.Zero
	for _, b := range rec.Buckets {
		sum = sum.Add(b.Current)
	}
	return sum
}

func TestDeltasMergePerBucket(t *testing.T) {
	b := bucket("1", "api_calls", "10", "10")
	b.Rollovers = []*domain.Rollover{{ID: "7", Balance: dec("2")}}
	b.OverageAllowed = true
	rec := record(b)

	res := Route(rec, deduction("api_calls", "15"))
	deltas, err := Deltas(res, baseTime)
	require.NoError(t, err)
	require.Len(t, deltas, 1)

	assertDec(t, "13", deltas[0].Amount)
	require.Len(t, deltas[0].Rollovers, 1)
	require.NotNil(t, deltas[0].LastUsedAt)
}
