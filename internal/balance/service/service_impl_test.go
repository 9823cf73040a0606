package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balanced/internal/balance/balancetest"
	"github.com/smallbiznis/balanced/internal/balance/cache"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/smallbiznis/balanced/internal/clock"
	"github.com/smallbiznis/balanced/internal/config"
	customerrepo "github.com/smallbiznis/balanced/internal/customer/repository"
	customerservice "github.com/smallbiznis/balanced/internal/customer/service"
	entdomain "github.com/smallbiznis/balanced/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/balanced/internal/feature/domain"
	featurerepo "github.com/smallbiznis/balanced/internal/feature/repository"
	"github.com/smallbiznis/balanced/internal/syncqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingBatcher struct {
	mu   sync.Mutex
	keys []domain.CustomerKey
	ids  []string
}

func (b *recordingBatcher) Add(key domain.CustomerKey, ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
	b.ids = append(b.ids, ids...)
}

type harness struct {
	svc     *Service
	fx      *balancetest.Fixture
	mr      *miniredis.Miniredis
	batcher *recordingBatcher
	ctx     context.Context
}

func newHarness(t *testing.T, tune func(cfg *config.BalanceConfig)) *harness {
	t.Helper()
	fx := balancetest.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultBalanceConfig()
	cfg.CacheTimeout = time.Second
	if tune != nil {
		tune(&cfg)
	}
	holder := config.NewStaticBalanceConfigHolder(cfg)
	clk := clock.NewFakeClock(balancetest.T0)

	store := cache.NewStore(cache.Params{Client: client, Config: holder, Clock: clk, Log: zap.NewNop()})
	resolver := customerservice.NewResolver(customerservice.Params{DB: fx.DB, Log: zap.NewNop(), Repo: customerrepo.Provide()})
	batcher := &recordingBatcher{}

	svc := NewService(Params{
		DB:       fx.DB,
		Log:      zap.NewNop(),
		Clock:    clk,
		Config:   holder,
		Resolver: resolver,
		Features: featurerepo.Provide(),
		Store:    fx.Store,
		Cache:    store,
		Batcher:  batcher,
	})
	return &harness{svc: svc, fx: fx, mr: mr, batcher: batcher, ctx: fx.Context()}
}

func (h *harness) grant(t *testing.T, feature, granted, current string) entdomain.Entitlement {
	t.Helper()
	return h.fx.Entitlement(entdomain.Entitlement{
		FeatureCode:    feature,
		GrantedBalance: balancetest.Dec(granted),
		CurrentBalance: balancetest.Dec(current),
		NextResetAt:    balancetest.TimePtr(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func (h *harness) track(t *testing.T, feature, amount string) *domain.TrackResponse {
	t.Helper()
	resp, err := h.svc.Track(h.ctx, domain.TrackRequest{
		CustomerID:  "cus_1",
		FeatureCode: feature,
		Amount:      balancetest.Dec(amount),
	})
	require.NoError(t, err)
	return resp
}

func (h *harness) payload(ids ...string) syncqueue.Payload {
	key := h.fx.Key()
	return syncqueue.Payload{
		OrgID:          key.OrgID.String(),
		Environment:    key.Environment,
		CustomerID:     key.CustomerID.String(),
		EntitlementIDs: ids,
	}
}

func (h *harness) recordKey() string {
	return "balance:{" + h.fx.Key().String() + "}"
}

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(balancetest.Dec(want)), "want %s, got %s", want, got.String())
}

func TestTrackDeductsThroughCacheAndSyncs(t *testing.T) {
	h := newHarness(t, nil)
	ent := h.grant(t, "api_calls", "100", "100")

	resp := h.track(t, "api_calls", "30")
	assert.True(t, resp.Allowed)
	assert.False(t, resp.FallbackUsed)
	assert.Equal(t, domain.WriteOK, resp.Code)
	assertDec(t, "70", resp.Balance)
	require.Len(t, resp.Balances, 1)
	assertDec(t, "30", resp.Balances[0].Usage)

	// the durable store only moves once the sync job runs
	assertDec(t, "100", h.fx.Load(ent.ID).CurrentBalance)
	assert.Equal(t, []string{ent.ID.String()}, h.batcher.ids)
	assert.Equal(t, []domain.CustomerKey{h.fx.Key()}, h.batcher.keys)

	require.NoError(t, h.svc.Handle(context.Background(), h.payload(ent.ID.String())))
	got := h.fx.Load(ent.ID)
	assertDec(t, "70", got.CurrentBalance)
	assertDec(t, "30", got.Usage)
	require.NotNil(t, got.LastUsedAt)

	// replaying the job changes nothing
	require.NoError(t, h.svc.Handle(context.Background(), h.payload(ent.ID.String())))
	assertDec(t, "70", h.fx.Load(ent.ID).CurrentBalance)
}

func TestTrackUsesCreditsAfterDirectBalance(t *testing.T) {
	h := newHarness(t, nil)
	h.fx.Feature("credits", featuredomain.CreditSchemaItem{MeteredFeatureCode: "api_calls", CreditCost: balancetest.Dec("2")})
	direct := h.grant(t, "api_calls", "10", "10")
	credits := h.grant(t, "credits", "100", "100")

	resp := h.track(t, "api_calls", "15")
	assert.True(t, resp.Allowed)
	assert.True(t, resp.Disallowed.IsZero())

	views, err := h.svc.GetBalances(h.ctx, "cus_1", "")
	require.NoError(t, err)
	byID := map[string]domain.BalanceView{}
	for _, v := range views {
		byID[v.EntitlementID] = v
	}
	assertDec(t, "0", byID[direct.ID.String()].Current)
	assertDec(t, "90", byID[credits.ID.String()].Current)
}

func TestTrackReportsDisallowedExcess(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "api_calls", "10", "10")

	resp := h.track(t, "api_calls", "15")
	assert.False(t, resp.Allowed)
	assertDec(t, "5", resp.Disallowed)
	assertDec(t, "0", resp.Balance)
}

func TestTrackRejectModeAppliesNothing(t *testing.T) {
	h := newHarness(t, func(cfg *config.BalanceConfig) { cfg.RejectOnInsufficient = true })
	h.grant(t, "api_calls", "10", "10")

	_, err := h.svc.Track(h.ctx, domain.TrackRequest{CustomerID: "cus_1", FeatureCode: "api_calls", Amount: balancetest.Dec("15")})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	resp, err := h.svc.Check(h.ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureCode: "api_calls", Required: balancetest.Dec("10")})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assertDec(t, "10", resp.Balance)
}

func TestTrackIdempotencyKeyAppliesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "api_calls", "100", "100")
	req := domain.TrackRequest{CustomerID: "cus_1", FeatureCode: "api_calls", Amount: balancetest.Dec("5"), IdempotencyKey: "evt_1"}

	first, err := h.svc.Track(h.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteOK, first.Code)

	second, err := h.svc.Track(h.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.WriteCacheExists, second.Code)
	assertDec(t, "95", second.Balance)
}

func TestTrackUnknownFeature(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "api_calls", "100", "100")
	h.fx.Feature("seats")

	_, err := h.svc.Track(h.ctx, domain.TrackRequest{CustomerID: "cus_1", FeatureCode: "nope", Amount: balancetest.Dec("1")})
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)

	resp := h.track(t, "seats", "1")
	assert.False(t, resp.Allowed)
	assertDec(t, "1", resp.Disallowed)
}

func TestTrackValidatesInput(t *testing.T) {
	h := newHarness(t, nil)
	negative := balancetest.Dec("-1")

	_, err := h.svc.Track(h.ctx, domain.TrackRequest{CustomerID: "cus_1", FeatureCode: " "})
	assert.ErrorIs(t, err, domain.ErrInvalidFeature)

	_, err = h.svc.Track(h.ctx, domain.TrackRequest{CustomerID: "cus_1", FeatureCode: "api_calls", SetUsage: &negative})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = h.svc.Track(context.Background(), domain.TrackRequest{CustomerID: "cus_1", FeatureCode: "api_calls"})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestTrackFallsBackWhenCacheIsDown(t *testing.T) {
	h := newHarness(t, nil)
	ent := h.grant(t, "api_calls", "100", "100")
	h.mr.Close()

	resp := h.track(t, "api_calls", "30")
	assert.True(t, resp.FallbackUsed)
	assert.True(t, resp.Allowed)
	assertDec(t, "70", resp.Balance)

	got := h.fx.Load(ent.ID)
	assertDec(t, "70", got.CurrentBalance)
	assertDec(t, "30", got.Usage)
	assert.Equal(t, int64(0), got.ResetSeq)
	assert.Equal(t, int64(1), got.FallbackSeq)
	assert.Empty(t, h.batcher.ids)

	adjs, err := h.fx.Store.ListAdjustments(context.Background(), h.fx.DB, ent.ID, 0)
	require.NoError(t, err)
	require.Len(t, adjs, 1)
	assert.Equal(t, int64(1), adjs[0].Seq)
}

func TestSyncKeepsCachedDeductionsAcrossFallback(t *testing.T) {
	h := newHarness(t, nil)
	ent := h.grant(t, "api_calls", "100", "100")

	resp := h.track(t, "api_calls", "10")
	require.False(t, resp.FallbackUsed)

	h.mr.SetError("LOADING redis is loading the dataset")
	resp = h.track(t, "api_calls", "5")
	require.True(t, resp.FallbackUsed)
	assertDec(t, "95", h.fx.Load(ent.ID).CurrentBalance)
	h.mr.SetError("")

	require.NoError(t, h.svc.Handle(context.Background(), h.payload(h.batcher.ids...)))
	got := h.fx.Load(ent.ID)
	assertDec(t, "85", got.CurrentBalance)
	assertDec(t, "15", got.Usage)
	assert.Equal(t, int64(0), got.ResetSeq)
	assert.Equal(t, int64(1), got.FallbackSeq)

	views, err := h.svc.GetBalances(h.ctx, "cus_1", "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assertDec(t, "85", views[0].Current)

	// the cache caught up, a replayed job must not apply the journal twice
	require.NoError(t, h.svc.Handle(context.Background(), h.payload(ent.ID.String())))
	assertDec(t, "85", h.fx.Load(ent.ID).CurrentBalance)
	resp = h.track(t, "api_calls", "1")
	assertDec(t, "84", resp.Balance)
}

func TestFallbackWithCacheUpCatchesUpRecord(t *testing.T) {
	h := newHarness(t, nil)
	ent := h.grant(t, "api_calls", "100", "100")
	h.track(t, "api_calls", "10")

	// the cache answers but the fallback wins, as after exhausted stale retries
	require.NoError(t, h.fx.Store.WriteEntitlements(context.Background(), h.fx.DB, h.fx.Key().CustomerID, []entdomain.Delta{
		{EntitlementID: ent.ID, Amount: balancetest.Dec("5")},
	}))
	h.svc.refresh(context.Background(), h.fx.Key())

	assertDec(t, "85", h.fx.Load(ent.ID).CurrentBalance)
	views, err := h.svc.GetBalances(h.ctx, "cus_1", "")
	require.NoError(t, err)
	assertDec(t, "85", views[0].Current)
	assert.True(t, h.mr.Exists(h.recordKey()))
}

func TestTrackFallsBackAfterStaleRetries(t *testing.T) {
	h := newHarness(t, func(cfg *config.BalanceConfig) { cfg.StaleWriteRetries = 1 })
	ent := h.grant(t, "api_calls", "100", "100")

	// an invalidation from the future rejects every snapshot read now
	future := balancetest.T0.Add(time.Hour).UnixMilli()
	require.NoError(t, h.mr.Set(h.recordKey()+":guard", strconv.FormatInt(future, 10)))

	resp := h.track(t, "api_calls", "10")
	assert.True(t, resp.FallbackUsed)
	assertDec(t, "90", h.fx.Load(ent.ID).CurrentBalance)
	assert.False(t, h.mr.Exists(h.recordKey()))
}

func TestTrackEntityBreakdown(t *testing.T) {
	h := newHarness(t, nil)
	seat := h.fx.Entity("seat_1")
	other := h.fx.Entity("seat_2")
	h.fx.Entitlement(entdomain.Entitlement{
		FeatureCode:    "messages",
		GrantedBalance: balancetest.Dec("20"),
		CurrentBalance: balancetest.Dec("20"),
		Breakdowns: []entdomain.Breakdown{
			{EntityID: seat.ID, GrantedBalance: balancetest.Dec("10"), CurrentBalance: balancetest.Dec("10")},
			{EntityID: other.ID, GrantedBalance: balancetest.Dec("10"), CurrentBalance: balancetest.Dec("10")},
		},
	})

	resp, err := h.svc.Track(h.ctx, domain.TrackRequest{CustomerID: "cus_1", EntityID: "seat_1", FeatureCode: "messages", Amount: balancetest.Dec("3")})
	require.NoError(t, err)
	assertDec(t, "7", resp.Balance)

	views, err := h.svc.GetBalances(h.ctx, "cus_1", "seat_2")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assertDec(t, "10", views[0].Current)

	views, err = h.svc.GetBalances(h.ctx, "cus_1", "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assertDec(t, "17", views[0].Current)

	// an entity without a share cannot spend the others'
	h.fx.Entity("seat_3")
	resp, err = h.svc.Track(h.ctx, domain.TrackRequest{CustomerID: "cus_1", EntityID: "seat_3", FeatureCode: "messages", Amount: balancetest.Dec("3")})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assertDec(t, "3", resp.Disallowed)

	views, err = h.svc.GetBalances(h.ctx, "cus_1", "seat_1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assertDec(t, "7", views[0].Current)
}

func TestTrackTouchesLastUsedOnZero(t *testing.T) {
	h := newHarness(t, func(cfg *config.BalanceConfig) { cfg.TouchLastUsedOnZero = true })
	h.grant(t, "api_calls", "100", "100")

	resp := h.track(t, "api_calls", "0")
	require.Len(t, resp.Balances, 1)
	require.NotNil(t, resp.Balances[0].LastUsedAt)
	assert.True(t, resp.Balances[0].LastUsedAt.Equal(balancetest.T0))
	assertDec(t, "100", resp.Balance)
}

func TestTrackConcurrentDeductionsAreAtomic(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "api_calls", "100", "100")
	h.track(t, "api_calls", "0") // warm

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Track(h.ctx, domain.TrackRequest{CustomerID: "cus_1", FeatureCode: "api_calls", Amount: decimal.NewFromInt(2)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	resp, err := h.svc.Check(h.ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureCode: "api_calls"})
	require.NoError(t, err)
	assertDec(t, "60", resp.Balance)
}

func TestUpdateBalanceHoldsOmittedSideFixed(t *testing.T) {
	h := newHarness(t, nil)
	ent := h.grant(t, "api_calls", "100", "100")
	fifty, hundred, eighty := balancetest.Dec("50"), balancetest.Dec("100"), balancetest.Dec("80")

	view, err := h.svc.UpdateBalance(h.ctx, domain.UpdateBalanceRequest{
		CustomerID: "cus_1", FeatureCode: "api_calls", CurrentBalance: &fifty, GrantedBalance: &hundred,
	})
	require.NoError(t, err)
	assertDec(t, "50", view.Usage)

	view, err = h.svc.UpdateBalance(h.ctx, domain.UpdateBalanceRequest{
		CustomerID: "cus_1", FeatureCode: "api_calls", CurrentBalance: &eighty,
	})
	require.NoError(t, err)
	assertDec(t, "100", view.Granted)
	assertDec(t, "20", view.Usage)

	require.NoError(t, h.svc.Handle(context.Background(), h.payload(ent.ID.String())))
	got := h.fx.Load(ent.ID)
	assertDec(t, "80", got.CurrentBalance)
	assertDec(t, "20", got.Usage)
}

func TestUpdateBalanceNextResetOnly(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "api_calls", "100", "40")
	at := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	view, err := h.svc.UpdateBalance(h.ctx, domain.UpdateBalanceRequest{CustomerID: "cus_1", FeatureCode: "api_calls", NextResetAt: &at})
	require.NoError(t, err)
	assertDec(t, "40", view.Current)
	assertDec(t, "100", view.Granted)
	require.NotNil(t, view.NextResetAt)
	assert.True(t, view.NextResetAt.Equal(at))
}

func TestUpdateBalanceRejectsNegativeUsage(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "api_calls", "100", "100")
	over := balancetest.Dec("120")

	_, err := h.svc.UpdateBalance(h.ctx, domain.UpdateBalanceRequest{CustomerID: "cus_1", FeatureCode: "api_calls", CurrentBalance: &over})
	assert.ErrorIs(t, err, domain.ErrInvalidBalance)

	_, err = h.svc.UpdateBalance(h.ctx, domain.UpdateBalanceRequest{CustomerID: "cus_1", FeatureCode: "api_calls"})
	assert.ErrorIs(t, err, domain.ErrInvalidBalance)

	_, err = h.svc.UpdateBalance(h.ctx, domain.UpdateBalanceRequest{CustomerID: "cus_1", EntitlementID: "123", CurrentBalance: &over})
	assert.ErrorIs(t, err, domain.ErrEntitlementNotFound)
}

func TestUpdateBalanceFallsBackWhenCacheIsDown(t *testing.T) {
	h := newHarness(t, nil)
	ent := h.grant(t, "api_calls", "100", "100")
	h.mr.Close()
	forty := balancetest.Dec("40")

	view, err := h.svc.UpdateBalance(h.ctx, domain.UpdateBalanceRequest{CustomerID: "cus_1", EntitlementID: ent.ID.String(), CurrentBalance: &forty})
	require.NoError(t, err)
	assertDec(t, "60", view.Usage)

	got := h.fx.Load(ent.ID)
	assertDec(t, "40", got.CurrentBalance)
	assertDec(t, "60", got.Usage)
	assert.Equal(t, int64(1), got.ResetSeq)
}

func TestSyncSkipsFencedSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	ent := h.grant(t, "api_calls", "100", "100")
	h.track(t, "api_calls", "10")

	// a durable write won the race and moved reset_seq
	require.NoError(t, h.fx.Store.Fence(context.Background(), h.fx.DB, []snowflake.ID{ent.ID}))

	require.NoError(t, h.svc.Handle(context.Background(), h.payload(ent.ID.String())))
	assertDec(t, "100", h.fx.Load(ent.ID).CurrentBalance)
	assert.False(t, h.mr.Exists(h.recordKey()))
}

func TestSyncWithoutRecordIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ent := h.grant(t, "api_calls", "100", "100")

	require.NoError(t, h.svc.Handle(context.Background(), h.payload(ent.ID.String())))
	assertDec(t, "100", h.fx.Load(ent.ID).CurrentBalance)

	err := h.svc.Handle(context.Background(), syncqueue.Payload{OrgID: "x", CustomerID: "1", EntitlementIDs: []string{"1"}})
	assert.ErrorIs(t, err, syncqueue.ErrInvalidJob)
}

func TestSyncCustomerPersistsEveryBucket(t *testing.T) {
	h := newHarness(t, nil)
	a := h.grant(t, "api_calls", "100", "100")
	b := h.grant(t, "exports", "10", "10")
	h.track(t, "api_calls", "1")
	h.track(t, "exports", "2")

	require.NoError(t, h.svc.SyncCustomer(context.Background(), h.fx.Key()))
	assertDec(t, "99", h.fx.Load(a.ID).CurrentBalance)
	assertDec(t, "8", h.fx.Load(b.ID).CurrentBalance)
}

func TestGetBalancesWarmsCache(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "api_calls", "100", "60")
	h.grant(t, "exports", "10", "10")

	views, err := h.svc.GetBalances(h.ctx, "cus_1", "")
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "api_calls", views[0].FeatureCode)
	assertDec(t, "40", views[0].Usage)
	assert.True(t, h.mr.Exists(h.recordKey()))
}

func TestGetBalancesReadsStoreWhenCacheIsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "api_calls", "100", "60")
	h.mr.Close()

	views, err := h.svc.GetBalances(h.ctx, "cus_1", "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assertDec(t, "60", views[0].Current)
}

func TestCheck(t *testing.T) {
	h := newHarness(t, nil)
	h.grant(t, "api_calls", "10", "10")

	resp, err := h.svc.Check(h.ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureCode: "api_calls", Required: balancetest.Dec("10")})
	require.NoError(t, err)
	assert.True(t, resp.Allowed)

	resp, err = h.svc.Check(h.ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureCode: "api_calls", Required: balancetest.Dec("11")})
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assertDec(t, "10", resp.Balance)

	_, err = h.svc.Check(h.ctx, domain.CheckRequest{CustomerID: "cus_1", FeatureCode: "nope"})
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)
}
