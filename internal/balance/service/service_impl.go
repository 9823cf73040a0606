package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balanced/internal/balance/cache"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/smallbiznis/balanced/internal/balance/router"
	"github.com/smallbiznis/balanced/internal/clock"
	"github.com/smallbiznis/balanced/internal/config"
	customerdomain "github.com/smallbiznis/balanced/internal/customer/domain"
	entdomain "github.com/smallbiznis/balanced/internal/entitlement/domain"
	featuredomain "github.com/smallbiznis/balanced/internal/feature/domain"
	"github.com/smallbiznis/balanced/internal/observability/logger"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"github.com/smallbiznis/balanced/internal/orgcontext"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/smallbiznis/balanced/internal/balance/service")

// Batcher collects changed buckets for the background sync.
type Batcher interface {
	Add(key domain.CustomerKey, ids []string)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Config   *config.BalanceConfigHolder
	Resolver customerdomain.Resolver
	Features featuredomain.Repository
	Store    entdomain.Store
	Cache    *cache.Store
	Batcher  Batcher
	Metrics  *metrics.Metrics       `optional:"true"`
	Worker   *metrics.WorkerMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	cfg      *config.BalanceConfigHolder
	resolver customerdomain.Resolver
	features featuredomain.Repository
	store    entdomain.Store
	cache    *cache.Store
	batcher  Batcher
	metrics  *metrics.Metrics
	worker   *metrics.WorkerMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("balance.service"),
		clock:    p.Clock,
		cfg:      p.Config,
		resolver: p.Resolver,
		features: p.Features,
		store:    p.Store,
		cache:    p.Cache,
		batcher:  p.Batcher,
		metrics:  p.Metrics,
		worker:   p.Worker,
	}
}

// outcome captures what the last run of a deduction mutation did.
type outcome struct {
	route   router.Result
	record  *domain.Record
	touched []string
}

func (s *Service) Track(ctx context.Context, req domain.TrackRequest) (*domain.TrackResponse, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "balance.Track", trace.WithAttributes(attribute.String("feature", req.FeatureCode)))
	defer span.End()

	resp, err := s.trackRequest(ctx, req)
	s.metrics.RecordTrack(ctx, req.FeatureCode, trackResult(resp, err), time.Since(start))
	if err != nil {
		if !isDenial(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	span.SetAttributes(attribute.Bool("fallback", resp.FallbackUsed), attribute.String("code", string(resp.Code)))
	if resp.Disallowed.IsPositive() {
		s.metrics.RecordDisallowed(ctx, req.FeatureCode, resp.Disallowed.InexactFloat64())
	}
	return resp, nil
}

func (s *Service) trackRequest(ctx context.Context, req domain.TrackRequest) (*domain.TrackResponse, error) {
	feature := strings.TrimSpace(req.FeatureCode)
	if feature == "" {
		return nil, domain.ErrInvalidFeature
	}
	if req.SetUsage != nil && req.SetUsage.IsNegative() {
		return nil, domain.ErrInvalidAmount
	}

	key, entityID, err := s.resolve(ctx, req.CustomerID, req.EntityID)
	if err != nil {
		return nil, err
	}

	cfg := s.cfg.Get()
	ded := domain.Deduction{
		FeatureCode:   feature,
		Amount:        req.Amount,
		SetUsage:      req.SetUsage,
		EntitlementID: strings.TrimSpace(req.EntitlementID),
		Interval:      strings.TrimSpace(req.Interval),
		EntityID:      entityID,
		Now:           s.clock.Now(),
	}

	var out outcome
	mut := s.deduct(ded, cfg, &out)

	res, err := s.mutateCached(ctx, key, strings.TrimSpace(req.IdempotencyKey), cfg, mut)
	switch {
	case err == nil:
		if res.Code == domain.WriteCacheExists {
			return replayed(res.Record, ded), nil
		}
		s.batcher.Add(key, changedIDs(out))
		return out.response(ded, res.Code), nil
	case errors.Is(err, domain.ErrFeatureNotFound):
		return s.unknownFeature(ctx, key, ded)
	case !needsFallback(err):
		return nil, err
	}

	s.metrics.RecordFallback(ctx, fallbackReason(err))
	s.logFor(ctx, key).Warn("track falling back to durable store", zap.Error(err))

	err = s.mutateDurable(ctx, key, cfg, err, mut, func(ctx context.Context, tx *gorm.DB, _ *domain.Record, _ []string) error {
		deltas, err := router.Deltas(out.route, ded.Now)
		if err != nil {
			return err
		}
		for _, id := range out.touched {
			delta, err := touchDelta(id, ded.Now)
			if err != nil {
				return err
			}
			deltas = append(deltas, delta)
		}
		return s.store.WriteEntitlements(ctx, tx, key.CustomerID, deltas)
	})
	if errors.Is(err, domain.ErrFeatureNotFound) {
		return s.unknownFeature(ctx, key, ded)
	}
	if err != nil {
		return nil, err
	}
	resp := out.response(ded, domain.WriteOK)
	resp.FallbackUsed = true
	return resp, nil
}

// deduct builds the mutation shared by the cache path and the fallback.
func (s *Service) deduct(ded domain.Deduction, cfg config.BalanceConfig, out *outcome) cache.Mutation {
	return func(rec *domain.Record) ([]string, error) {
		*out = outcome{record: rec}
		if !rec.HasFeature(ded.FeatureCode) {
			return nil, domain.ErrFeatureNotFound
		}

		res := router.Route(rec, ded)
		out.route = res
		if res.Matched == 0 && ded.EntitlementID != "" {
			return nil, domain.ErrEntitlementNotFound
		}
		if res.Unlimited {
			return nil, nil
		}
		if cfg.RejectOnInsufficient && res.Requested.IsPositive() && res.Disallowed.IsPositive() {
			return nil, domain.ErrInsufficientBalance
		}

		changed := router.Apply(rec, res, ded.Now)
		if res.Requested.IsZero() && cfg.TouchLastUsedOnZero {
			out.touched = touch(rec, ded)
			changed = lo.Uniq(append(changed, out.touched...))
		}
		return changed, nil
	}
}

// touch stamps last use on the feature's buckets without moving balances.
func touch(rec *domain.Record, ded domain.Deduction) []string {
	var ids []string
	for _, b := range rec.Buckets {
		if b.FeatureCode != ded.FeatureCode || !visible(b, ded.EntityID) {
			continue
		}
		if ded.EntitlementID != "" && b.ID != ded.EntitlementID {
			continue
		}
		at := ded.Now
		b.LastUsedAt = &at
		ids = append(ids, b.ID)
	}
	sort.Strings(ids)
	return ids
}

func changedIDs(out outcome) []string {
	return lo.Uniq(append(out.route.Changed(), out.touched...))
}

func (o outcome) response(ded domain.Deduction, code domain.WriteCode) *domain.TrackResponse {
	r := o.route
	resp := &domain.TrackResponse{
		Allowed:    r.Unlimited || !r.Requested.IsPositive() || r.Disallowed.IsZero(),
		Unlimited:  r.Unlimited,
		Code:       code,
		Requested:  r.Requested,
		Disallowed: r.Disallowed,
	}
	if o.record != nil {
		resp.Balance, resp.Balances = summarize(o.record, ded.FeatureCode, ded.EntityID, ded.Now)
	}
	return resp
}

// replayed answers a request whose idempotency key was already applied.
func replayed(rec *domain.Record, ded domain.Deduction) *domain.TrackResponse {
	resp := &domain.TrackResponse{Allowed: true, Code: domain.WriteCacheExists, Requested: ded.Amount}
	if rec != nil {
		resp.Balance, resp.Balances = summarize(rec, ded.FeatureCode, ded.EntityID, ded.Now)
	}
	return resp
}

// unknownFeature separates a feature that does not exist from one the
// customer holds no balance for. The latter is a denial, not an error.
func (s *Service) unknownFeature(ctx context.Context, key domain.CustomerKey, ded domain.Deduction) (*domain.TrackResponse, error) {
	feature, err := s.features.FindByCode(ctx, s.db, key.OrgID, key.Environment, ded.FeatureCode)
	if err != nil {
		return nil, err
	}
	if feature == nil {
		return nil, domain.ErrFeatureNotFound
	}
	amount := ded.Amount
	if ded.SetUsage != nil {
		amount = *ded.SetUsage
	}
	return &domain.TrackResponse{
		Allowed:    !amount.IsPositive(),
		Code:       domain.WriteOK,
		Requested:  amount,
		Disallowed: decimal.Max(amount, decimal.Zero),
	}, nil
}

func (s *Service) UpdateBalance(ctx context.Context, req domain.UpdateBalanceRequest) (*domain.BalanceView, error) {
	ctx, span := tracer.Start(ctx, "balance.UpdateBalance")
	defer span.End()

	view, err := s.updateBalance(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return view, nil
}

func (s *Service) updateBalance(ctx context.Context, req domain.UpdateBalanceRequest) (*domain.BalanceView, error) {
	if req.CurrentBalance == nil && req.GrantedBalance == nil && req.NextResetAt == nil {
		return nil, domain.ErrInvalidBalance
	}
	feature := strings.TrimSpace(req.FeatureCode)
	entitlementID := strings.TrimSpace(req.EntitlementID)
	if feature == "" && entitlementID == "" {
		return nil, domain.ErrInvalidFeature
	}

	key, entityID, err := s.resolve(ctx, req.CustomerID, req.EntityID)
	if err != nil {
		return nil, err
	}
	cfg := s.cfg.Get()
	now := s.clock.Now()

	var view domain.BalanceView
	mut := func(rec *domain.Record) ([]string, error) {
		b, err := pick(rec, feature, entitlementID, entityID)
		if err != nil {
			return nil, err
		}
		if err := overwrite(b, req, entityID); err != nil {
			return nil, err
		}
		view = b.View(entityID, now)
		return []string{b.ID}, nil
	}

	_, err = s.mutateCached(ctx, key, "", cfg, mut)
	if err == nil {
		s.batcher.Add(key, []string{view.EntitlementID})
		return &view, nil
	}
	if !needsFallback(err) {
		return nil, err
	}

	s.metrics.RecordFallback(ctx, fallbackReason(err))
	s.logFor(ctx, key).Warn("balance update falling back to durable store", zap.Error(err))
	if err = s.mutateDurable(ctx, key, cfg, err, mut, s.saveStates); err != nil {
		return nil, err
	}
	return &view, nil
}

// pick finds the bucket an update addresses: the named entitlement, or the
// first bucket of the feature in routing order.
func pick(rec *domain.Record, feature, entitlementID, entityID string) (*domain.Bucket, error) {
	if entitlementID != "" {
		b, ok := rec.Buckets[entitlementID]
		if !ok || (feature != "" && b.FeatureCode != feature) {
			return nil, domain.ErrEntitlementNotFound
		}
		return b, nil
	}

	var best *domain.Bucket
	for _, b := range rec.Buckets {
		if b.FeatureCode != feature || !visible(b, entityID) {
			continue
		}
		if best == nil || router.Less(b, best) {
			best = b
		}
	}
	if best == nil {
		return nil, domain.ErrEntitlementNotFound
	}
	return best, nil
}

// overwrite sets the supplied balances and holds the omitted one fixed. A
// breakdown update moves the aggregate by the same delta.
func overwrite(b *domain.Bucket, req domain.UpdateBalanceRequest, entityID string) error {
	var bd *domain.Breakdown
	if entityID != "" {
		bd = b.Breakdown(entityID)
	}

	current, granted := b.Current, b.Granted
	if bd != nil {
		current, granted = bd.Current, bd.Granted
	}
	if req.CurrentBalance != nil {
		current = *req.CurrentBalance
	}
	if req.GrantedBalance != nil {
		granted = *req.GrantedBalance
	}
	if granted.IsNegative() {
		return domain.ErrInvalidBalance
	}
	if granted.Sub(current).IsNegative() && !b.OverageAllowed {
		return fmt.Errorf("%w: %w", domain.ErrInvalidBalance, domain.ErrNegativeUsage)
	}

	if bd != nil {
		b.Current = b.Current.Add(current.Sub(bd.Current))
		b.Granted = b.Granted.Add(granted.Sub(bd.Granted))
		bd.Current, bd.Granted = current, granted
	} else {
		b.Current, b.Granted = current, granted
	}
	if req.NextResetAt != nil {
		at := req.NextResetAt.UTC()
		b.NextResetAt = &at
	}
	return nil
}

func (s *Service) GetBalances(ctx context.Context, customerID, entityID string) ([]domain.BalanceView, error) {
	key, entity, err := s.resolve(ctx, customerID, entityID)
	if err != nil {
		return nil, err
	}
	rec, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	buckets := lo.Filter(lo.Values(rec.Buckets), func(b *domain.Bucket, _ int) bool {
		return entity == "" || visible(b, entity)
	})
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].FeatureCode != buckets[j].FeatureCode {
			return buckets[i].FeatureCode < buckets[j].FeatureCode
		}
		return router.Less(buckets[i], buckets[j])
	})
	return lo.Map(buckets, func(b *domain.Bucket, _ int) domain.BalanceView {
		return b.View(entity, now)
	}), nil
}

// Check reports whether required units could be deducted right now.
func (s *Service) Check(ctx context.Context, req domain.CheckRequest) (*domain.CheckResponse, error) {
	feature := strings.TrimSpace(req.FeatureCode)
	if feature == "" {
		return nil, domain.ErrInvalidFeature
	}
	required := req.Required
	if required.IsZero() {
		required = decimal.NewFromInt(1)
	}
	if required.IsNegative() {
		return nil, domain.ErrInvalidAmount
	}

	key, entityID, err := s.resolve(ctx, req.CustomerID, req.EntityID)
	if err != nil {
		return nil, err
	}
	rec, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}

	ded := domain.Deduction{FeatureCode: feature, Amount: required, EntityID: entityID, Now: s.clock.Now()}
	if !rec.HasFeature(feature) {
		if _, err := s.unknownFeature(ctx, key, ded); err != nil {
			return nil, err
		}
		return &domain.CheckResponse{Allowed: false}, nil
	}

	res := router.Route(rec, ded)
	balance, _ := summarize(rec, feature, entityID, ded.Now)
	return &domain.CheckResponse{
		Allowed:   res.Unlimited || (res.Matched > 0 && res.Disallowed.IsZero()),
		Unlimited: res.Unlimited,
		Balance:   balance,
	}, nil
}

// read serves a record from the cache, warming it on a miss and reading the
// durable store directly when the cache is faulted.
func (s *Service) read(ctx context.Context, key domain.CustomerKey) (*domain.Record, error) {
	rec, cerr := s.cache.Get(ctx, key)
	if cerr == nil {
		return rec, nil
	}
	if !errors.Is(cerr, domain.ErrCacheMiss) && !errors.Is(cerr, domain.ErrCacheFault) {
		return nil, cerr
	}

	rec, err := s.load(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if errors.Is(cerr, domain.ErrCacheFault) {
		return rec, nil
	}
	if _, werr := s.cache.SetRecord(ctx, rec); werr != nil {
		s.logFor(ctx, key).Debug("cache warm on read failed", zap.Error(werr))
	}
	return rec, nil
}

func (s *Service) resolve(ctx context.Context, customerID, entityID string) (domain.CustomerKey, string, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.CustomerKey{}, "", domain.ErrInvalidOrganization
	}

	var entity *string
	if trimmed := strings.TrimSpace(entityID); trimmed != "" {
		entity = &trimmed
	}
	resolved, err := s.resolver.Resolve(ctx, customerID, entity)
	switch {
	case errors.Is(err, customerdomain.ErrInvalidOrganization):
		return domain.CustomerKey{}, "", domain.ErrInvalidOrganization
	case errors.Is(err, customerdomain.ErrInvalidCustomer):
		return domain.CustomerKey{}, "", domain.ErrInvalidCustomer
	case err != nil:
		return domain.CustomerKey{}, "", err
	}

	key := domain.CustomerKey{
		OrgID:       orgID,
		Environment: orgcontext.EnvFromContext(ctx),
		CustomerID:  resolved.InternalCustomerID,
	}
	entityKey := ""
	if resolved.EntityID != nil {
		entityKey = resolved.EntityID.String()
	}
	return key, entityKey, nil
}

// visible reports whether a bucket is shared by the customer or owned by entityID.
func visible(b *domain.Bucket, entityID string) bool {
	return b.EntityID == "" || b.EntityID == entityID
}

func summarize(rec *domain.Record, feature, entityID string, now time.Time) (decimal.Decimal, []domain.BalanceView) {
	buckets := lo.Filter(lo.Values(rec.Buckets), func(b *domain.Bucket, _ int) bool {
		return b.FeatureCode == feature && visible(b, entityID)
	})
	sort.Slice(buckets, func(i, j int) bool { return router.Less(buckets[i], buckets[j]) })

	views := lo.Map(buckets, func(b *domain.Bucket, _ int) domain.BalanceView {
		return b.View(entityID, now)
	})
	total := lo.Reduce(views, func(acc decimal.Decimal, v domain.BalanceView, _ int) decimal.Decimal {
		return acc.Add(v.Current).Add(v.Rollover)
	}, decimal.Zero)
	return total, views
}

func (s *Service) logFor(ctx context.Context, key domain.CustomerKey) *zap.Logger {
	return logger.WithCustomer(logger.WithContext(ctx, s.log), key.CustomerID.String())
}

func needsFallback(err error) bool {
	return errors.Is(err, domain.ErrCacheFault) || errors.Is(err, domain.ErrStaleWrite)
}

func fallbackReason(err error) string {
	if errors.Is(err, domain.ErrStaleWrite) {
		return "stale_write"
	}
	return "cache_fault"
}

func isDenial(err error) bool {
	return errors.Is(err, domain.ErrInsufficientBalance)
}

func trackResult(resp *domain.TrackResponse, err error) string {
	switch {
	case isDenial(err):
		return "denied"
	case err != nil:
		return "error"
	case resp.FallbackUsed:
		return "fallback"
	case !resp.Allowed:
		return "disallowed"
	default:
		return "ok"
	}
}
