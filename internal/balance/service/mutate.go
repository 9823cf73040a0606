package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/smallbiznis/balanced/internal/balance/cache"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/smallbiznis/balanced/internal/config"
	entdomain "github.com/smallbiznis/balanced/internal/entitlement/domain"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const staleRetryDelay = 5 * time.Millisecond

// errRetry asks the backoff loop for another attempt.
var errRetry = errors.New("retry")

type persistFunc func(ctx context.Context, tx *gorm.DB, rec *domain.Record, changed []string) error

// mutateCached applies mut to the cached record. A miss warms the record and
// tries again, a stale snapshot re-reads. When the retries run out the caller
// gets ErrStaleWrite and is expected to take the durable path.
func (s *Service) mutateCached(ctx context.Context, key domain.CustomerKey, idem string, cfg config.BalanceConfig, mut cache.Mutation) (cache.ApplyResult, error) {
	var (
		result    cache.ApplyResult
		fetchedAt int64
	)

	op := func() error {
		res, err := s.cache.Apply(ctx, key, idem, fetchedAt, mut)
		switch {
		case errors.Is(err, domain.ErrCacheMiss):
			fetchedAt, err = s.warm(ctx, key)
			if err != nil {
				return backoff.Permanent(err)
			}
			return errRetry
		case err != nil:
			return backoff.Permanent(err)
		case res.Code == domain.WriteStale:
			fetchedAt = 0
			return errRetry
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(staleRetryDelay), uint64(cfg.StaleWriteRetries)+1),
		ctx,
	)
	err := backoff.Retry(op, policy)
	if errors.Is(err, errRetry) {
		return result, domain.ErrStaleWrite
	}
	return result, err
}

// Warm loads the customer's record from the durable store into the cache.
func (s *Service) Warm(ctx context.Context, key domain.CustomerKey) error {
	_, err := s.warm(ctx, key)
	return err
}

// warm returns the fetch time of the snapshot it offered the cache. Losing the
// race to another writer, or to an invalidation, is not an error here: the
// next Apply sorts it out.
func (s *Service) warm(ctx context.Context, key domain.CustomerKey) (int64, error) {
	rec, err := s.load(ctx, s.db, key)
	if err != nil {
		return 0, err
	}
	if _, err := s.cache.SetRecord(ctx, rec); err != nil {
		return 0, err
	}
	return rec.FetchedAt, nil
}

// load reads the customer's balances. The fetch time is taken before the read
// so an invalidation racing with it always wins.
func (s *Service) load(ctx context.Context, conn *gorm.DB, key domain.CustomerKey) (*domain.Record, error) {
	fetchedAt := s.clock.Now()
	ents, err := s.store.ReadEntitlements(ctx, conn, key.OrgID, key.Environment, key.CustomerID)
	if err != nil {
		return nil, err
	}
	credits, err := s.features.ListCreditSystems(ctx, conn, key.OrgID, key.Environment)
	if err != nil {
		return nil, err
	}
	return domain.NewRecord(key, ents, credits, fetchedAt), nil
}

// mutateDurable runs mut against locked rows and hands the result to persist
// in the same transaction. cause is why the cache path gave up: when the cache
// still answers, its pending deductions are saved first. The cache catches up
// after commit.
func (s *Service) mutateDurable(ctx context.Context, key domain.CustomerKey, cfg config.BalanceConfig, cause error, mut cache.Mutation, persist persistFunc) error {
	ctx, span := tracer.Start(ctx, "balance.fallback")
	defer span.End()

	if errors.Is(cause, domain.ErrStaleWrite) {
		if _, err := s.persist(ctx, key, nil); err != nil {
			s.logFor(ctx, key).Debug("cache sync before fallback failed", zap.Error(err))
		}
	}

	txCtx, cancel := context.WithTimeout(ctx, cfg.FallbackTimeout)
	defer cancel()

	err := s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		ents, err := s.store.LockEntitlements(txCtx, tx, key.OrgID, key.Environment, key.CustomerID)
		if err != nil {
			return err
		}
		credits, err := s.features.ListCreditSystems(txCtx, tx, key.OrgID, key.Environment)
		if err != nil {
			return err
		}
		rec := domain.NewRecord(key, ents, credits, s.clock.Now())

		changed, err := mut(rec)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}
		return persist(txCtx, tx, rec, changed)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.refresh(ctx, key)
	return nil
}

// refresh brings the cache up to date after a durable write. A cached record
// is synced, which replays the journaled write onto it. Without one, or when
// the sync fenced it, the guard is raised and the record warmed again. All of
// it is best effort, the journal and the fence keep old snapshots harmless.
func (s *Service) refresh(ctx context.Context, key domain.CustomerKey) {
	cached, err := s.persist(ctx, key, nil)
	if err != nil {
		s.logFor(ctx, key).Warn("cache sync after fallback failed", zap.Error(err))
		return
	}
	if cached {
		return
	}
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logFor(ctx, key).Warn("cache invalidation after fallback failed", zap.Error(err))
		return
	}
	if err := s.Warm(ctx, key); err != nil {
		s.logFor(ctx, key).Debug("cache warm after fallback failed", zap.Error(err))
	}
}

// saveStates persists absolute balances of the changed buckets and fences them.
func (s *Service) saveStates(ctx context.Context, tx *gorm.DB, rec *domain.Record, changed []string) error {
	ids := make([]snowflake.ID, 0, len(changed))
	for _, id := range changed {
		b, ok := rec.Buckets[id]
		if !ok {
			continue
		}
		state, err := b.State()
		if err != nil {
			return err
		}
		saved, err := s.store.SaveState(ctx, tx, state)
		if err != nil {
			return err
		}
		if !saved {
			return domain.ErrEntitlementNotFound
		}
		ids = append(ids, state.EntitlementID)
	}
	return s.store.Fence(ctx, tx, ids)
}

func touchDelta(id string, at time.Time) (entdomain.Delta, error) {
	parsed, err := snowflake.ParseString(id)
	if err != nil {
		return entdomain.Delta{}, err
	}
	return entdomain.Delta{EntitlementID: parsed, LastUsedAt: &at}, nil
}
