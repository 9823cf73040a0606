// Package cache keeps the hot copy of customer balances in Redis.
//
// Each customer owns one hash holding a meta field and one field per bucket,
// plus a guard key with the last invalidation time. A snapshot read from the
// durable store before that time can never be written back.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/smallbiznis/balanced/internal/clock"
	"github.com/smallbiznis/balanced/internal/config"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxWatchRetries = 64

// Mutation edits the record in place and returns the ids of changed buckets.
// An error aborts the write and is handed back untouched.
type Mutation func(rec *domain.Record) ([]string, error)

type ApplyResult struct {
	Code   domain.WriteCode
	Record *domain.Record
}

type Params struct {
	fx.In

	Client  *redis.Client
	Config  *config.BalanceConfigHolder
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics       `optional:"true"`
	Worker  *metrics.WorkerMetrics `optional:"true"`
}

// Store keeps one Redis hash per customer and guards every write against
// invalidations newer than the snapshot it came from. The guard key outlives
// any record it can reject: it is kept for twice the record TTL plus the
// fallback timeout, so a snapshot read before an invalidation stays stale for
// as long as it could still be offered to the cache.
type Store struct {
	client  *redis.Client
	cfg     *config.BalanceConfigHolder
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	breaker circuitbreaker.CircuitBreaker[any]
}

// mutationError carries a caller error through the breaker without counting
// it as a cache failure.
type mutationError struct{ err error }

func (e mutationError) Error() string { return e.err.Error() }
func (e mutationError) Unwrap() error { return e.err }

func NewStore(p Params) *Store {
	log := p.Log.Named("balance.cache")
	bc := p.Config.Get().Breaker

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(bc.FailureThreshold, bc.FailureWindow).
		WithDelay(bc.Delay).
		WithSuccessThreshold(bc.SuccessThreshold).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			log.Warn("cache circuit state changed",
				zap.String("from", stateName(event.OldState)),
				zap.String("to", stateName(event.NewState)),
			)
			p.Worker.SetCircuitOpen(event.NewState == circuitbreaker.OpenState)
		}).
		Build()

	return &Store{
		client:  p.Client,
		cfg:     p.Config,
		clock:   p.Clock,
		log:     log,
		metrics: p.Metrics,
		breaker: breaker,
	}
}

// Open reports whether the breaker currently rejects cache calls.
func (s *Store) Open() bool {
	return s.breaker.IsOpen()
}

func (s *Store) ttl() time.Duration {
	return s.cfg.Get().CacheTTL
}

func (s *Store) guardTTL() time.Duration {
	cfg := s.cfg.Get()
	return 2*cfg.CacheTTL + cfg.FallbackTimeout
}

// guarded runs fn under the cache timeout and the circuit breaker. Redis
// errors come back wrapped in ErrCacheFault, everything else passes through.
func (s *Store) guarded(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Get().CacheTimeout)
	defer cancel()

	var passthrough error
	_, err := failsafe.With(s.breaker).Get(func() (any, error) {
		err := fn(ctx)
		if err == nil {
			return nil, nil
		}
		var mErr mutationError
		if errors.As(err, &mErr) || errors.Is(err, domain.ErrCacheMiss) {
			passthrough = err
			return nil, nil
		}
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrCacheFault, op, err)
	}
	var mErr mutationError
	if errors.As(passthrough, &mErr) {
		return mErr.err
	}
	return passthrough
}

// Get returns the cached record or ErrCacheMiss.
func (s *Store) Get(ctx context.Context, key domain.CustomerKey) (*domain.Record, error) {
	var rec *domain.Record
	err := s.guarded(ctx, "get", func(ctx context.Context) error {
		fields, err := s.client.HGetAll(ctx, recordKey(key)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return domain.ErrCacheMiss
		}
		rec, err = decodeRecord(key, fields)
		return err
	})
	return rec, err
}

// SetRecord writes a freshly read snapshot unless an invalidation happened
// after the read, or another writer already filled the key.
func (s *Store) SetRecord(ctx context.Context, rec *domain.Record) (domain.WriteCode, error) {
	fields, err := encodeRecord(rec)
	if err != nil {
		return "", err
	}

	var code domain.WriteCode
	err = s.guarded(ctx, "set_record", func(ctx context.Context) error {
		args := append([]any{rec.FetchedAt, s.ttl().Milliseconds()}, fields...)
		res, err := setRecordScript.Run(ctx, s.client, []string{recordKey(rec.Key), guardKey(rec.Key)}, args...).Text()
		if err != nil {
			return err
		}
		code = domain.WriteCode(res)
		return nil
	})
	if err != nil {
		return "", err
	}

	s.metrics.RecordCacheWrite(ctx, "set_record", string(code))
	if code == domain.WriteStale {
		s.metrics.RecordStaleWrite(ctx, "set_record")
	}
	return code, nil
}

// Invalidate drops the record and raises the guard to now.
func (s *Store) Invalidate(ctx context.Context, key domain.CustomerKey) error {
	now := s.clock.Now().UnixMilli()
	return s.guarded(ctx, "invalidate", func(ctx context.Context) error {
		return invalidateScript.Run(ctx, s.client,
			[]string{recordKey(key), guardKey(key)},
			now, s.guardTTL().Milliseconds(),
		).Err()
	})
}

// Apply runs mut against the cached record atomically. fetchedAt is the read
// time of the snapshot the caller acted on; zero means the record's own.
func (s *Store) Apply(ctx context.Context, key domain.CustomerKey, idem string, fetchedAt int64, mut Mutation) (ApplyResult, error) {
	var result ApplyResult
	recKey := recordKey(key)
	gKey := guardKey(key)
	iKey := idempotencyKey(key, idem)

	watched := []string{recKey, gKey}
	if iKey != "" {
		watched = append(watched, iKey)
	}

	txn := func(ctx context.Context) func(tx *redis.Tx) error {
		return func(tx *redis.Tx) error {
			result = ApplyResult{}

			guard, err := tx.Get(ctx, gKey).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			fields, err := tx.HGetAll(ctx, recKey).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return domain.ErrCacheMiss
			}
			rec, err := decodeRecord(key, fields)
			if err != nil {
				return err
			}
			result.Record = rec

			readAt := fetchedAt
			if readAt == 0 {
				readAt = rec.FetchedAt
			}
			if readAt < guard {
				result.Code = domain.WriteStale
				return nil
			}

			if iKey != "" {
				seen, err := tx.Exists(ctx, iKey).Result()
				if err != nil {
					return err
				}
				if seen > 0 {
					result.Code = domain.WriteCacheExists
					return nil
				}
			}

			changed, err := mut(rec)
			if err != nil {
				return mutationError{err: err}
			}

			ttl := s.ttl()
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, id := range changed {
					b, ok := rec.Buckets[id]
					if !ok {
						continue
					}
					raw, err := json.Marshal(b)
					if err != nil {
						return err
					}
					pipe.HSet(ctx, recKey, bucketField+id, string(raw))
				}
				if iKey != "" {
					pipe.Set(ctx, iKey, strconv.FormatInt(s.clock.Now().UnixMilli(), 10), ttl)
				}
				pipe.PExpire(ctx, recKey, ttl)
				return nil
			})
			if err != nil {
				return err
			}
			result.Code = domain.WriteOK
			return nil
		}
	}

	err := s.guarded(ctx, "apply", func(ctx context.Context) error {
		for attempt := 0; attempt < maxWatchRetries; attempt++ {
			err := s.client.Watch(ctx, txn(ctx), watched...)
			if errors.Is(err, redis.TxFailedErr) {
				continue
			}
			return err
		}
		return redis.TxFailedErr
	})
	if err != nil {
		return ApplyResult{}, err
	}

	s.metrics.RecordCacheWrite(ctx, "apply", string(result.Code))
	if result.Code == domain.WriteStale {
		s.metrics.RecordStaleWrite(ctx, "apply")
	}
	return result, nil
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half_open"
	default:
		return "closed"
	}
}
