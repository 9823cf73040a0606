package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	entdomain "github.com/smallbiznis/balanced/internal/entitlement/domain"
	"github.com/smallbiznis/balanced/internal/syncqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handle persists the cached state of the buckets named by a sync job. The
// writes are absolute, so replaying a job is harmless.
func (s *Service) Handle(ctx context.Context, payload syncqueue.Payload) error {
	key, err := keyFromPayload(payload)
	if err != nil {
		return err
	}
	_, err = s.persist(ctx, key, payload.EntitlementIDs)
	return err
}

// SyncCustomer persists every cached bucket of the customer.
func (s *Service) SyncCustomer(ctx context.Context, key domain.CustomerKey) error {
	_, err := s.persist(ctx, key, nil)
	return err
}

// persist saves cached buckets over the durable rows. Deltas journaled by the
// fallback path since the bucket was read are replayed onto it first, then
// folded back into the cache. It reports whether the record is still cached.
func (s *Service) persist(ctx context.Context, key domain.CustomerKey, ids []string) (bool, error) {
	rec, err := s.cache.Get(ctx, key)
	if errors.Is(err, domain.ErrCacheMiss) {
		// invalidated since the job was emitted, the store is authoritative
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if len(ids) == 0 {
		for id := range rec.Buckets {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	var (
		written, skipped int
		caught           map[string][]entdomain.Adjustment
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		written, skipped = 0, 0
		caught = map[string][]entdomain.Adjustment{}

		parsed := make([]snowflake.ID, 0, len(ids))
		for _, id := range ids {
			if eid, err := snowflake.ParseString(id); err == nil {
				parsed = append(parsed, eid)
			}
		}
		seqs, err := s.store.LockSequences(ctx, tx, parsed)
		if err != nil {
			return err
		}

		for _, id := range ids {
			b, ok := rec.Buckets[id]
			if !ok {
				skipped++
				continue
			}
			state, err := b.State()
			if err != nil {
				return err
			}
			stored, ok := seqs[state.EntitlementID]
			if !ok || stored.ResetSeq != b.ResetSeq {
				skipped++
				continue
			}
			if stored.FallbackSeq > b.FallbackSeq {
				adjs, err := s.store.ListAdjustments(ctx, tx, state.EntitlementID, b.FallbackSeq)
				if err != nil {
					return err
				}
				merged, err := replay(b, adjs)
				if err != nil {
					return err
				}
				if merged.FallbackSeq != stored.FallbackSeq {
					// journal pruned past this snapshot
					skipped++
					continue
				}
				if state, err = merged.State(); err != nil {
					return err
				}
				caught[id] = adjs
			}
			saved, err := s.store.SaveState(ctx, tx, state)
			if err != nil {
				return fmt.Errorf("save entitlement %s: %w", id, err)
			}
			if saved {
				written++
			} else {
				skipped++
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.worker.AddEntitlementsWritten("written", written)
	s.worker.AddEntitlementsWritten("skipped", skipped)

	if skipped > 0 {
		// the store moved past this snapshot, drop it so the next read re-warms
		if err := s.cache.Invalidate(ctx, key); err != nil {
			s.logFor(ctx, key).Warn("cache invalidation after fenced sync failed", zap.Error(err))
		}
		return false, nil
	}
	if len(caught) > 0 {
		s.catchUp(ctx, key, caught)
	}
	return true, nil
}

// catchUp applies journaled deltas to the cached buckets that have not seen
// them. A failure leaves the journal to the next sync.
func (s *Service) catchUp(ctx context.Context, key domain.CustomerKey, caught map[string][]entdomain.Adjustment) {
	mut := func(rec *domain.Record) ([]string, error) {
		var changed []string
		for id, adjs := range caught {
			b, ok := rec.Buckets[id]
			if !ok {
				continue
			}
			merged, err := replay(b, adjs)
			if err != nil {
				return nil, err
			}
			if merged.FallbackSeq == b.FallbackSeq {
				continue
			}
			rec.Buckets[id] = merged
			changed = append(changed, id)
		}
		sort.Strings(changed)
		return changed, nil
	}
	res, err := s.cache.Apply(ctx, key, "", 0, mut)
	if err != nil || res.Code != domain.WriteOK {
		s.logFor(ctx, key).Debug("cache catch-up skipped", zap.String("code", string(res.Code)), zap.Error(err))
	}
}

// replay returns a copy of b with the journaled deltas it has not seen applied.
func replay(b *domain.Bucket, adjs []entdomain.Adjustment) (*domain.Bucket, error) {
	out := b.Clone()
	for _, adj := range adjs {
		if adj.Seq <= out.FallbackSeq {
			continue
		}
		d, err := adj.Decode()
		if err != nil {
			return nil, err
		}
		out.ApplyDelta(d)
		out.FallbackSeq = adj.Seq
	}
	return out, nil
}

func keyFromPayload(p syncqueue.Payload) (domain.CustomerKey, error) {
	orgID, err := snowflake.ParseString(p.OrgID)
	if err != nil {
		return domain.CustomerKey{}, fmt.Errorf("%w: org id: %v", syncqueue.ErrInvalidJob, err)
	}
	customerID, err := snowflake.ParseString(p.CustomerID)
	if err != nil {
		return domain.CustomerKey{}, fmt.Errorf("%w: customer id: %v", syncqueue.ErrInvalidJob, err)
	}
	key := domain.CustomerKey{OrgID: orgID, Environment: p.Environment, CustomerID: customerID}
	if !key.Valid() {
		return domain.CustomerKey{}, syncqueue.ErrInvalidJob
	}
	return key, nil
}
