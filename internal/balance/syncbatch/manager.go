// Package syncbatch coalesces cache writes into durable sync jobs, one open
// batch per customer.
package syncbatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/smallbiznis/balanced/internal/clock"
	"github.com/smallbiznis/balanced/internal/config"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"github.com/smallbiznis/balanced/internal/syncqueue"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultEmitTimeout = 5 * time.Second

type Params struct {
	fx.In

	Enqueuer  syncqueue.Enqueuer
	Config    *config.BalanceConfigHolder
	AppConfig config.Config
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *metrics.WorkerMetrics `optional:"true"`
}

type batch struct {
	key      domain.CustomerKey
	ids      map[string]struct{}
	openedAt time.Time
	timer    *time.Timer
}

// Manager holds at most one open batch per customer. Emits for the same
// customer never overlap.
type Manager struct {
	enqueuer    syncqueue.Enqueuer
	cfg         *config.BalanceConfigHolder
	clock       clock.Clock
	log         *zap.Logger
	metrics     *metrics.WorkerMetrics
	region      string
	backend     string
	dev         bool
	emitTimeout time.Duration

	mu       sync.Mutex
	batches  map[domain.CustomerKey]*batch
	flushing map[domain.CustomerKey]chan struct{}
	inflight int
	drained  chan struct{}
	stopped  bool
}

func NewManager(p Params) *Manager {
	drained := make(chan struct{})
	close(drained)
	return &Manager{
		enqueuer:    p.Enqueuer,
		cfg:         p.Config,
		clock:       p.Clock,
		log:         p.Log.Named("balance.syncbatch"),
		metrics:     p.Metrics,
		region:      p.AppConfig.Region,
		backend:     p.AppConfig.Queue.Backend,
		dev:         p.AppConfig.IsDevelopment(),
		emitTimeout: defaultEmitTimeout,
		batches:     map[domain.CustomerKey]*batch{},
		flushing:    map[domain.CustomerKey]chan struct{}{},
		drained:     drained,
	}
}

// Add merges ids into the customer's open batch, opening one if needed.
// It never blocks on the queue.
func (m *Manager) Add(key domain.CustomerKey, ids []string) {
	if len(ids) == 0 {
		return
	}
	cfg := m.cfg.Get()

	m.mu.Lock()
	if m.stopped {
		b := m.newBatch(key)
		m.merge(b, ids)
		m.begin()
		m.mu.Unlock()
		go m.run(b, metrics.FlushTriggerDrain)
		return
	}

	b, ok := m.batches[key]
	if !ok {
		b = m.newBatch(key)
		m.batches[key] = b
		b.timer = time.AfterFunc(cfg.Window(m.dev), func() { m.expire(b) })
	}
	m.merge(b, ids)

	if len(b.ids) < cfg.MaxBatchSize {
		m.metrics.SetBatchesOpen(len(m.batches))
		m.mu.Unlock()
		return
	}

	b.timer.Stop()
	delete(m.batches, key)
	m.begin()
	m.metrics.SetBatchesOpen(len(m.batches))
	m.mu.Unlock()

	go m.run(b, metrics.FlushTriggerOverflow)
}

func (m *Manager) newBatch(key domain.CustomerKey) *batch {
	return &batch{key: key, ids: map[string]struct{}{}, openedAt: m.clock.Now()}
}

func (m *Manager) merge(b *batch, ids []string) {
	for _, id := range ids {
		if id != "" {
			b.ids[id] = struct{}{}
		}
	}
}

// expire fires when the window closes. A batch already taken by an overflow
// or a drain is left alone.
func (m *Manager) expire(b *batch) {
	m.mu.Lock()
	if m.batches[b.key] != b {
		m.mu.Unlock()
		return
	}
	delete(m.batches, b.key)
	m.begin()
	m.metrics.SetBatchesOpen(len(m.batches))
	m.mu.Unlock()

	m.run(b, metrics.FlushTriggerTimer)
}

// begin and end track emits in flight; callers of begin hold m.mu.
func (m *Manager) begin() {
	if m.inflight == 0 {
		m.drained = make(chan struct{})
	}
	m.inflight++
}

func (m *Manager) end() {
	m.mu.Lock()
	m.inflight--
	if m.inflight == 0 {
		close(m.drained)
	}
	m.mu.Unlock()
}

func (m *Manager) run(b *batch, trigger string) {
	defer m.end()
	_ = m.emit(b, trigger)
}

func (m *Manager) emit(b *batch, trigger string) error {
	m.mu.Lock()
	for {
		ch, busy := m.flushing[b.key]
		if !busy {
			break
		}
		m.mu.Unlock()
		<-ch
		m.mu.Lock()
	}
	done := make(chan struct{})
	m.flushing[b.key] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.flushing, b.key)
		close(done)
		m.mu.Unlock()
	}()

	job := m.job(b)
	ctx, cancel := context.WithTimeout(context.Background(), m.emitTimeout)
	err := m.enqueuer.Enqueue(ctx, job)
	cancel()

	m.metrics.IncFlush(trigger)
	m.metrics.ObserveEmit(m.backend, len(job.Payload.EntitlementIDs), err)
	if err != nil {
		// the cache stays ahead of the store until the next write to this customer
		m.log.Error("sync job emit failed",
			zap.String("group_key", job.GroupKey),
			zap.String("dedup_key", job.DedupKey),
			zap.Int("entitlements", len(job.Payload.EntitlementIDs)),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (m *Manager) job(b *batch) syncqueue.Job {
	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := m.clock.Now()
	bucket := m.cfg.Get().DedupBucket.Milliseconds()
	if bucket <= 0 {
		bucket = 1
	}

	return syncqueue.Job{
		Name:     syncqueue.JobName,
		DedupKey: fmt.Sprintf("sync:%s:%d", b.key.String(), now.UnixMilli()/bucket),
		GroupKey: b.key.String(),
		Payload: syncqueue.Payload{
			OrgID:          b.key.OrgID.String(),
			Environment:    b.key.Environment,
			CustomerID:     b.key.CustomerID.String(),
			EntitlementIDs: ids,
			Region:         m.region,
			EmittedAt:      now,
		},
	}
}

// Flush emits every open batch and waits for all emits in flight.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*batch, 0, len(m.batches))
	for key, b := range m.batches {
		b.timer.Stop()
		delete(m.batches, key)
		open = append(open, b)
	}
	m.metrics.SetBatchesOpen(0)
	m.mu.Unlock()

	p := pool.New().WithErrors().WithMaxGoroutines(16)
	for _, b := range open {
		p.Go(func() error {
			return m.emit(b, metrics.FlushTriggerDrain)
		})
	}
	err := p.Wait()

	m.mu.Lock()
	drained := m.drained
	m.mu.Unlock()
	select {
	case <-drained:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// Open returns the number of open batches.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *Manager) Start(context.Context) error {
	m.mu.Lock()
	m.stopped = false
	m.mu.Unlock()
	return nil
}

// Stop drains open batches. Adds arriving afterwards are emitted right away.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return m.Flush(ctx)
}
