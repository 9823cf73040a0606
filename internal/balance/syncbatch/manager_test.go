package syncbatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/smallbiznis/balanced/internal/clock"
	"github.com/smallbiznis/balanced/internal/config"
	"github.com/smallbiznis/balanced/internal/syncqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	keyA = domain.CustomerKey{OrgID: 1, Environment: "live", CustomerID: 10}
	keyB = domain.CustomerKey{OrgID: 1, Environment: "live", CustomerID: 11}
)

type fakeEnqueuer struct {
	mu      sync.Mutex
	jobs    []syncqueue.Job
	err     error
	delay   time.Duration
	active  map[string]int
	overlap atomic.Bool
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job syncqueue.Job) error {
	f.mu.Lock()
	if f.active == nil {
		f.active = map[string]int{}
	}
	f.active[job.GroupKey]++
	if f.active[job.GroupKey] > 1 {
		f.overlap.Store(true)
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[job.GroupKey]--
	f.jobs = append(f.jobs, job)
	return f.err
}

func (f *fakeEnqueuer) snapshot() []syncqueue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncqueue.Job(nil), f.jobs...)
}

func newTestManager(t *testing.T, enq syncqueue.Enqueuer, window time.Duration, maxSize int) *Manager {
	t.Helper()
	cfg := config.DefaultBalanceConfig()
	cfg.BatchWindow = window
	cfg.DevBatchWindow = window
	cfg.MaxBatchSize = maxSize

	return NewManager(Params{
		Enqueuer:  enq,
		Config:    config.NewStaticBalanceConfigHolder(cfg),
		AppConfig: config.Config{Environment: "production", Region: "us-east-1", Queue: config.QueueConfig{Backend: config.QueueBackendOutbox}},
		Clock:     clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Log:       zap.NewNop(),
	})
}

func TestAddCoalescesWithinWindow(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, 30*time.Millisecond, 100)

	m.Add(keyA, []string{"1"})
	m.Add(keyA, []string{"2", "1"})
	m.Add(keyA, []string{"3"})
	assert.Equal(t, 1, m.Open())

	require.Eventually(t, func() bool { return len(enq.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	job := enq.snapshot()[0]
	assert.Equal(t, []string{"1", "2", "3"}, job.Payload.EntitlementIDs)
	assert.Equal(t, "1:live:10", job.GroupKey)
	assert.Equal(t, "us-east-1", job.Payload.Region)
	assert.Contains(t, job.DedupKey, "sync:1:live:10:")
	assert.Zero(t, m.Open())
}

func TestAddOverflowFlushesImmediately(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, time.Hour, 3)

	m.Add(keyA, []string{"1", "2"})
	m.Add(keyA, []string{"3"})

	require.Eventually(t, func() bool { return len(enq.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, enq.snapshot()[0].Payload.EntitlementIDs)
	assert.Zero(t, m.Open())
}

func TestBatchesAreScopedPerCustomer(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, time.Hour, 100)

	m.Add(keyA, []string{"1"})
	m.Add(keyB, []string{"2"})
	assert.Equal(t, 2, m.Open())

	require.NoError(t, m.Flush(context.Background()))
	jobs := enq.snapshot()
	require.Len(t, jobs, 2)
	groups := []string{jobs[0].GroupKey, jobs[1].GroupKey}
	assert.ElementsMatch(t, []string{"1:live:10", "1:live:11"}, groups)
}

func TestFlushWaitsForInflightEmits(t *testing.T) {
	enq := &fakeEnqueuer{delay: 10 * time.Millisecond}
	m := newTestManager(t, enq, time.Hour, 1)

	for i := 0; i < 5; i++ {
		m.Add(keyA, []string{"1"})
	}
	require.NoError(t, m.Flush(context.Background()))

	assert.Len(t, enq.snapshot(), 5)
	assert.False(t, enq.overlap.Load(), "emits for one customer overlapped")
}

func TestEmitFailureIsNotRetried(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("queue down")}
	m := newTestManager(t, enq, time.Hour, 100)

	m.Add(keyA, []string{"1"})
	err := m.Flush(context.Background())
	assert.Error(t, err)
	assert.Len(t, enq.snapshot(), 1)
	assert.Zero(t, m.Open())
}

func TestAddAfterStopEmitsDirectly(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, time.Hour, 100)

	m.Add(keyA, []string{"1"})
	require.NoError(t, m.Stop(context.Background()))
	require.Len(t, enq.snapshot(), 1)

	m.Add(keyA, []string{"2"})
	require.NoError(t, m.Flush(context.Background()))
	assert.Len(t, enq.snapshot(), 2)
	assert.Zero(t, m.Open())
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, job syncqueue.Job) error {
	return m.Called(ctx, job).Error(0)
}

func TestFlushEmitsDedupKeyPerTimeBucket(t *testing.T) {
	enq := &mockEnqueuer{}
	enq.On("Enqueue", mock.Anything, mock.MatchedBy(func(job syncqueue.Job) bool {
		// 2026-01-01T00:00:00Z in ms divided by the 1s bucket
		return job.DedupKey == "sync:1:live:10:1767225600"
	})).Return(nil).Once()

	m := newTestManager(t, enq, time.Hour, 100)
	m.Add(keyA, []string{"5"})
	require.NoError(t, m.Flush(context.Background()))
	enq.AssertExpectations(t)
}

func TestAddIgnoresEmptyIDs(t *testing.T) {
	enq := &fakeEnqueuer{}
	m := newTestManager(t, enq, time.Hour, 100)
	m.Add(keyA, nil)
	assert.Zero(t, m.Open())
}
