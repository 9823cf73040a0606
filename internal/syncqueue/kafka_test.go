package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const testTopic = "balance-sync"

func TestNewRecordKeysByGroup(t *testing.T) {
	job := testJob("100", "101")
	job.Name = ""

	record, err := newRecord(testTopic, job)
	require.NoError(t, err)
	assert.Equal(t, testTopic, record.Topic)
	assert.Equal(t, "1:live:42", string(record.Key))

	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		headerDedupKey: "sync:1:live:42:100",
		headerJobName:  JobName,
		headerRegion:   "eu-west-1",
	}, headers)

	var payload Payload
	require.NoError(t, json.Unmarshal(record.Value, &payload))
	assert.Equal(t, []string{"100", "101"}, payload.EntitlementIDs)
	assert.Equal(t, "42", payload.CustomerID)

	job.DedupKey = ""
	_, err = newRecord(testTopic, job)
	assert.ErrorIs(t, err, ErrInvalidJob)
}

type countingHandler struct {
	mu    sync.Mutex
	calls map[string]int
	fail  func(p Payload, call int) error
}

func (h *countingHandler) Handle(ctx context.Context, p Payload) error {
	h.mu.Lock()
	if h.calls == nil {
		h.calls = map[string]int{}
	}
	h.calls[p.CustomerID]++
	call := h.calls[p.CustomerID]
	h.mu.Unlock()
	if h.fail != nil {
		return h.fail(p, call)
	}
	return nil
}

func newTestConsumer(h Handler, retries uint64) (*KafkaConsumer, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return &KafkaConsumer{
		handler: h,
		log:     zap.NewNop(),
		metrics: metrics.NewWorkerMetrics(reg, metrics.Config{}),
		retry: func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, retries)
		},
	}, reg
}

func syncRecord(t *testing.T, partition int32, offset int64, customerID string) *kgo.Record {
	t.Helper()
	job := testJob("100")
	job.Payload.CustomerID = customerID
	record, err := newRecord(testTopic, job)
	require.NoError(t, err)
	record.Partition = partition
	record.Offset = offset
	return record
}

func processed(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "balance_worker_items_processed_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["worker"] == metrics.WorkerKafkaSync && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func offsets(records []*kgo.Record) map[int32]int64 {
	out := map[int32]int64{}
	for _, r := range records {
		out[r.Partition] = r.Offset
	}
	return out
}

func TestConsumerCommitsPastPoisonRecord(t *testing.T) {
	h := &countingHandler{}
	c, reg := newTestConsumer(h, 2)

	poison := &kgo.Record{Topic: testTopic, Partition: 0, Offset: 7, Value: []byte("{not json")}
	lonely := &kgo.Record{Topic: testTopic, Partition: 1, Offset: 3, Value: []byte("[]")}

	commit := c.process(context.Background(), []*kgo.Record{
		poison,
		syncRecord(t, 0, 8, "42"),
		lonely,
	})

	assert.Equal(t, map[int32]int64{0: 8, 1: 3}, offsets(commit))
	assert.Equal(t, 1, h.calls["42"])
	assert.Equal(t, float64(2), processed(t, reg, "failed"))
	assert.Equal(t, float64(1), processed(t, reg, "ok"))
}

func TestConsumerRetriesHandlerErrors(t *testing.T) {
	h := &countingHandler{fail: func(p Payload, call int) error {
		if call < 3 {
			return errors.New("store unavailable")
		}
		return nil
	}}
	c, reg := newTestConsumer(h, 5)

	commit := c.process(context.Background(), []*kgo.Record{syncRecord(t, 0, 1, "42")})

	assert.Equal(t, map[int32]int64{0: 1}, offsets(commit))
	assert.Equal(t, 3, h.calls["42"])
	assert.Equal(t, float64(1), processed(t, reg, "ok"))
}

func TestConsumerBlocksPartitionAfterRetries(t *testing.T) {
	h := &countingHandler{fail: func(p Payload, call int) error {
		if p.CustomerID == "42" {
			return errors.New("store unavailable")
		}
		return nil
	}}
	c, reg := newTestConsumer(h, 2)

	commit := c.process(context.Background(), []*kgo.Record{
		syncRecord(t, 0, 1, "41"),
		syncRecord(t, 0, 2, "42"),
		syncRecord(t, 0, 3, "43"),
		syncRecord(t, 1, 9, "44"),
	})

	// offset 2 keeps failing, so partition 0 commits only what came before it
	assert.Equal(t, map[int32]int64{0: 1, 1: 9}, offsets(commit))
	assert.Equal(t, 3, h.calls["42"])
	assert.Zero(t, h.calls["43"])
	assert.Equal(t, 1, h.calls["44"])
	assert.Equal(t, float64(2), processed(t, reg, "ok"))
}

func TestConsumerDropsInvalidJobWithoutRetry(t *testing.T) {
	h := &countingHandler{fail: func(p Payload, call int) error {
		return fmt.Errorf("%w: customer id", ErrInvalidJob)
	}}
	c, reg := newTestConsumer(h, 5)

	commit := c.process(context.Background(), []*kgo.Record{syncRecord(t, 0, 4, "42")})

	assert.Equal(t, map[int32]int64{0: 4}, offsets(commit))
	assert.Equal(t, 1, h.calls["42"])
	assert.Equal(t, float64(1), processed(t, reg, "failed"))
}
