package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/smallbiznis/balanced/internal/config"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

const (
	headerDedupKey = "dedup_key"
	headerJobName  = "job_name"
	headerRegion   = "region"
)

// KafkaProducer publishes sync jobs keyed by customer so one customer's jobs
// stay ordered on a single partition.
type KafkaProducer struct {
	client *kgo.Client
	topic  string
	log    *zap.Logger
}

func NewKafkaProducer(cfg config.QueueConfig, log *zap.Logger) (*KafkaProducer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required for the %s backend", config.QueueBackendKafka)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ClientID(cfg.KafkaClientID),
		kgo.DefaultProduceTopic(cfg.KafkaTopic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(5*time.Millisecond),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaProducer{
		client: client,
		topic:  cfg.KafkaTopic,
		log:    log.Named("syncqueue.kafka"),
	}, nil
}

func (p *KafkaProducer) Enqueue(ctx context.Context, job Job) error {
	record, err := newRecord(p.topic, job)
	if err != nil {
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		return p.client.ProduceSync(ctx, record).FirstErr()
	}, policy)
}

// newRecord keys the job by its group so the partitioner keeps a customer's
// jobs in order. The dedup key rides along as a header.
func newRecord(topic string, job Job) (*kgo.Record, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	value, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, err
	}
	name := job.Name
	if name == "" {
		name = JobName
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(job.GroupKey),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: headerDedupKey, Value: []byte(job.DedupKey)},
			{Key: headerJobName, Value: []byte(name)},
			{Key: headerRegion, Value: []byte(job.Payload.Region)},
		},
	}, nil
}

func (p *KafkaProducer) Close() {
	p.client.Close()
}

// KafkaConsumer feeds sync jobs from the topic into a Handler. A record that
// keeps failing blocks its partition so no later offset is committed past it.
type KafkaConsumer struct {
	client  *kgo.Client
	handler Handler
	log     *zap.Logger
	metrics *metrics.WorkerMetrics
	retry   func() backoff.BackOff
}

func recordBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
}

func NewKafkaConsumer(cfg config.QueueConfig, handler Handler, log *zap.Logger, m *metrics.WorkerMetrics) (*KafkaConsumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required for the %s backend", config.QueueBackendKafka)
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ClientID(cfg.KafkaClientID),
		kgo.ConsumerGroup(cfg.KafkaGroup),
		kgo.ConsumeTopics(cfg.KafkaTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaConsumer{
		client:  client,
		handler: handler,
		log:     log.Named("syncqueue.kafka_consumer"),
		metrics: m,
		retry:   recordBackOff,
	}, nil
}

func (c *KafkaConsumer) Run(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Warn("kafka fetch failed", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})

		var records []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			records = append(records, r)
		})
		if commit := c.process(ctx, records); len(commit) > 0 {
			if err := c.client.CommitRecords(ctx, commit...); err != nil {
				c.log.Warn("kafka commit failed", zap.Error(err))
			}
		}
		c.client.AllowRebalance()
	}
}

func (c *KafkaConsumer) process(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	type partitionKey struct {
		topic     string
		partition int32
	}
	blocked := map[partitionKey]bool{}
	last := map[partitionKey]*kgo.Record{}

	for _, record := range records {
		pk := partitionKey{topic: record.Topic, partition: record.Partition}
		if blocked[pk] {
			continue
		}

		var payload Payload
		if err := json.Unmarshal(record.Value, &payload); err != nil {
			// poison record, skip it
			c.log.Error("undecodable sync record", zap.Int64("offset", record.Offset), zap.Error(err))
			c.metrics.AddProcessed(metrics.WorkerKafkaSync, "failed", 1)
			last[pk] = record
			continue
		}

		policy := backoff.WithContext(c.retry(), ctx)
		err := backoff.Retry(func() error {
			err := c.handler.Handle(ctx, payload)
			if errors.Is(err, ErrInvalidJob) {
				return backoff.Permanent(err)
			}
			return err
		}, policy)
		if errors.Is(err, ErrInvalidJob) {
			c.log.Error("invalid sync record", zap.Int64("offset", record.Offset), zap.Error(err))
			c.metrics.AddProcessed(metrics.WorkerKafkaSync, "failed", 1)
			last[pk] = record
			continue
		}
		if err != nil {
			c.metrics.IncError(metrics.WorkerKafkaSync, err)
			c.log.Warn("sync record failed, partition blocked until redelivery",
				zap.String("topic", record.Topic),
				zap.Int32("partition", record.Partition),
				zap.Int64("offset", record.Offset),
				zap.Error(err),
			)
			blocked[pk] = true
			continue
		}
		c.metrics.AddProcessed(metrics.WorkerKafkaSync, "ok", 1)
		last[pk] = record
	}

	out := make([]*kgo.Record, 0, len(last))
	for _, r := range last {
		out = append(out, r)
	}
	return out
}

func (c *KafkaConsumer) Close() {
	c.client.Close()
}
