package syncqueue

import (
	"context"

	"github.com/smallbiznis/balanced/internal/config"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the Enqueuer for the configured backend.
var Module = fx.Module("syncqueue",
	fx.Provide(NewOutbox),
	fx.Provide(NewEnqueuer),
)

// WorkerModule consumes sync jobs. It needs a Handler in the graph.
var WorkerModule = fx.Module("syncqueue.worker",
	fx.Provide(DefaultConfig),
	fx.Provide(NewWorker),
	fx.Invoke(runConsumer),
)

func NewEnqueuer(lc fx.Lifecycle, cfg config.Config, outbox *Outbox, log *zap.Logger) (Enqueuer, error) {
	if cfg.Queue.Backend != config.QueueBackendKafka {
		return outbox, nil
	}
	producer, err := NewKafkaProducer(cfg.Queue, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			producer.Close()
			return nil
		},
	})
	return producer, nil
}

func runConsumer(lc fx.Lifecycle, cfg config.Config, worker *Worker, handler Handler, log *zap.Logger, m *metrics.WorkerMetrics) error {
	var run func(context.Context)
	var closeFn func()

	if cfg.Queue.Backend == config.QueueBackendKafka {
		consumer, err := NewKafkaConsumer(cfg.Queue, handler, log, m)
		if err != nil {
			return err
		}
		run = consumer.Run
		closeFn = consumer.Close
	} else {
		run = worker.RunForever
		closeFn = func() {}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go run(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					closeFn()
					return nil
				},
			})

			return nil
		},
	})
	return nil
}
