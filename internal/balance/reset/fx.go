package reset

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("balance.reset",
	fx.Provide(DefaultConfig),
	fx.Provide(NewProcessor),
)

// SweepModule runs the overdue reset sweep in the background.
var SweepModule = fx.Module("balance.reset.sweep",
	fx.Provide(NewWorker),
	fx.Invoke(runSweep),
)

func runSweep(lc fx.Lifecycle, worker *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
