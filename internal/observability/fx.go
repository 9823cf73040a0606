package observability

import (
	"github.com/smallbiznis/balanced/internal/observability/logger"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"github.com/smallbiznis/balanced/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.Logger,
		logger.New,
		Config.Tracing,
		tracing.NewProvider,
		Config.Metrics,
		metrics.NewProvider,
		metrics.New,
		metrics.WorkerWithConfig,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
