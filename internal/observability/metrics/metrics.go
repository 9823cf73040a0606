package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
	Region           string
}

// Metrics exposes balance engine instruments.
type Metrics struct {
	track      metric.Int64Counter
	fallback   metric.Int64Counter
	staleWrite metric.Int64Counter
	cacheWrite metric.Int64Counter
	reset      metric.Int64Counter
	disallowed metric.Float64Counter
	trackTime  metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the balance instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "balanced"
	}
	meter := provider.Meter(name)

	track, err := meter.Int64Counter("balance_track_total")
	if err != nil {
		return nil, err
	}
	fallback, err := meter.Int64Counter("balance_fallback_total")
	if err != nil {
		return nil, err
	}
	staleWrite, err := meter.Int64Counter("balance_stale_write_total")
	if err != nil {
		return nil, err
	}
	cacheWrite, err := meter.Int64Counter("balance_cache_write_total")
	if err != nil {
		return nil, err
	}
	reset, err := meter.Int64Counter("balance_reset_total")
	if err != nil {
		return nil, err
	}
	disallowed, err := meter.Float64Counter("balance_disallowed_units_total")
	if err != nil {
		return nil, err
	}
	trackTime, err := meter.Float64Histogram("balance_track_duration_seconds", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		track:      track,
		fallback:   fallback,
		staleWrite: staleWrite,
		cacheWrite: cacheWrite,
		reset:      reset,
		disallowed: disallowed,
		trackTime:  trackTime,
	}, nil
}

// NewNoop returns instruments backed by the noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordTrack counts a track call by outcome (cache, fallback, unlimited, denied, error).
func (m *Metrics) RecordTrack(ctx context.Context, featureID, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature_id", strings.TrimSpace(featureID)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.track.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.trackTime.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
}

// RecordFallback counts a degraded-path deduction.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.fallback.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStaleWrite counts guard rejections.
func (m *Metrics) RecordStaleWrite(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.staleWrite.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCacheWrite counts cache write results by code.
func (m *Metrics) RecordCacheWrite(ctx context.Context, operation, code string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("code", strings.TrimSpace(code)),
	)
	m.cacheWrite.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReset counts entitlement resets by outcome (reset, skipped, lifetime_adjusted).
func (m *Metrics) RecordReset(ctx context.Context, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.reset.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordDisallowed adds units that no bucket could absorb.
func (m *Metrics) RecordDisallowed(ctx context.Context, featureID string, units float64) {
	if m == nil || units <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("feature_id", strings.TrimSpace(featureID)))
	m.disallowed.Add(ctx, units, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// customer_id is deliberately absent.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"feature_id": {},
	"result":     {},
	"reason":     {},
	"operation":  {},
	"code":       {},
	"outcome":    {},
	"backend":    {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
