package observability

import (
	"strings"

	"github.com/smallbiznis/balanced/internal/config"
	"github.com/smallbiznis/balanced/internal/observability/logger"
	"github.com/smallbiznis/balanced/internal/observability/metrics"
	"github.com/smallbiznis/balanced/internal/observability/tracing"
)

// Config is the slice of the application config the telemetry stack needs,
// with the service identity resolved.
type Config struct {
	ServiceName string
	Environment string
	Region      string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "balanced"
	}
	t := cfg.Telemetry
	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Region:               strings.TrimSpace(cfg.Region),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             t.LogLevel,
		LogFormat:            t.LogFormat,
		OtelEnabled:          t.Enabled,
		OtelExporterEndpoint: t.ExporterEndpoint,
		OtelExporterProtocol: t.ExporterProtocol,
		OtelSamplingRatio:    t.SamplingRatio,
	}
}

// Debug turns on verbose logging for debug level or any dev environment.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	return config.Config{Environment: c.Environment}.IsDevelopment()
}

// Logger, Tracing and Metrics stamp the same service identity, region
// included, on every signal so logs, spans and series join up per region.
func (c Config) Logger() logger.Config {
	return logger.Config{
		ServiceName:         c.ServiceName,
		Environment:         c.Environment,
		Region:              c.Region,
		Version:             c.Version,
		Level:               c.LogLevel,
		Format:              c.LogFormat,
		Debug:               c.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: c.Debug(),
	}
}

func (c Config) Tracing() tracing.Config {
	return tracing.Config{
		Enabled:          c.OtelEnabled,
		ServiceName:      c.ServiceName,
		ServiceVersion:   c.Version,
		Environment:      c.Environment,
		Region:           c.Region,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		SamplingRatio:    c.OtelSamplingRatio,
	}
}

func (c Config) Metrics() metrics.Config {
	return metrics.Config{
		Enabled:          c.OtelEnabled,
		ExporterEndpoint: c.OtelExporterEndpoint,
		ExporterProtocol: c.OtelExporterProtocol,
		ServiceName:      c.ServiceName,
		Environment:      c.Environment,
		Region:           c.Region,
	}
}
