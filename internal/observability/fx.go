package observability

import (
	"github.com/smallbiznis/tenancy/internal/observability/logger"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	"github.com/smallbiznis/tenancy/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

// Module wires logging, tracing and the tenancy metrics for every binary.
var Module = fx.Module("observability",
	fx.Provide(LoadConfig),
	fx.Provide(
		func(cfg Config) logger.Config {
			return logger.Config{
				ServiceName:         cfg.ServiceName,
				Environment:         cfg.Environment,
				Version:             cfg.Version,
				Level:               cfg.LogLevel,
				Format:              cfg.LogFormat,
				Debug:               cfg.Debug(),
				IncludeCaller:       true,
				IncludeStackOnError: cfg.Debug(),
			}
		},
		func(cfg Config) tracing.Config {
			return tracing.Config{
				Enabled:          cfg.OtelEnabled,
				ServiceName:      cfg.ServiceName,
				ServiceVersion:   cfg.Version,
				Environment:      cfg.Environment,
				ExporterEndpoint: cfg.OtelEndpoint,
				ExporterProtocol: cfg.OtelProtocol,
				SamplingRatio:    cfg.OtelSamplingRatio,
			}
		},
		func(cfg Config) metrics.Config {
			return metrics.Config{
				Enabled:          cfg.OtelEnabled,
				ExporterEndpoint: cfg.OtelEndpoint,
				ExporterProtocol: cfg.OtelProtocol,
				ServiceName:      cfg.ServiceName,
				Environment:      cfg.Environment,
			}
		},
	),
	fx.Provide(
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		metrics.SchedulerWithConfig,
	),
	// The tracer provider installs itself globally; nothing asks for it by type.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
