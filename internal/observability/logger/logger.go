package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/tenancy/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the process logger.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string
	Debug       bool

	IncludeCaller       bool
	IncludeStackOnError bool
}

// Sampling applies per message per second outside debug mode.
const (
	samplingFirst      = 100
	samplingThereafter = 100
)

// New builds the process logger, installs it as the zap global and flushes it
// when the fx app stops.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	if !cfg.Debug {
		core = zapcore.NewSamplerWithOptions(core, time.Second, samplingFirst, samplingThereafter)
	}

	opts := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if cfg.IncludeCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.IncludeStackOnError {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tenancy"
	}
	log := zap.New(core, opts...).With(
		zap.String("service", serviceName),
		zap.String("env", strings.TrimSpace(cfg.Environment)),
		zap.String("version", strings.TrimSpace(cfg.Version)),
	)
	zap.ReplaceGlobals(log)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				// stdout sync fails on some terminals; nothing to recover.
				_ = log.Sync()
				return nil
			},
		})
	}
	return log, nil
}

func parseLevel(raw string) (zap.AtomicLevel, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
	}
	level, err := zap.ParseAtomicLevel(strings.ToLower(raw))
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return level, nil
}

// FromContext returns the global logger with the correlation fields carried
// by ctx.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext decorates base with request id, tenant, actor and trace ids.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil || base == nil {
		return base
	}
	fields := contextFields(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

func contextFields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if id := obscontext.RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if id := obscontext.TenantIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("tenant_id", id))
	}
	if kind, id := obscontext.ActorFromContext(ctx); kind != "" {
		fields = append(fields, zap.String("actor_type", kind), zap.String("actor_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return fields
}
