package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/tenancy/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	SinkLog     = "log"
	SinkWebhook = "webhook"
	SinkKafka   = "kafka"
)

// Sink delivers outbox messages to a notification channel.
type Sink interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
}

// NewSinks builds the sinks named in EVENTS_SINKS. Unknown names are an error
// so a typo does not silently drop events.
func NewSinks(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) ([]Sink, error) {
	names := cfg.Events.Sinks
	if len(names) == 0 {
		names = []string{SinkLog}
	}

	sinks := make([]Sink, 0, len(names))
	seen := map[string]bool{}
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case SinkLog:
			sinks = append(sinks, NewLogSink(log))
		case SinkWebhook:
			sink, err := NewWebhookSink(cfg.Events.WebhookURL, cfg.Events.WebhookToken)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		case SinkKafka:
			sink, err := NewKafkaSink(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
			if err != nil {
				return nil, err
			}
			if lc != nil {
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						sink.Close()
						return nil
					},
				})
			}
			sinks = append(sinks, sink)
		default:
			return nil, fmt.Errorf("unknown event sink %q", raw)
		}
	}
	return sinks, nil
}

type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events.log")}
}

func (s *LogSink) Name() string { return SinkLog }

func (s *LogSink) Publish(_ context.Context, msg Message) error {
	s.log.Info("event",
		zap.String("event_id", msg.ID),
		zap.String("event_type", msg.Type),
		zap.String("aggregate_type", msg.AggregateType),
		zap.String("aggregate_id", msg.AggregateID),
		zap.String("tenant_id", msg.TenantID),
		zap.Time("occurred_at", msg.OccurredAt),
	)
	return nil
}
