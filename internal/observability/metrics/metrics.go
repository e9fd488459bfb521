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
}

// Metrics exposes tenant lifecycle instruments.
type Metrics struct {
	registrations      metric.Int64Counter
	provisioning       metric.Int64Counter
	provisioningTime   metric.Float64Histogram
	subscriptionMoves  metric.Int64Counter
	paymentDecisions   metric.Int64Counter
	invoicesGenerated  metric.Int64Counter
	entitlementDenials metric.Int64Counter
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

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tenancy"
	}
	meter := provider.Meter(name)

	registrations, err := meter.Int64Counter("tenancy_registrations_total")
	if err != nil {
		return nil, err
	}
	provisioning, err := meter.Int64Counter("tenancy_provisioning_total")
	if err != nil {
		return nil, err
	}
	provisioningTime, err := meter.Float64Histogram("tenancy_provisioning_duration_seconds")
	if err != nil {
		return nil, err
	}
	subscriptionMoves, err := meter.Int64Counter("tenancy_subscription_transitions_total")
	if err != nil {
		return nil, err
	}
	paymentDecisions, err := meter.Int64Counter("tenancy_payment_decisions_total")
	if err != nil {
		return nil, err
	}
	invoicesGenerated, err := meter.Int64Counter("tenancy_invoices_generated_total")
	if err != nil {
		return nil, err
	}
	entitlementDenials, err := meter.Int64Counter("tenancy_entitlement_denials_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		registrations:      registrations,
		provisioning:       provisioning,
		provisioningTime:   provisioningTime,
		subscriptionMoves:  subscriptionMoves,
		paymentDecisions:   paymentDecisions,
		invoicesGenerated:  invoicesGenerated,
		entitlementDenials: entitlementDenials,
	}, nil
}

// RecordRegistration counts registration attempts by outcome.
func (m *Metrics) RecordRegistration(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.registrations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProvisioning counts provisioning attempts and their latency.
func (m *Metrics) RecordProvisioning(ctx context.Context, mode, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("mode", strings.TrimSpace(mode)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.provisioning.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.provisioningTime.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordSubscriptionTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.subscriptionMoves.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPaymentDecision(ctx context.Context, method, decision string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("payment_method", strings.TrimSpace(method)),
		attribute.String("decision", strings.TrimSpace(decision)),
	)
	m.paymentDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordInvoiceGenerated(ctx context.Context, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("source", strings.TrimSpace(source)))
	m.invoicesGenerated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEntitlementDenial counts module or limit denials. Tenant ids are never labels.
func (m *Metrics) RecordEntitlementDenial(ctx context.Context, kind, resource string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("resource", strings.TrimSpace(resource)),
	)
	m.entitlementDenials.Add(ctx, 1, metric.WithAttributes(attrs...))
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"outcome":        {},
	"mode":           {},
	"from":           {},
	"to":             {},
	"payment_method": {},
	"decision":       {},
	"source":         {},
	"kind":           {},
	"resource":       {},
	"route":          {},
	"status_code":    {},
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
