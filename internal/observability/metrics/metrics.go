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

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents      metric.Int64Counter
	paymentTransitions metric.Int64Counter
	reconcileIgnored   metric.Int64Counter
	gatewayCalls       metric.Int64Counter
	gatewayLatency     metric.Float64Histogram
	fanoutDeliveries   metric.Int64Counter
	processingFailures metric.Int64Counter
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
		name = "clinicpay"
	}
	meter := provider.Meter(name)

	webhookEvents, err := meter.Int64Counter("clinicpay_webhook_events_total")
	if err != nil {
		return nil, err
	}
	paymentTransitions, err := meter.Int64Counter("clinicpay_payment_transitions_total")
	if err != nil {
		return nil, err
	}
	reconcileIgnored, err := meter.Int64Counter("clinicpay_reconcile_ignored_total")
	if err != nil {
		return nil, err
	}
	gatewayCalls, err := meter.Int64Counter("clinicpay_gateway_calls_total")
	if err != nil {
		return nil, err
	}
	gatewayLatency, err := meter.Float64Histogram("clinicpay_gateway_call_duration_seconds",
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	fanoutDeliveries, err := meter.Int64Counter("clinicpay_fanout_deliveries_total")
	if err != nil {
		return nil, err
	}
	processingFailures, err := meter.Int64Counter("clinicpay_processing_failures_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookEvents:      webhookEvents,
		paymentTransitions: paymentTransitions,
		reconcileIgnored:   reconcileIgnored,
		gatewayCalls:       gatewayCalls,
		gatewayLatency:     gatewayLatency,
		fanoutDeliveries:   fanoutDeliveries,
		processingFailures: processingFailures,
	}, nil
}

// RecordWebhookEvent counts inbound webhook deliveries by outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentTransition counts applied payment status changes.
func (m *Metrics) RecordPaymentTransition(ctx context.Context, from, to, source string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_status", from),
		attribute.String("to_status", to),
		attribute.String("source", source),
	)
	m.paymentTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReconcileIgnored(ctx context.Context, source, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source", source),
		attribute.String("reason", reason),
	)
	m.reconcileIgnored.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGatewayCall records one logical gateway operation including retries.
func (m *Metrics) RecordGatewayCall(ctx context.Context, operation, outcome string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
		attribute.Int("attempts", attempts),
	)
	m.gatewayCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.gatewayLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(FilterAttributes(
		attribute.String("operation", operation),
	)...))
}

func (m *Metrics) RecordFanoutDelivery(ctx context.Context, sink, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("sink", sink),
		attribute.String("outcome", outcome),
	)
	m.fanoutDeliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordProcessingFailure(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.processingFailures.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("kind", kind),
	)...))
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
	"provider":    {},
	"event_type":  {},
	"outcome":     {},
	"from_status": {},
	"to_status":   {},
	"source":      {},
	"reason":      {},
	"operation":   {},
	"attempts":    {},
	"sink":        {},
	"kind":        {},
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
