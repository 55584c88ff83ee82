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
	eventIngested    metric.Int64Counter
	eventDuplicate   metric.Int64Counter
	eventClaimed     metric.Int64Counter
	claimContention  metric.Int64Counter
	eventProcessed   metric.Int64Counter
	eventFailed      metric.Int64Counter
	staleClaimsSwept metric.Int64Counter
	usageRecorded    metric.Int64Counter
	usageDuplicate   metric.Int64Counter
	idempotentReplay metric.Int64Counter
	checkoutStarted  metric.Int64Counter
	rateLimitAllowed metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
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
		name = "billing"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	for _, inst := range []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"billing_events_ingested_total", &m.eventIngested},
		{"billing_events_duplicate_total", &m.eventDuplicate},
		{"billing_events_claimed_total", &m.eventClaimed},
		{"billing_claim_contention_total", &m.claimContention},
		{"billing_events_processed_total", &m.eventProcessed},
		{"billing_events_failed_total", &m.eventFailed},
		{"billing_stale_claims_swept_total", &m.staleClaimsSwept},
		{"billing_usage_recorded_total", &m.usageRecorded},
		{"billing_usage_duplicate_total", &m.usageDuplicate},
		{"billing_idempotent_replay_total", &m.idempotentReplay},
		{"billing_checkout_started_total", &m.checkoutStarted},
		{"billing_rate_limit_allowed_total", &m.rateLimitAllowed},
		{"billing_rate_limit_denied_total", &m.rateLimitDenied},
	} {
		counter, err := meter.Int64Counter(inst.name)
		if err != nil {
			return nil, err
		}
		*inst.dst = counter
	}
	return m, nil
}

// IncEventIngested counts newly accepted billing events.
func (m *Metrics) IncEventIngested(eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.eventIngested.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// IncEventDuplicate counts redelivered events collapsed by the dedupe key.
func (m *Metrics) IncEventDuplicate(eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.eventDuplicate.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// IncEventClaimed counts events exclusively claimed by a worker.
func (m *Metrics) IncEventClaimed(eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.eventClaimed.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// IncClaimContention counts claim attempts lost to a competing worker.
func (m *Metrics) IncClaimContention() {
	if m == nil {
		return
	}
	m.claimContention.Add(context.Background(), 1)
}

// IncEventProcessed counts events that reached the processed state.
func (m *Metrics) IncEventProcessed() {
	if m == nil {
		return
	}
	m.eventProcessed.Add(context.Background(), 1)
}

// IncEventFailed counts events that recorded a processing failure.
func (m *Metrics) IncEventFailed() {
	if m == nil {
		return
	}
	m.eventFailed.Add(context.Background(), 1)
}

// AddStaleClaimsSwept counts claims reclaimed from dead workers.
func (m *Metrics) AddStaleClaimsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.staleClaimsSwept.Add(context.Background(), n)
}

// IncUsageRecorded counts accepted usage events.
func (m *Metrics) IncUsageRecorded(metricCode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("metric_code", strings.TrimSpace(metricCode)))
	m.usageRecorded.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// IncUsageDuplicate counts usage events dropped by source deduplication.
func (m *Metrics) IncUsageDuplicate(metricCode string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("metric_code", strings.TrimSpace(metricCode)))
	m.usageDuplicate.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// IncIdempotentReplay counts requests answered from a stored idempotency record.
func (m *Metrics) IncIdempotentReplay() {
	if m == nil {
		return
	}
	m.idempotentReplay.Add(context.Background(), 1)
}

// IncCheckoutStarted counts checkout sessions opened against a provider.
func (m *Metrics) IncCheckoutStarted(provider string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.checkoutStarted.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// IncRateLimitAllowed counts webhook deliveries admitted by the limiter.
func (m *Metrics) IncRateLimitAllowed(provider string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.rateLimitAllowed.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// IncRateLimitDenied counts webhook deliveries rejected by the limiter.
func (m *Metrics) IncRateLimitDenied(provider, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(context.Background(), 1, metric.WithAttributes(attrs...))
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
	"event_type":  {},
	"provider":    {},
	"metric_code": {},
	"reason":      {},
	"status_code": {},
	"endpoint":    {},
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
