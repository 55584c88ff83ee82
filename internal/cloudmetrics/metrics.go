// Package cloudmetrics accounts billing activity to a hosted control
// plane when the engine runs in cloud mode. Instruments live on a private
// registry so accounting series never leak onto the public /metrics
// endpoint, and every emission is best effort.
package cloudmetrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// CloudMetrics holds the accounting instruments. A nil receiver is safe;
// OSS mode runs with no instance at all.
type CloudMetrics struct {
	registry  *prometheus.Registry
	accountID string
	log       *zap.Logger

	usageEvents       *prometheus.CounterVec
	eventsProcessed   *prometheus.CounterVec
	activeAssignments *prometheus.GaugeVec
	engineErrors      *prometheus.CounterVec
}

func New(registry *prometheus.Registry, accountID, appVersion string, log *zap.Logger) *CloudMetrics {
	if log == nil {
		log = zap.NewNop()
	}

	constLabels := prometheus.Labels{"app_version": appVersion}
	m := &CloudMetrics{
		registry:  registry,
		accountID: strings.TrimSpace(accountID),
		log:       log.Named("cloudmetrics"),
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_cloud_usage_events_total",
			Help:        "Usage events applied, by entitlement.",
			ConstLabels: constLabels,
		}, []string{"account", "entitlement"}),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_cloud_events_processed_total",
			Help:        "Billing events processed to a terminal state.",
			ConstLabels: constLabels,
		}, []string{"account", "event_type"}),
		activeAssignments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "billing_cloud_active_assignments",
			Help:        "Current plan assignments.",
			ConstLabels: constLabels,
		}, []string{"account"}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "billing_cloud_engine_errors_total",
			Help:        "Engine errors, by operation.",
			ConstLabels: constLabels,
		}, []string{"account", "operation"}),
	}

	for _, collector := range []prometheus.Collector{
		m.usageEvents, m.eventsProcessed, m.activeAssignments, m.engineErrors,
	} {
		if err := registry.Register(collector); err != nil {
			log.Warn("cloud metric not registered", zap.Error(err))
		}
	}
	return m
}

func (m *CloudMetrics) IncUsageEvent(entitlementCode string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(m.account(), normalizeLabel(entitlementCode)).Inc()
}

func (m *CloudMetrics) IncEventProcessed(eventType string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(m.account(), normalizeLabel(eventType)).Inc()
}

func (m *CloudMetrics) SetActiveAssignments(count int64) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.activeAssignments.WithLabelValues(m.account()).Set(float64(count))
}

func (m *CloudMetrics) IncEngineError(operation string) {
	if m == nil {
		return
	}
	m.engineErrors.WithLabelValues(m.account(), normalizeLabel(operation)).Inc()
}

func (m *CloudMetrics) account() string {
	if m.accountID == "" {
		return "unknown"
	}
	return m.accountID
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
