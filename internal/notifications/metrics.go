package notifications

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all notification-related Prometheus metrics
type Metrics struct {
	deliveredTotal   *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	droppedTotal     *prometheus.CounterVec
	queueDepth       prometheus.Gauge
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// NewMetrics returns the process-wide notification metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			deliveredTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meter_notifications_delivered_total",
					Help: "Notification delivery attempts by channel, event type and status",
				},
				[]string{"channel", "event_type", "status"},
			),

			deliveryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "meter_notification_delivery_duration_seconds",
					Help:    "Notification delivery duration in seconds",
					Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
				},
				[]string{"channel"},
			),

			retriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meter_notification_retries_total",
					Help: "Notification retry attempts",
				},
				[]string{"channel", "attempt"},
			),

			droppedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "meter_notifications_dropped_total",
					Help: "Notifications abandoned after retries or on a full queue",
				},
				[]string{"channel", "reason"},
			),

			queueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "meter_notification_retry_queue_depth",
					Help: "Current depth of the notification retry queue",
				},
			),
		}
	})

	return metricsInstance
}

// RecordDelivery records a notification delivery attempt
func (m *Metrics) RecordDelivery(channel, eventType, status string, duration time.Duration) {
	m.deliveredTotal.WithLabelValues(channel, eventType, status).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry(channel string, attempt int) {
	m.retriesTotal.WithLabelValues(channel, strconv.Itoa(attempt)).Inc()
}

// RecordDrop records an abandoned delivery
func (m *Metrics) RecordDrop(channel, reason string) {
	m.droppedTotal.WithLabelValues(channel, reason).Inc()
}

// SetQueueDepth sets the current retry queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}
