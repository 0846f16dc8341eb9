// Package obs provides the Prometheus metrics and operator alert signal
// shared by the relay and the consumers.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every pipeline collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RelayPublished     prometheus.Counter
	RelayFailed        prometheus.Counter
	RelayDeadLettered  prometheus.Counter
	RelayLeaseLost     prometheus.Counter
	RelayBatchSize     prometheus.Histogram
	ConsumerProcessed  *prometheus.CounterVec
	ConsumerDuplicates *prometheus.CounterVec
	ConsumerRetries    *prometheus.CounterVec
	ConsumerDeadLetter *prometheus.CounterVec
	PartitionState     *prometheus.GaugeVec
	Alerts             *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg with a constant service label.
func NewMetrics(reg prometheus.Registerer, service string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"service": service}

	return &Metrics{
		RelayPublished: f.NewCounter(prometheus.CounterOpts{
			Name:        "eventpipe_relay_published_total",
			Help:        "Outbox rows acknowledged by the broker.",
			ConstLabels: labels,
		}),
		RelayFailed: f.NewCounter(prometheus.CounterOpts{
			Name:        "eventpipe_relay_publish_failures_total",
			Help:        "Publish attempts that failed or timed out and were scheduled for retry.",
			ConstLabels: labels,
		}),
		RelayDeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name:        "eventpipe_relay_dead_lettered_total",
			Help:        "Outbox rows moved to the dead-letter status.",
			ConstLabels: labels,
		}),
		RelayLeaseLost: f.NewCounter(prometheus.CounterOpts{
			Name:        "eventpipe_relay_lease_lost_total",
			Help:        "State updates rejected because the lease had passed to another relay.",
			ConstLabels: labels,
		}),
		RelayBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "eventpipe_relay_batch_size",
			Help:        "Rows leased per relay cycle.",
			ConstLabels: labels,
			Buckets:     []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		ConsumerProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eventpipe_consumer_processed_total",
			Help:        "Events handled successfully and committed.",
			ConstLabels: labels,
		}, []string{"group", "event_type"}),
		ConsumerDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eventpipe_consumer_duplicates_total",
			Help:        "Deliveries skipped because the event was already applied.",
			ConstLabels: labels,
		}, []string{"group"}),
		ConsumerRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eventpipe_consumer_retries_total",
			Help:        "Handler attempts that failed and were retried.",
			ConstLabels: labels,
		}, []string{"group", "event_type"}),
		ConsumerDeadLetter: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eventpipe_consumer_dead_lettered_total",
			Help:        "Events parked in the dead-letter sink by a consumer.",
			ConstLabels: labels,
		}, []string{"group", "reason"}),
		PartitionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "eventpipe_consumer_partition_state",
			Help:        "Current dispatcher state per partition (see consumer.State).",
			ConstLabels: labels,
		}, []string{"group", "partition"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "eventpipe_alerts_total",
			Help:        "Operator alerts raised, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}
}

func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.RelayPublished.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.RelayFailed.Inc()
}

func (m *Metrics) RowDeadLettered() {
	if m == nil {
		return
	}
	m.RelayDeadLettered.Inc()
}

func (m *Metrics) LeaseLost() {
	if m == nil {
		return
	}
	m.RelayLeaseLost.Inc()
}

func (m *Metrics) ObserveBatch(n int) {
	if m == nil {
		return
	}
	m.RelayBatchSize.Observe(float64(n))
}

func (m *Metrics) Processed(group, eventType string) {
	if m == nil {
		return
	}
	m.ConsumerProcessed.WithLabelValues(group, eventType).Inc()
}

func (m *Metrics) Duplicate(group string) {
	if m == nil {
		return
	}
	m.ConsumerDuplicates.WithLabelValues(group).Inc()
}

func (m *Metrics) Retried(group, eventType string) {
	if m == nil {
		return
	}
	m.ConsumerRetries.WithLabelValues(group, eventType).Inc()
}

func (m *Metrics) DeadLettered(group, reason string) {
	if m == nil {
		return
	}
	m.ConsumerDeadLetter.WithLabelValues(group, reason).Inc()
}

func (m *Metrics) SetPartitionState(group, partition string, state float64) {
	if m == nil {
		return
	}
	m.PartitionState.WithLabelValues(group, partition).Set(state)
}
