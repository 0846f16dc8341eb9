package obs

import (
	"context"
	"log/slog"

	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
)

// Alert kinds raised by the pipeline.
const (
	AlertOutboxDeadLetter   = "outbox_dead_letter"
	AlertConsumerDeadLetter = "consumer_dead_letter"
	AlertStoreUnavailable   = "store_unavailable"
	AlertRepartition        = "repartition_detected"
	AlertSinkUnavailable    = "dead_letter_sink_unavailable"
)

// Alerter is the operator signal: an error-level log line plus a counter
// that alerting rules can fire on.
type Alerter struct {
	logger  *slog.Logger
	metrics *Metrics
}

func NewAlerter(logger *slog.Logger, metrics *Metrics) *Alerter {
	return &Alerter{logger: runtime.OrDiscard(logger), metrics: metrics}
}

// Raise is safe on a nil *Alerter.
func (a *Alerter) Raise(ctx context.Context, kind, msg string, attrs ...any) {
	if a == nil {
		return
	}
	if a.metrics != nil {
		a.metrics.Alerts.WithLabelValues(kind).Inc()
	}
	a.logger.ErrorContext(ctx, msg, append([]any{"alert", true, "kind", kind}, attrs...)...)
}
