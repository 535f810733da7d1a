// Package metrics holds the Prometheus instruments for notification delivery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blognotifier"

// Metrics holds all notification metrics.
type Metrics struct {
	EmailsSent        *prometheus.CounterVec
	EmailsFailed      *prometheus.CounterVec
	RecipientsSkipped *prometheus.CounterVec
	Events            *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EmailsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_sent_total",
			Help:      "Total number of notification emails accepted by the provider",
		}, []string{"kind"}),
		EmailsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_failed_total",
			Help:      "Total number of notification emails the provider rejected",
		}, []string{"kind"}),
		RecipientsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recipients_skipped_total",
			Help:      "Total number of candidate recipients skipped before sending",
		}, []string{"kind", "reason"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of trigger events handled, by outcome",
		}, []string{"kind", "outcome"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling a trigger event",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
	}
}
