// Package metrics holds the Prometheus collectors for conversation turns, deliveries,
// alerts, webhook requests and campaign sends.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coursebot"

// Metrics groups every CourseBot collector. A nil *Metrics records nothing.
type Metrics struct {
	turnsTotal      *prometheus.CounterVec
	turnDuration    prometheus.Histogram
	alertsTotal     prometheus.Counter
	deliveriesTotal *prometheus.CounterVec
	webhookTotal    *prometheus.CounterVec
	campaignTotal   *prometheus.CounterVec
	flowReloads     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "turns_total",
			Help:      "Inbound turns handled, by outcome",
		}, []string{"outcome"}),

		turnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "turn_duration_seconds",
			Help:      "Time spent handling one inbound turn",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		alertsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "alerts_total",
			Help:      "Human intervention alerts raised",
		}),

		deliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "messages_total",
			Help:      "Provider sends, by kind and result",
		}, []string{"kind", "result"}),

		webhookTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Inbound webhook requests, by result",
		}, []string{"result"}),

		campaignTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "campaign",
			Name:      "students_total",
			Help:      "Students considered by the grade campaign, by outcome and result",
		}, []string{"outcome", "result"}),

		flowReloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flowstore",
			Name:      "reloads_total",
			Help:      "Flow definition reloads, by result",
		}, []string{"result"}),
	}
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(elapsed.Seconds())
}

// AlertRaised counts one human intervention alert.
func (m *Metrics) AlertRaised() {
	if m == nil {
		return
	}
	m.alertsTotal.Inc()
}

// Delivery counts one provider send. kind is "text" or "template".
func (m *Metrics) Delivery(kind string, err error) {
	if m == nil {
		return
	}
	m.deliveriesTotal.WithLabelValues(kind, result(err)).Inc()
}

// Webhook counts one webhook request. result is e.g. "processed", "duplicate" or "rejected".
func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(result).Inc()
}

// Campaign counts one student handled by the grade campaign.
func (m *Metrics) Campaign(outcome, result string) {
	if m == nil {
		return
	}
	m.campaignTotal.WithLabelValues(outcome, result).Inc()
}

// FlowReload counts one flow definition reload.
func (m *Metrics) FlowReload(err error) {
	if m == nil {
		return
	}
	m.flowReloads.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
