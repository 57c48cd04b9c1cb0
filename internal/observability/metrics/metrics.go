// Package metrics holds the gateway's prometheus instruments. All observe
// methods are nil-safe so components can run without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the instrument set registered once at startup.
type Metrics struct {
	InboundTotal    *prometheus.CounterVec
	OutboundTotal   *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	WebhookDuration *prometheus.HistogramVec
	AgentDuration   prometheus.Histogram
}

// New registers the gateway instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsgate_inbound_total",
			Help: "Inbound webhook requests by outcome.",
		}, []string{"outcome"}),
		OutboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsgate_outbound_total",
			Help: "Outbound send attempts by result.",
		}, []string{"result"}),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsgate_retries_total",
			Help: "Outbound resend attempts scheduled or executed.",
		}),
		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smsgate_webhook_duration_seconds",
			Help:    "Webhook handling latency by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		AgentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smsgate_agent_duration_seconds",
			Help:    "Agent runtime call latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.InboundTotal, m.OutboundTotal, m.RetriesTotal, m.WebhookDuration, m.AgentDuration)
	}
	return m
}

// ObserveInbound counts one inbound webhook by outcome.
func (m *Metrics) ObserveInbound(outcome string) {
	if m == nil {
		return
	}
	m.InboundTotal.WithLabelValues(outcome).Inc()
}

// ObserveOutbound counts one outbound send by result.
func (m *Metrics) ObserveOutbound(result string) {
	if m == nil {
		return
	}
	m.OutboundTotal.WithLabelValues(result).Inc()
}

// ObserveRetry counts one scheduled or executed resend.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// ObserveWebhook records handling latency for an endpoint.
func (m *Metrics) ObserveWebhook(endpoint string, seconds float64) {
	if m == nil {
		return
	}
	m.WebhookDuration.WithLabelValues(endpoint).Observe(seconds)
}

// ObserveAgent records one agent call's latency.
func (m *Metrics) ObserveAgent(seconds float64) {
	if m == nil {
		return
	}
	m.AgentDuration.Observe(seconds)
}
