// Package metrics exposes campaign progress as Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector groups the campaign metrics. It satisfies gate.Observer and poll.Recorder.
type Collector struct {
	PollAttempts        *prometheus.CounterVec
	EventsEmitted       prometheus.Counter
	SubscriptionsQueued prometheus.Gauge
	GateRequestDuration *prometheus.HistogramVec
	GateRequestTotal    *prometheus.CounterVec
}

// New creates the collectors without registering them.
func New() *Collector {
	return &Collector{
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_poll_attempts_total",
			Help: "Poll attempts by outcome",
		}, []string{"outcome"}),
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campaign_events_emitted_total",
			Help: "New rtEvents written to the event streams",
		}),
		SubscriptionsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campaign_subscriptions_queued",
			Help: "Subscriptions still scheduled for polling",
		}),
		GateRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "campaign_gate_request_duration_seconds",
			Help:    "Duration of gate HTTP requests",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
		}, []string{"method", "status"}),
		GateRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_gate_request_total",
			Help: "Gate HTTP requests",
		}, []string{"method", "status"}),
	}
}

// MustRegister registers every collector.
func (c *Collector) MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		c.PollAttempts,
		c.EventsEmitted,
		c.SubscriptionsQueued,
		c.GateRequestDuration,
		c.GateRequestTotal,
	)
}

// ObserveRequest records one gate HTTP exchange. Status 0 means a transport error.
func (c *Collector) ObserveRequest(method string, status int, d time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	c.GateRequestDuration.WithLabelValues(method, label).Observe(d.Seconds())
	c.GateRequestTotal.WithLabelValues(method, label).Inc()
}

// ObservePoll counts one poll attempt.
func (c *Collector) ObservePoll(outcome string, newEvents int) {
	c.PollAttempts.WithLabelValues(outcome).Inc()
	if newEvents > 0 {
		c.EventsEmitted.Add(float64(newEvents))
	}
}

// SetQueued reports how many subscriptions remain scheduled.
func (c *Collector) SetQueued(n int) {
	c.SubscriptionsQueued.Set(float64(n))
}
