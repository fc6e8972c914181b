// Package metrics exposes Prometheus collectors for relay activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Collector implements the relay's counters on top of Prometheus vectors.
type Collector struct {
	requests         *prometheus.CounterVec
	dispatchFailures prometheus.Counter
	dispatchDuration *prometheus.HistogramVec
	outbound         *prometheus.CounterVec
	commands         *prometheus.CounterVec
}

// MustNew builds the collectors and registers them with reg. A nil reg
// falls back to the default registerer. Registration errors panic, except
// that collectors already present in reg are reused.
func MustNew(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Webhook deliveries accepted by the router, by event kind.",
		}, []string{"kind"}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Agent runs that failed after the user was notified.",
		}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Wall time of one agent run including stream decoding.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_sends_total",
			Help:      "Outbound send attempts to the messaging platform.",
		}, []string{"purpose", "status"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Slash commands handled locally.",
		}, []string{"command", "status"}),
	}

	c.requests = register(reg, c.requests)
	c.dispatchFailures = register(reg, c.dispatchFailures)
	c.dispatchDuration = register(reg, c.dispatchDuration)
	c.outbound = register(reg, c.outbound)
	c.commands = register(reg, c.commands)

	return c
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

// IncRequest counts one routed event of the given kind.
func (c *Collector) IncRequest(kind string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(kind).Inc()
}

// IncDispatchFailure counts one failed agent run.
func (c *Collector) IncDispatchFailure() {
	if c == nil {
		return
	}
	c.dispatchFailures.Inc()
}

// ObserveDispatch records how long a run took.
func (c *Collector) ObserveDispatch(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.dispatchDuration.WithLabelValues(status).Observe(d.Seconds())
}

// IncOutbound counts one send attempt, tagged by purpose or presence action.
func (c *Collector) IncOutbound(purpose, status string) {
	if c == nil {
		return
	}
	c.outbound.WithLabelValues(purpose, status).Inc()
}

// IncCommand counts one handled slash command.
func (c *Collector) IncCommand(name, status string) {
	if c == nil {
		return
	}
	c.commands.WithLabelValues(name, status).Inc()
}
