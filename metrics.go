package xnet

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instrumentation a Reactor updates as it
// runs, wired via WithMetrics. Collection is entirely optional: a Reactor
// constructed without WithMetrics skips every call site below.
type Metrics struct {
	SlotsInUse       prometheus.Gauge
	CommandsHandled  prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	AcceptErrors     prometheus.Counter
	TimersFired      prometheus.Counter
}

// NewMetrics registers a full set of reactor gauges/counters against reg,
// labeling every series with the given reactor name (e.g. "echo",
// "logger") so more than one Reactor can share a registry.
func NewMetrics(reg prometheus.Registerer, name string) (*Metrics, error) {
	constLabels := prometheus.Labels{"reactor": name}
	m := &Metrics{
		SlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "xnet",
			Name:        "slots_in_use",
			Help:        "Number of socket slots currently allocated.",
			ConstLabels: constLabels,
		}),
		CommandsHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "xnet",
			Name:        "commands_handled_total",
			Help:        "Number of command-channel frames drained and dispatched.",
			ConstLabels: constLabels,
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "xnet",
			Name:        "bytes_sent_total",
			Help:        "Bytes written to sockets.",
			ConstLabels: constLabels,
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "xnet",
			Name:        "bytes_received_total",
			Help:        "Bytes read from sockets.",
			ConstLabels: constLabels,
		}),
		AcceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "xnet",
			Name:        "accept_errors_total",
			Help:        "Errors returned by accept() on listening sockets.",
			ConstLabels: constLabels,
		}),
		TimersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "xnet",
			Name:        "timers_fired_total",
			Help:        "Timer entries popped and dispatched.",
			ConstLabels: constLabels,
		}),
	}
	for _, c := range []prometheus.Collector{
		m.SlotsInUse, m.CommandsHandled, m.BytesSent, m.BytesReceived, m.AcceptErrors, m.TimersFired,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
