// Package metrics wraps the optional Prometheus instrumentation
// surface. A nil *Metrics is always safe to call: every method
// no-ops on a nil receiver so callers never need "if m != nil"
// scattered through hot paths.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge the dispatcher and drivers touch.
type Metrics struct {
	commandsTotal     *prometheus.CounterVec
	retriesTotal      prometheus.Counter
	reconnectsTotal   prometheus.Counter
	redirectionsTotal *prometheus.CounterVec
	inflight          prometheus.Gauge
	connectionsOpen   prometheus.Gauge
}

// New constructs a Metrics and registers it against reg. Pass a nil
// reg to skip registration (useful in tests); New never returns an
// error — if registration fails (e.g. duplicate registerer) the
// caller's own MustRegister upstream would already have panicked, so
// this uses reg.Register and ignores AlreadyRegisteredError, matching
// the common idiom for optional metrics wiring.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdx",
			Name:      "commands_total",
			Help:      "Commands submitted, by outcome.",
		}, []string{"outcome"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdx",
			Name:      "retries_total",
			Help:      "Retried command attempts.",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rdx",
			Name:      "reconnects_total",
			Help:      "Connection actor reconnect attempts that succeeded.",
		}),
		redirectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdx",
			Name:      "redirections_total",
			Help:      "Cluster MOVED/ASK redirections observed.",
		}, []string{"kind"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdx",
			Name:      "inflight_requests",
			Help:      "Requests currently awaiting a reply.",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdx",
			Name:      "connections_open",
			Help:      "Connection actors currently in the Ready state.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.commandsTotal, m.retriesTotal, m.reconnectsTotal,
			m.redirectionsTotal, m.inflight, m.connectionsOpen,
		} {
			if err := reg.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}
	return m
}

func (m *Metrics) CommandOk() {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues("ok").Inc()
}

func (m *Metrics) CommandError() {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues("error").Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) Moved() {
	if m == nil {
		return
	}
	m.redirectionsTotal.WithLabelValues("moved").Inc()
}

func (m *Metrics) Ask() {
	if m == nil {
		return
	}
	m.redirectionsTotal.WithLabelValues("ask").Inc()
}

func (m *Metrics) InflightInc() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) InflightDec() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsOpen.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}
