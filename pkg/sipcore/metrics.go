package sipcore

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "sipendpoint"

// metrics holds the Prometheus collectors of one Endpoint.
type metrics struct {
	accounts         *prometheus.GaugeVec
	calls            prometheus.Gauge
	callsTotal       *prometheus.CounterVec
	events           *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	transportRebinds prometheus.Counter
	transportFailed  *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		accounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "accounts",
			Help:      "Number of live accounts by registration state",
		}, []string{"state"}),
		calls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "calls_active",
			Help:      "Number of calls not yet terminated",
		}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Number of calls created, by direction",
		}, []string{"direction"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_total",
			Help:      "Number of events delivered to the host, by kind",
		}, []string{"kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "engine_notifications_total",
			Help:      "Number of engine notifications, by outcome (applied, stashed, ignored)",
		}, []string{"outcome"}),
		transportRebinds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_rebinds_total",
			Help:      "Number of network change rebind procedures",
		}),
		transportFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_failures_total",
			Help:      "Number of failed transport creations, by kind",
		}, []string{"kind"}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.accounts, m.calls, m.callsTotal, m.events, m.notifications, m.transportRebinds, m.transportFailed,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// accountState moves one account from the gauge of state from to the gauge of state to.
// An empty from or to only increments or decrements.
func (m *metrics) accountState(from, to AccountState) {
	if from != "" {
		m.accounts.WithLabelValues(string(from)).Dec()
	}
	if to != "" && to != AccountDeleted {
		m.accounts.WithLabelValues(string(to)).Inc()
	}
}
