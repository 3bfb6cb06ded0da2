package bus

import "github.com/prometheus/client_golang/prometheus"

var (
	// eventsPublished counts publish calls by origin (local or broker).
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfeed_bus_events_published_total",
			Help: "Events fanned out to local transports, by origin.",
		},
		[]string{"origin"},
	)

	// deliveries counts per-transport send outcomes.
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentfeed_bus_deliveries_total",
			Help: "Per-transport deliveries, by result (ok, failed, timeout).",
		},
		[]string{"result"},
	)

	// transportsGauge tracks currently registered transports.
	transportsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentfeed_bus_transports",
			Help: "Currently registered transports.",
		},
	)

	// brokerConnected is 1 while the broker subscription is live.
	brokerConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentfeed_bus_broker_connected",
			Help: "1 while the broker subscription is established, else 0.",
		},
	)
)

func init() {
	prometheus.MustRegister(eventsPublished, deliveries, transportsGauge, brokerConnected)
}
