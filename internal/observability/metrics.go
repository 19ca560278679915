package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, endpoint, method, and status.",
		},
		[]string{"service", "endpoint", "method", "status"},
	)

	ingestMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manifold_hub_ingest_messages_total",
			Help: "Inbound device and manifold publishes by kind, event type and outcome.",
		},
		[]string{"kind", "event", "outcome"},
	)

	heartbeatDemotions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "manifold_hub_heartbeat_demotions_total",
		Help: "Devices marked offline after heartbeat silence.",
	})

	realtimeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "manifold_hub_realtime_sessions",
		Help: "Connected realtime websocket sessions.",
	})
)

func init() {
	prometheus.MustRegister(requestCounter, ingestMessages, heartbeatDemotions, realtimeSessions)
}

func ObserveIngest(kind, event, outcome string) {
	ingestMessages.WithLabelValues(kind, event, outcome).Inc()
}

func ObserveDemotion(string) { heartbeatDemotions.Inc() }

func SessionOpened() { realtimeSessions.Inc() }
func SessionClosed() { realtimeSessions.Dec() }
