package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EnvelopesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_envelopes_processed_total",
		Help: "Queue envelopes by terminal outcome.",
	}, []string{"type", "outcome"}) // outcome: ok | duplicate | rejected | retried | deadlettered

	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realtime_envelope_processing_seconds",
		Help:    "Envelope handler latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connected_clients",
		Help: "Websocket connections registered on this replica.",
	})

	EventsPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_pushed_total",
		Help: "Events pushed to local connections by kind.",
	}, []string{"event"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
