// Package metrics defines the prometheus collectors exported by the hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet",
		Name:      "pty_sessions_active",
		Help:      "Number of running pseudo-terminal sessions.",
	})

	ConnectedViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet",
		Name:      "viewers_connected",
		Help:      "Number of authenticated viewer connections.",
	})

	RelayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "relay_messages_total",
		Help:      "Relay delivery attempts by channel and result.",
	}, []string{"channel", "result"})

	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "alerts_raised_total",
		Help:      "Alerts persisted by type.",
	}, []string{"type"})

	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "heartbeats_received_total",
		Help:      "Machine heartbeats accepted by the hub.",
	})

	Checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "checkpoints_total",
		Help:      "Checkpoint transitions by resulting status.",
	}, []string{"status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
