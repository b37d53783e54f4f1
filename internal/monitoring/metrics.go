package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	SessionsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessions_by_state",
			Help: "Number of sessions currently in each lifecycle state",
		},
		[]string{"state"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "session_reconnects_total",
			Help: "Total number of reconnect attempts across all sessions",
		},
	)
	FederationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_requests_total",
			Help: "Total number of inbound federation requests by action and outcome",
		},
		[]string{"action", "outcome"},
	)
	RegistrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bot_registration_duration_seconds",
			Help:    "Duration of bot placement in seconds",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		},
	)
)

func InitMetrics() {
	for _, c := range []prometheus.Collector{SessionsByState, ReconnectsTotal, FederationRequests, RegistrationDuration} {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msg("Failed to register metric")
		}
	}
}
