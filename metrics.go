package pulse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "emitter",
		Name:      "active_connections",
		Help:      "Number of currently open event streams.",
	})

	metricDataFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "emitter",
		Name:      "data_frames_total",
		Help:      "Periodic data frames written across all connections.",
	})

	metricHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "emitter",
		Name:      "heartbeat_frames_total",
		Help:      "Keepalive heartbeat frames written across all connections.",
	})

	metricRejectedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "emitter",
		Name:      "rejected_requests_total",
		Help:      "Stream requests refused for using a method other than GET.",
	})
)
