package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathercollector_fetches_total",
			Help: "Total weather API fetches",
		},
		[]string{"source", "status"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weathercollector_fetch_latency_seconds",
			Help:    "Weather API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ConnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathercollector_broker_connect_attempts_total",
			Help: "Total broker connection attempts",
		},
		[]string{"status"},
	)

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathercollector_messages_published_total",
			Help: "Total messages handed to the broker",
		},
		[]string{"queue", "status"},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weathercollector_cycles_total",
			Help: "Total collection cycles by outcome",
		},
		[]string{"result"},
	)

	LastSuccessTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weathercollector_last_success_timestamp_seconds",
			Help: "Unix time of the last successfully published reading",
		},
	)

	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "weathercollector_broker_connected",
			Help: "1 when the publisher holds a usable broker connection",
		},
	)
)
