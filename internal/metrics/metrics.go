// Package metrics exposes the prometheus collectors this client updates as
// it drives connections and channels: nothing here is wired to an HTTP
// handler, callers mount promhttp.Handler() themselves the way the rest of
// the fleet does.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OpenChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amqp_client_open_channels",
		Help: "Number of channels currently open on this connection.",
	})

	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amqp_client_connection_state",
		Help: "1 while the connection is open, 0 once it has closed.",
	})

	RPCTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amqp_client_rpc_total",
		Help: "Synchronous AMQP calls issued, partitioned by outcome.",
	}, []string{"outcome"})

	WaitForConfirmsDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "amqp_client_wait_for_confirms_seconds",
		Help:    "Time spent blocked in WaitForConfirms.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amqp_client_heartbeat_timeouts_total",
		Help: "Connections torn down after missing server heartbeats.",
	})
)
