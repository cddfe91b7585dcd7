// Prometheus collectors exported by Relay on /metrics.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const namespace = "relay"

var (
	// Live sockets
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Number of live websocket connections.",
	})
	// Distinct authenticated usernames
	Users = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "users",
		Help:      "Number of distinct authenticated users.",
	})
	PacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_total",
		Help:      "Inbound packets by dispatched command.",
	}, []string{"cmd"})
	StatusReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "status_replies_total",
		Help:      "Statuscode replies by status name.",
	}, []string{"status"})
	FanoutFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_frames_total",
		Help:      "Frames enqueued by the fan-out engine by protocol version.",
	}, []string{"version"})
	Kicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kicks_total",
		Help:      "Sockets closed by the gateway by reason.",
	}, []string{"reason"})
	BackendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backend_request_seconds",
		Help:      "Latency of backend REST calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "outcome"})
	BusMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bus_messages_total",
		Help:      "Cross-process bus messages consumed by channel and outcome.",
	}, []string{"channel", "outcome"})
)

// Register adds every Relay collector to reg.
func Register(reg prometheus.Registerer) error {
	var err error
	for _, c := range []prometheus.Collector{
		Connections, Users, PacketsTotal, StatusReplies, FanoutFrames, Kicks, BackendLatency, BusMessages,
	} {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}
