package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics shared by every role.
var (
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatp_messages_sent_total",
			Help: "Number of control and data messages sent, by role and message type.",
		},
		[]string{"role", "type"},
	)
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatp_messages_received_total",
			Help: "Number of control and data messages received, by role and message type.",
		},
		[]string{"role", "type"},
	)
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatp_protocol_errors_total",
			Help: "Number of unexpected, misrouted or malformed messages.",
		},
		[]string{"role", "error"},
	)
	SyncSkew = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "tatp_sync_skew_seconds",
			Help: "A histogram of the estimated one-way skew measured during clock synchronization.",
			Buckets: []float64{
				.0001, .00025, .0005,
				.001, .0025, .005,
				.01, .025, .05,
				.1, .25, .5, 1},
		},
		[]string{"peer"},
	)
	RunOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatp_runs_total",
			Help: "Number of executed commands by command and outcome severity.",
		},
		[]string{"command", "severity"},
	)
	ActiveClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tatp_active_clients",
			Help: "A gauge of clients currently spawned by this controller.",
		},
		[]string{"role"},
	)
	AggregatedSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatp_aggregated_samples_total",
			Help: "Number of samples folded into the statistics, by kind.",
		},
		[]string{"kind"},
	)
	SinkRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tatp_sink_rows_total",
			Help: "Number of result rows written, by sink and row kind.",
		},
		[]string{"sink", "kind"},
	)
)
