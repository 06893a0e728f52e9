package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var MessagesReceivedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meridian_connector_messages_received_total",
	Help: "counter of raw messages accepted by source connectors",
}, []string{"channel", "transport"})

var MessagesSentCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meridian_connector_messages_sent_total",
	Help: "counter of destination sends by terminal status",
}, []string{"channel", "transport", "status"})

var SendAttemptsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "meridian_connector_send_attempts_total",
	Help: "counter of destination send attempts, including retries",
}, []string{"channel", "transport"})

var OpenConnectionsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "meridian_connector_open_connections",
	Help: "gauge of open inbound connections held by listener sources",
}, []string{"channel", "transport"})
