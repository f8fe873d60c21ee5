package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains the metrics of the MQTT client.
type MQTTMetrics struct {
	ConnectionStatus  prometheus.Gauge
	MessagesDelivered prometheus.Counter
	Errors            prometheus.Counter
	CommandsReceived  *prometheus.CounterVec
	MessageSize       prometheus.Histogram
}

// NewMQTTMetrics creates the collectors and registers them.
func NewMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "faceattend_mqtt_connection_status",
			Help: "Current MQTT connection status (1 for connected, 0 for disconnected)",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceattend_mqtt_messages_delivered_total",
			Help: "Total number of MQTT messages successfully delivered",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceattend_mqtt_errors_total",
			Help: "Total number of MQTT errors encountered",
		}),
		CommandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceattend_mqtt_commands_total",
			Help: "Total number of commands received over MQTT",
		}, []string{"action"}),
		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "faceattend_mqtt_message_size_bytes",
			Help:    "Size of published MQTT messages in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10),
		}),
	}
	for _, c := range []prometheus.Collector{m.ConnectionStatus, m.MessagesDelivered, m.Errors, m.CommandsReceived, m.MessageSize} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register MQTT metric: %w", err)
		}
	}
	return m, nil
}

// UpdateConnectionStatus records the connection state.
func (m *MQTTMetrics) UpdateConnectionStatus(connected bool) {
	if connected {
		m.ConnectionStatus.Set(1)
	} else {
		m.ConnectionStatus.Set(0)
	}
}

// MessageDelivered records a successful publish of size bytes.
func (m *MQTTMetrics) MessageDelivered(size int) {
	m.MessagesDelivered.Inc()
	m.MessageSize.Observe(float64(size))
}

// IncrementErrors counts a failed MQTT operation.
func (m *MQTTMetrics) IncrementErrors() {
	m.Errors.Inc()
}

// CommandReceived counts a received command by action.
func (m *MQTTMetrics) CommandReceived(action string) {
	m.CommandsReceived.WithLabelValues(action).Inc()
}
