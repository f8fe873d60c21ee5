// Package metrics exposes Prometheus metrics of the recognition loop, the
// face database and the MQTT client.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors of the application on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	Recognition *RecognitionMetrics
	MQTT        *MQTTMetrics
}

// NewMetrics creates and registers all collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	recognitionMetrics, err := NewRecognitionMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create recognition metrics: %w", err)
	}
	mqttMetrics, err := NewMQTTMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT metrics: %w", err)
	}

	return &Metrics{
		registry:    registry,
		Recognition: recognitionMetrics,
		MQTT:        mqttMetrics,
	}, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
