// Package metrics exposes Prometheus collectors for the observer and its
// collaborators. Each Metrics owns its registry so that several instances
// (and tests) do not collide on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors.
type Metrics struct {
	// Engine metrics
	EventsEmitted      *prometheus.CounterVec
	InteractionsOpened prometheus.Counter
	Flushes            prometheus.Counter
	BufferBytesDropped prometheus.Counter
	ResponsesTruncated prometheus.Counter
	TerminalsObserved  prometheus.Gauge

	// Sink metrics
	EventsRecorded *prometheus.CounterVec
	SinkErrors     *prometheus.CounterVec

	// Live view metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		EventsEmitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incontrol_events_emitted_total",
				Help: "Events emitted by the observer, by event type",
			},
			[]string{"type"},
		),
		InteractionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "incontrol_interactions_opened_total",
			Help: "Interactions opened by a boundary marker",
		}),
		Flushes: f.NewCounter(prometheus.CounterOpts{
			Name: "incontrol_event_flushes_total",
			Help: "Non-empty event buffer flushes",
		}),
		BufferBytesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "incontrol_output_buffer_dropped_bytes_total",
			Help: "Bytes dropped from the output buffer when it exceeded its bound",
		}),
		ResponsesTruncated: f.NewCounter(prometheus.CounterOpts{
			Name: "incontrol_responses_truncated_total",
			Help: "Responses that exceeded the response bound",
		}),
		TerminalsObserved: f.NewGauge(prometheus.GaugeOpts{
			Name: "incontrol_terminals_observed",
			Help: "Terminals currently tracked by the observer",
		}),
		EventsRecorded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incontrol_events_recorded_total",
				Help: "Events delivered to the session sink, by event type",
			},
			[]string{"type"},
		),
		SinkErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incontrol_sink_errors_total",
				Help: "Sink failures, by stage",
			},
			[]string{"stage"},
		),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "incontrol_websocket_connections",
			Help: "Connected live view clients",
		}),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incontrol_websocket_messages_total",
				Help: "Live view messages, by direction and type",
			},
			[]string{"direction", "type"},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
