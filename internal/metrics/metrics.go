// Package metrics registers the prometheus collectors shared by the bus
// client and the engine emulator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// bus (client) side

	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "bus",
		Name:      "events_dispatched_total",
		Help:      "Events delivered to the listener fan-out, by variant.",
	}, []string{"variant"})

	ListenerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "bus",
		Name:      "listener_failures_total",
		Help:      "Listener callbacks that panicked and were isolated.",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "bus",
		Name:      "stream_reconnects_total",
		Help:      "Successful re-establishments of the event stream.",
	})

	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "bus",
		Name:      "decode_failures_total",
		Help:      "Event frames skipped because they failed to decode.",
	})

	// engine (server) side

	FramesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flowbus",
		Subsystem: "engine",
		Name:      "frames_published_total",
		Help:      "Frames enqueued to subscribers, by frame type.",
	}, []string{"type"})

	ActiveQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowbus",
		Subsystem: "engine",
		Name:      "active_queries",
		Help:      "Streaming queries currently running.",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "flowbus",
		Subsystem: "engine",
		Name:      "subscribers",
		Help:      "Connected event-channel subscribers.",
	})
)
