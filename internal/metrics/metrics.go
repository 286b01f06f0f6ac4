// Package metrics exposes ingest counters through Prometheus and collects
// process health for the operator API.
//
// All Ingest methods are safe on a nil receiver so components can run
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eventmon"

// Ingest holds the ingest metrics and the registry they live in.
type Ingest struct {
	registry *prometheus.Registry

	framesReceived  *prometheus.CounterVec
	framesMalformed *prometheus.CounterVec
	framesStored    *prometheus.CounterVec
	storeFailures   *prometheus.CounterVec
	bindFailures    *prometheus.CounterVec
	connections     *prometheus.GaugeVec

	serverRunning   *prometheus.GaugeVec
	serverConnected *prometheus.GaugeVec
	serverAlive     *prometheus.GaugeVec
}

// NewIngest creates the ingest metrics on a fresh registry that also carries
// the Go runtime and process collectors.
func NewIngest() *Ingest {
	perServer := []string{"server"}
	perID := []string{"server_id"}
	m := &Ingest{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Reads that delivered at least one byte.",
		}, perServer),
		framesMalformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Frames dropped because they did not decode.",
		}, perServer),
		framesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_stored_total",
			Help:      "Frames persisted to the event store.",
		}, perServer),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Event store inserts or connects that failed.",
		}, perServer),
		bindFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_failures_total",
			Help:      "Failed listener bind attempts.",
		}, perServer),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Controller connections currently open.",
		}, perServer),
		serverRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_running",
			Help:      "1 if the server's listener task is running.",
		}, perID),
		serverConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_connected",
			Help:      "1 if a controller is connected to the server.",
		}, perID),
		serverAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_alive",
			Help:      "1 if the server received data within the idle timeout.",
		}, perID),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesReceived,
		m.framesMalformed,
		m.framesStored,
		m.storeFailures,
		m.bindFailures,
		m.connections,
		m.serverRunning,
		m.serverConnected,
		m.serverAlive,
	)
	return m
}

// Registry returns the registry holding the ingest metrics.
func (m *Ingest) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Ingest) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Ingest) FrameReceived(server string) {
	if m != nil {
		m.framesReceived.WithLabelValues(server).Inc()
	}
}

func (m *Ingest) FrameMalformed(server string) {
	if m != nil {
		m.framesMalformed.WithLabelValues(server).Inc()
	}
}

func (m *Ingest) FrameStored(server string) {
	if m != nil {
		m.framesStored.WithLabelValues(server).Inc()
	}
}

func (m *Ingest) StoreFailed(server string) {
	if m != nil {
		m.storeFailures.WithLabelValues(server).Inc()
	}
}

func (m *Ingest) BindFailed(server string) {
	if m != nil {
		m.bindFailures.WithLabelValues(server).Inc()
	}
}

func (m *Ingest) ConnectionOpened(server string) {
	if m != nil {
		m.connections.WithLabelValues(server).Inc()
	}
}

func (m *Ingest) ConnectionClosed(server string) {
	if m != nil {
		m.connections.WithLabelValues(server).Dec()
	}
}

// SetServerState records the live flags of one server, keyed by its id.
func (m *Ingest) SetServerState(serverID string, running, connected, alive bool) {
	if m == nil {
		return
	}
	m.serverRunning.WithLabelValues(serverID).Set(boolToFloat(running))
	m.serverConnected.WithLabelValues(serverID).Set(boolToFloat(connected))
	m.serverAlive.WithLabelValues(serverID).Set(boolToFloat(alive))
}

// ForgetServer drops the per-server state gauges of a removed server.
func (m *Ingest) ForgetServer(serverID string) {
	if m == nil {
		return
	}
	m.serverRunning.DeleteLabelValues(serverID)
	m.serverConnected.DeleteLabelValues(serverID)
	m.serverAlive.DeleteLabelValues(serverID)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
