package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/voxelgate/pkg/protocol"
)

// Metrics holds the server's Prometheus collectors. Each server owns its
// registry so tests can run several servers in one process. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal  *prometheus.CounterVec
	disconnectsTotal  *prometheus.CounterVec
	activeConnections prometheus.Gauge
	onlinePlayers     prometheus.Gauge

	framesIn      *prometheus.CounterVec
	framesOut     *prometheus.CounterVec
	bytesOut      prometheus.Counter
	framesDropped *prometheus.CounterVec

	chainDuration prometheus.Histogram
	chainLength   prometheus.Histogram

	chunksDelivered prometheus.Counter
	chunksDiscarded prometheus.Counter
	chunksUnloaded  prometheus.Counter
	generationQueue prometheus.Gauge

	keepAliveRTT prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxelgate_connections_total",
			Help: "Accepted connections by transport",
		}, []string{"transport"}),
		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxelgate_disconnects_total",
			Help: "Closed connections by transport and reason class",
		}, []string{"transport", "reason"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxelgate_active_connections",
			Help: "Open connections in any protocol state",
		}),
		onlinePlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxelgate_online_players",
			Help: "Connections in the play state",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxelgate_frames_in_total",
			Help: "Frames received by state and opcode",
		}, []string{"state", "opcode"}),
		framesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxelgate_frames_out_total",
			Help: "Frames written by opcode",
		}, []string{"opcode"}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelgate_bytes_out_total",
			Help: "Bytes written to clients",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voxelgate_frames_dropped_total",
			Help: "Block updates dropped because the client does not hold the chunk",
		}, []string{"opcode"}),
		chainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxelgate_chain_duration_seconds",
			Help:    "Time to execute one chain of frames",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		chainLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxelgate_chain_length",
			Help:    "Frames per executed chain",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		chunksDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelgate_chunks_delivered_total",
			Help: "Chunk columns sent to clients",
		}),
		chunksDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelgate_chunks_discarded_total",
			Help: "Generation responses dropped as no longer relevant",
		}),
		chunksUnloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voxelgate_chunks_unloaded_total",
			Help: "Unload frames sent for chunks out of range",
		}),
		generationQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voxelgate_generation_queue_depth",
			Help: "Generation requests waiting for a worker",
		}),
		keepAliveRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxelgate_keepalive_rtt_seconds",
			Help:    "Keep-alive round trip time",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.connectionsTotal, m.disconnectsTotal, m.activeConnections, m.onlinePlayers,
		m.framesIn, m.framesOut, m.bytesOut, m.framesDropped,
		m.chainDuration, m.chainLength,
		m.chunksDelivered, m.chunksDiscarded, m.chunksUnloaded, m.generationQueue,
		m.keepAliveRTT,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the collectors, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func opcodeLabel(op int32) string { return fmt.Sprintf("0x%02X", op) }

func (m *Metrics) ConnectionOpened(transport string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionClosed(transport, reason string) {
	if m == nil {
		return
	}
	m.disconnectsTotal.WithLabelValues(transport, reason).Inc()
}

func (m *Metrics) ActiveConnections(n int) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(n))
}

func (m *Metrics) OnlinePlayers(n int) {
	if m == nil {
		return
	}
	m.onlinePlayers.Set(float64(n))
}

func (m *Metrics) FrameIn(state protocol.State, op int32) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(state.String(), opcodeLabel(op)).Inc()
}

func (m *Metrics) FrameOut(op int32, n int) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(opcodeLabel(op)).Inc()
	m.bytesOut.Add(float64(n))
}

func (m *Metrics) FrameDropped(op int32) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(opcodeLabel(op)).Inc()
}

func (m *Metrics) ChainExecuted(frames int, d time.Duration) {
	if m == nil {
		return
	}
	m.chainLength.Observe(float64(frames))
	m.chainDuration.Observe(d.Seconds())
}

func (m *Metrics) ChunkDelivered() {
	if m == nil {
		return
	}
	m.chunksDelivered.Inc()
}

func (m *Metrics) ChunksDiscarded(n int) {
	if m == nil || n == 0 {
		return
	}
	m.chunksDiscarded.Add(float64(n))
}

func (m *Metrics) ChunksUnloaded(n int) {
	if m == nil || n == 0 {
		return
	}
	m.chunksUnloaded.Add(float64(n))
}

func (m *Metrics) GenerationQueueDepth(n int) {
	if m == nil {
		return
	}
	m.generationQueue.Set(float64(n))
}

func (m *Metrics) KeepAliveRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.keepAliveRTT.Observe(d.Seconds())
}

// HealthHandler reports liveness and a few counters as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	status := map[string]any{
		"status":          "ok",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"connections":     s.conns.Count(),
		"players":         s.conns.PlayerCount(),
		"max_players":     s.config.MaxPlayers,
		"generation_jobs": s.gen.Len(),
		"cached_columns":  s.world.CachedColumns(),
		"goroutines":      runtime.NumGoroutine(),
		"heap_bytes":      mem.HeapAlloc,
	}
	select {
	case <-s.shutdown:
		status["status"] = "shutting_down"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(status)
		return
	default:
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
