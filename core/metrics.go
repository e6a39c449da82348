package core

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics captures a snapshot of the aggregator's own health, answered by
// GatherMetricsRequest.
type Metrics struct {
	QueueDepth       int               `json:"queue_depth"`
	ChainCount       int               `json:"chain_count"`
	NodeCount        int               `json:"node_count"`
	NodesPerChain    map[BlockHash]int `json:"nodes_per_chain"`
	FeedCount        int               `json:"feed_count"`
	ShardCount       int               `json:"shard_count"`
	BytesSentTotal   uint64            `json:"bytes_sent_total"`
	TicksProcessed   uint64            `json:"ticks_processed"`
	MemAllocBytes    uint64            `json:"mem_alloc_bytes"`
	NumGoroutines    int               `json:"goroutines"`
	TimestampUnixSec int64             `json:"timestamp"`
}

// MetricsCollector pairs a small Prometheus registry with structured
// logging over the aggregator's own counters.
type MetricsCollector struct {
	log *logrus.Logger
	mu  sync.Mutex

	registry          *prometheus.Registry
	queueDepthGauge   prometheus.Gauge
	chainCountGauge   prometheus.Gauge
	nodeCountGauge    prometheus.Gauge
	feedCountGauge    prometheus.Gauge
	shardCountGauge   prometheus.Gauge
	bytesSentCounter  prometheus.Counter
	ticksCounter      prometheus.Counter
	goroutinesGauge   prometheus.Gauge
	droppedMsgCounter prometheus.Counter
}

// NewMetricsCollector builds a collector logging through the given logger,
// reusing the aggregator's own stdout logrus instance rather than a
// dedicated one.
func NewMetricsCollector(log *logrus.Logger) *MetricsCollector {
	reg := prometheus.NewRegistry()
	m := &MetricsCollector{log: log, registry: reg}

	m.queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_aggregator_queue_depth",
		Help: "Current depth of the aggregator's inbound event queue",
	})
	m.chainCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_aggregator_chains",
		Help: "Number of chains with at least one connected node",
	})
	m.nodeCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_aggregator_nodes",
		Help: "Number of nodes currently admitted across all chains",
	})
	m.feedCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_aggregator_feed_connections",
		Help: "Number of connected feed subscribers",
	})
	m.shardCountGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_aggregator_shard_connections",
		Help: "Number of connected shard producers",
	})
	m.bytesSentCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_aggregator_bytes_sent_total",
		Help: "Total bytes written to feed connections since process start",
	})
	m.ticksCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_aggregator_ticks_total",
		Help: "Total number of SendUpdates ticks processed",
	})
	m.goroutinesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_aggregator_goroutines",
		Help: "Number of running goroutines",
	})
	m.droppedMsgCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_aggregator_dropped_messages_total",
		Help: "Total non-essential inbound messages dropped under queue pressure",
	})

	reg.MustRegister(
		m.queueDepthGauge,
		m.chainCountGauge,
		m.nodeCountGauge,
		m.feedCountGauge,
		m.shardCountGauge,
		m.bytesSentCounter,
		m.ticksCounter,
		m.goroutinesGauge,
		m.droppedMsgCounter,
	)

	return m
}

// RecordSnapshot updates the Prometheus gauges from a freshly built Metrics
// snapshot and logs a structured event at debug level. The counters (bytes
// sent, ticks, dropped messages) are advanced by their own methods instead.
func (m *MetricsCollector) RecordSnapshot(snap Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queueDepthGauge.Set(float64(snap.QueueDepth))
	m.chainCountGauge.Set(float64(snap.ChainCount))
	m.nodeCountGauge.Set(float64(snap.NodeCount))
	m.feedCountGauge.Set(float64(snap.FeedCount))
	m.shardCountGauge.Set(float64(snap.ShardCount))
	m.goroutinesGauge.Set(float64(snap.NumGoroutines))

	m.log.WithFields(logrus.Fields{
		"queue_depth": snap.QueueDepth,
		"chains":      snap.ChainCount,
		"nodes":       snap.NodeCount,
	}).Debug("metrics snapshot recorded")
}

// SetQueueDepth records the inbound queue depth observed at a dequeue.
func (m *MetricsCollector) SetQueueDepth(depth int) {
	m.queueDepthGauge.Set(float64(depth))
}

// AddBytesSent increments the cumulative bytes-sent counter.
func (m *MetricsCollector) AddBytesSent(n int) {
	if n <= 0 {
		return
	}
	m.bytesSentCounter.Add(float64(n))
}

// IncTick increments the processed-ticks counter.
func (m *MetricsCollector) IncTick() { m.ticksCounter.Inc() }

// IncDropped increments the dropped-messages counter.
func (m *MetricsCollector) IncDropped() { m.droppedMsgCounter.Inc() }

// RuntimeStats fills in the process-wide fields of a Metrics snapshot
// (memory and goroutine counts) that the event loop itself has no direct
// visibility into.
func RuntimeStats() (memAllocBytes uint64, numGoroutines int) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem.Alloc, runtime.NumGoroutine()
}

// StartServer exposes the Prometheus registry on addr's /metrics endpoint,
// returning the *http.Server so the caller controls its lifecycle.
func (m *MetricsCollector) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv
}

// ShutdownServer gracefully stops a server returned by StartServer.
func (m *MetricsCollector) ShutdownServer(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
