package infra

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	framesProcessed atomic.Uint64
	protocolErrors  atomic.Uint64
	errorsTotal     atomic.Uint64
	published       atomic.Uint64
	publishFailures atomic.Uint64
	ordersClosed    atomic.Uint64
	reconnects      atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	circuitOpen       atomic.Int32 // 1 = open, 0 = closed
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordFrame records one processed frame with its handling latency.
func (m *Metrics) RecordFrame(latencyNs int64) {
	m.framesProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordError records a transport error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// RecordProtocolError records a frame or item that could not be applied.
func (m *Metrics) RecordProtocolError() {
	m.protocolErrors.Add(1)
}

// RecordPublish records an accepted publish.
func (m *Metrics) RecordPublish() {
	m.published.Add(1)
}

// RecordPublishFailure records a publish the bus rejected.
func (m *Metrics) RecordPublishFailure() {
	m.publishFailures.Add(1)
}

// RecordOrdersClosed records orders removed as filled or cancelled.
func (m *Metrics) RecordOrdersClosed(n int) {
	if n > 0 {
		m.ordersClosed.Add(uint64(n))
	}
}

// RecordReconnect records a reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	if open {
		m.circuitOpen.Store(1)
	} else {
		m.circuitOpen.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	FramesProcessed   uint64
	ProtocolErrors    uint64
	ErrorsTotal       uint64
	Published         uint64
	PublishFailures   uint64
	OrdersClosed      uint64
	Reconnects        uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	CircuitOpen       bool
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		FramesProcessed:   m.framesProcessed.Load(),
		ProtocolErrors:    m.protocolErrors.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		Published:         m.published.Load(),
		PublishFailures:   m.publishFailures.Load(),
		OrdersClosed:      m.ordersClosed.Load(),
		Reconnects:        m.reconnects.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		CircuitOpen:       m.circuitOpen.Load() == 1,
		Timestamp:         time.Now(),
	}
}

// LogValue renders the snapshot as a structured log group.
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("frames", s.FramesProcessed),
		slog.Uint64("protocol_errors", s.ProtocolErrors),
		slog.Uint64("transport_errors", s.ErrorsTotal),
		slog.Uint64("published", s.Published),
		slog.Uint64("publish_failures", s.PublishFailures),
		slog.Uint64("orders_closed", s.OrdersClosed),
		slog.Uint64("reconnects", s.Reconnects),
		slog.Int64("avg_latency_ns", s.AvgLatencyNs),
		slog.Int("connections", int(s.ActiveConnections)),
		slog.Bool("circuit_open", s.CircuitOpen),
	)
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.framesProcessed.Store(0)
	m.protocolErrors.Store(0)
	m.errorsTotal.Store(0)
	m.published.Store(0)
	m.publishFailures.Store(0)
	m.ordersClosed.Store(0)
	m.reconnects.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.circuitOpen.Store(0)
}
