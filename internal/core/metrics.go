package core

import (
	"math"
	"sync/atomic"
	"time"
)

// MetricsSnapshot is a point-in-time copy of the engine counters, carried on
// metrics:snapshot events.
type MetricsSnapshot struct {
	ConnectedMs     int64   `json:"connectedMs"`
	Reconnects      int64   `json:"reconnects"`
	InputsSent      int64   `json:"inputsSent"`
	UpdatesReceived int64   `json:"updatesReceived"`
	Corrections     int64   `json:"corrections"`
	MaxCorrection   float64 `json:"maxCorrection"`
	DroppedMessages int64   `json:"droppedMessages"`
	BytesSent       uint64  `json:"bytesSent"`
	BytesReceived   uint64  `json:"bytesReceived"`
	RTTMs           *int64  `json:"rttMs"`
}

// Metrics tracks runtime statistics for the engine.
// All fields are thread-safe via atomic operations.
type Metrics struct {
	connectedAt     atomic.Value // time.Time
	reconnects      atomic.Int64
	inputsSent      atomic.Int64
	updatesReceived atomic.Int64
	corrections     atomic.Int64
	maxCorrection   atomic.Uint64 // math.Float64bits
	droppedMessages atomic.Int64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	lastRTT         atomic.Value // *int64 (milliseconds)
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.connectedAt.Store(time.Time{})
	m.lastRTT.Store((*int64)(nil))
	return m
}

// RecordConnected marks the start of a live connection.
func (m *Metrics) RecordConnected() {
	m.connectedAt.Store(time.Now())
}

// RecordDisconnected clears the connection clock.
func (m *Metrics) RecordDisconnected() {
	m.connectedAt.Store(time.Time{})
}

// ConnectedMs returns milliseconds since the connection came up (0 if down).
func (m *Metrics) ConnectedMs() int64 {
	start := m.connectedAt.Load().(time.Time)
	if start.IsZero() {
		return 0
	}
	return time.Since(start).Milliseconds()
}

// RecordReconnect counts one completed reconnect.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// RecordInputSent counts one outgoing input message.
func (m *Metrics) RecordInputSent() {
	m.inputsSent.Add(1)
}

// RecordUpdateReceived counts one authoritative state update.
func (m *Metrics) RecordUpdateReceived() {
	m.updatesReceived.Add(1)
}

// RecordCorrection counts a reconciliation correction and keeps the largest
// divergence seen.
func (m *Metrics) RecordCorrection(magnitude float64) {
	m.corrections.Add(1)
	for {
		old := m.maxCorrection.Load()
		if magnitude <= math.Float64frombits(old) {
			return
		}
		if m.maxCorrection.CompareAndSwap(old, math.Float64bits(magnitude)) {
			return
		}
	}
}

// RecordDropped counts a malformed or unknown inbound message.
func (m *Metrics) RecordDropped() {
	m.droppedMessages.Add(1)
}

// RecordBytesSent adds to sent bytes counter.
func (m *Metrics) RecordBytesSent(n uint64) {
	m.bytesSent.Add(n)
}

// RecordBytesReceived adds to received bytes counter.
func (m *Metrics) RecordBytesReceived(n uint64) {
	m.bytesReceived.Add(n)
}

// RecordRTT stores the last measured round-trip time.
func (m *Metrics) RecordRTT(ms int64) {
	m.lastRTT.Store(&ms)
}

// LastRTT returns the last measured round-trip time (nil if none).
func (m *Metrics) LastRTT() *int64 {
	val := m.lastRTT.Load()
	if val == nil {
		return nil
	}
	return val.(*int64)
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectedMs:     m.ConnectedMs(),
		Reconnects:      m.reconnects.Load(),
		InputsSent:      m.inputsSent.Load(),
		UpdatesReceived: m.updatesReceived.Load(),
		Corrections:     m.corrections.Load(),
		MaxCorrection:   math.Float64frombits(m.maxCorrection.Load()),
		DroppedMessages: m.droppedMessages.Load(),
		BytesSent:       m.bytesSent.Load(),
		BytesReceived:   m.bytesReceived.Load(),
		RTTMs:           m.LastRTT(),
	}
}

// MetricsCollector periodically emits metrics snapshots.
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	stop     chan struct{}
	emitFunc func(Event)
}

// NewMetricsCollector creates a collector.
func NewMetricsCollector(metrics *Metrics, interval time.Duration, emit func(Event)) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		stop:     make(chan struct{}),
		emitFunc: emit,
	}
}

// Start begins periodic collection.
func (mc *MetricsCollector) Start() {
	go func() {
		ticker := time.NewTicker(mc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.emitFunc(NewMetricsSnapshotEvent(mc.metrics.Snapshot()))
			case <-mc.stop:
				return
			}
		}
	}()
}

// Stop halts collection.
func (mc *MetricsCollector) Stop() {
	close(mc.stop)
}
