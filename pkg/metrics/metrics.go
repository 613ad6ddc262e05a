// Package metrics provides operational metrics for the OR link channel
// layer: total cells queued, dispatched and written, handshake outcomes
// (failures also bucketed by reason), and channels opened, closed and
// currently open. Cell counts are not broken down by command, and channel
// counts are not broken down by state.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects counters and gauges for one relay's channel layer.
type Metrics struct {
	// Channel lifecycle
	ChannelsOpened *Counter
	ChannelsClosed *Counter
	OpenChannels   *Gauge

	// Handshake outcomes
	HandshakeSuccess  *Counter
	HandshakeFailures *Counter // per-reason counts appear in Snapshot's HandshakeFailuresByReason
	HandshakeTime     *Histogram

	// Cell traffic
	CellsQueued     *Counter
	CellsDispatched *Counter
	CellsWritten    *Counter

	// System metrics
	Uptime      *Gauge
	startTime   time.Time
	startTimeMu sync.RWMutex

	reasonsMu          sync.Mutex
	handshakeFailureBy map[string]*Counter
}

// New creates a new metrics instance.
func New() *Metrics {
	return &Metrics{
		ChannelsOpened: NewCounter(),
		ChannelsClosed: NewCounter(),
		OpenChannels:   NewGauge(),

		HandshakeSuccess:  NewCounter(),
		HandshakeFailures: NewCounter(),
		HandshakeTime:     NewHistogram(),

		CellsQueued:     NewCounter(),
		CellsDispatched: NewCounter(),
		CellsWritten:    NewCounter(),

		Uptime:    NewGauge(),
		startTime: time.Now(),

		handshakeFailureBy: make(map[string]*Counter),
	}
}

// RecordChannelOpened records a channel reaching OPEN.
func (m *Metrics) RecordChannelOpened() {
	m.ChannelsOpened.Inc()
	m.OpenChannels.Inc()
}

// RecordChannelClosed records a channel leaving OPEN for a terminal state.
func (m *Metrics) RecordChannelClosed() {
	m.ChannelsClosed.Inc()
	m.OpenChannels.Dec()
}

// RecordHandshake records a completed handshake attempt and its duration.
// On failure, reason buckets the cause (e.g. "protocol", "timeout", "cert")
// for the Snapshot's HandshakeFailuresByReason breakdown.
func (m *Metrics) RecordHandshake(success bool, reason string, duration time.Duration) {
	m.HandshakeTime.Observe(duration)
	if success {
		m.HandshakeSuccess.Inc()
		return
	}
	m.HandshakeFailures.Inc()
	m.reasonsMu.Lock()
	c, ok := m.handshakeFailureBy[reason]
	if !ok {
		c = NewCounter()
		m.handshakeFailureBy[reason] = c
	}
	m.reasonsMu.Unlock()
	c.Inc()
}

// RecordCellQueued records a cell entering a channel's inbound dispatch
// queue (QueueCell/QueueVarCell).
func (m *Metrics) RecordCellQueued() {
	m.CellsQueued.Inc()
}

// RecordCellDispatched records a queued cell handed to its installed
// handler.
func (m *Metrics) RecordCellDispatched() {
	m.CellsDispatched.Inc()
}

// RecordCellWritten records a cell handed to the transport for sending.
func (m *Metrics) RecordCellWritten() {
	m.CellsWritten.Inc()
}

// UpdateUptime updates the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.startTimeMu.RLock()
	defer m.startTimeMu.RUnlock()
	m.Uptime.Set(int64(time.Since(m.startTime).Seconds()))
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() *Snapshot {
	m.UpdateUptime()

	m.reasonsMu.Lock()
	byReason := make(map[string]int64, len(m.handshakeFailureBy))
	for reason, c := range m.handshakeFailureBy {
		byReason[reason] = c.Value()
	}
	m.reasonsMu.Unlock()

	return &Snapshot{
		ChannelsOpened: m.ChannelsOpened.Value(),
		ChannelsClosed: m.ChannelsClosed.Value(),
		OpenChannels:   m.OpenChannels.Value(),

		HandshakeSuccess:          m.HandshakeSuccess.Value(),
		HandshakeFailures:         m.HandshakeFailures.Value(),
		HandshakeFailuresByReason: byReason,
		HandshakeTimeAvg:          m.HandshakeTime.Mean(),
		HandshakeTimeP95:          m.HandshakeTime.Percentile(0.95),

		CellsQueued:     m.CellsQueued.Value(),
		CellsDispatched: m.CellsDispatched.Value(),
		CellsWritten:    m.CellsWritten.Value(),

		UptimeSeconds: m.Uptime.Value(),
	}
}

// Snapshot represents a point-in-time snapshot of metrics.
type Snapshot struct {
	ChannelsOpened int64
	ChannelsClosed int64
	OpenChannels   int64

	HandshakeSuccess          int64
	HandshakeFailures         int64
	HandshakeFailuresByReason map[string]int64
	HandshakeTimeAvg          time.Duration
	HandshakeTimeP95          time.Duration

	CellsQueued     int64
	CellsDispatched int64
	CellsWritten    int64

	UptimeSeconds int64
}

// Counter is a monotonically increasing counter
type Counter struct {
	value int64
}

// NewCounter creates a new counter
func NewCounter() *Counter {
	return &Counter{}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

// Add adds n to the counter
func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge is a value that can go up or down
type Gauge struct {
	value int64
}

// NewGauge creates a new gauge
func NewGauge() *Gauge {
	return &Gauge{}
}

// Set sets the gauge to a specific value
func (g *Gauge) Set(value int64) {
	atomic.StoreInt64(&g.value, value)
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

// Add adds n to the gauge
func (g *Gauge) Add(n int64) {
	atomic.AddInt64(&g.value, n)
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// Histogram tracks distribution of durations
type Histogram struct {
	observations []time.Duration
	mu           sync.RWMutex
}

// NewHistogram creates a new histogram
func NewHistogram() *Histogram {
	return &Histogram{
		observations: make([]time.Duration, 0, 1000),
	}
}

// Observe adds a new observation to the histogram
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Keep last 1000 observations to prevent unbounded memory growth
	if len(h.observations) >= 1000 {
		h.observations = h.observations[1:]
	}
	h.observations = append(h.observations, d)
}

// Mean returns the mean of all observations
func (h *Histogram) Mean() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range h.observations {
		sum += d
	}
	return sum / time.Duration(len(h.observations))
}

// Percentile returns the nth percentile (0.0 to 1.0)
func (h *Histogram) Percentile(p float64) time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.observations) == 0 {
		return 0
	}

	// Simple percentile calculation - sort observations
	sorted := make([]time.Duration, len(h.observations))
	copy(sorted, h.observations)

	// Bubble sort (fine for our limited observation window)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i] > sorted[j] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// Count returns the number of observations
func (h *Histogram) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observations)
}
