package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}

	// Check all metrics are initialized
	if m.ChannelsOpened == nil {
		t.Error("ChannelsOpened not initialized")
	}
	if m.OpenChannels == nil {
		t.Error("OpenChannels not initialized")
	}
	if m.HandshakeTime == nil {
		t.Error("HandshakeTime not initialized")
	}
}

func TestCounter(t *testing.T) {
	c := NewCounter()

	if c.Value() != 0 {
		t.Errorf("initial value = %d, want 0", c.Value())
	}

	c.Inc()
	if c.Value() != 1 {
		t.Errorf("after Inc() = %d, want 1", c.Value())
	}

	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("after Add(5) = %d, want 6", c.Value())
	}
}

func TestCounterConcurrency(t *testing.T) {
	c := NewCounter()
	const goroutines = 100
	const increments = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < increments; j++ {
				c.Inc()
			}
		}()
	}

	wg.Wait()

	expected := int64(goroutines * increments)
	if c.Value() != expected {
		t.Errorf("concurrent increments = %d, want %d", c.Value(), expected)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge()

	if g.Value() != 0 {
		t.Errorf("initial value = %d, want 0", g.Value())
	}

	g.Set(42)
	if g.Value() != 42 {
		t.Errorf("after Set(42) = %d, want 42", g.Value())
	}

	g.Inc()
	if g.Value() != 43 {
		t.Errorf("after Inc() = %d, want 43", g.Value())
	}

	g.Dec()
	if g.Value() != 42 {
		t.Errorf("after Dec() = %d, want 42", g.Value())
	}

	g.Add(10)
	if g.Value() != 52 {
		t.Errorf("after Add(10) = %d, want 52", g.Value())
	}
}

func TestGaugeConcurrency(t *testing.T) {
	g := NewGauge()
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines * 2)

	// Half increment, half decrement
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			g.Inc()
		}()
		go func() {
			defer wg.Done()
			g.Dec()
		}()
	}

	wg.Wait()

	// Should net to 0
	if g.Value() != 0 {
		t.Errorf("concurrent inc/dec = %d, want 0", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram()

	if h.Count() != 0 {
		t.Errorf("initial count = %d, want 0", h.Count())
	}

	// Add observations
	observations := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		3 * time.Second,
		4 * time.Second,
		5 * time.Second,
	}

	for _, d := range observations {
		h.Observe(d)
	}

	if h.Count() != 5 {
		t.Errorf("count = %d, want 5", h.Count())
	}

	// Mean should be 3 seconds
	mean := h.Mean()
	expected := 3 * time.Second
	if mean != expected {
		t.Errorf("mean = %v, want %v", mean, expected)
	}

	// P95 should be close to 5 seconds (95th percentile of 5 items)
	// For 5 items, index = floor(4 * 0.95) = 3, which is the 4th item (4 seconds)
	p95 := h.Percentile(0.95)
	if p95 != 4*time.Second {
		t.Errorf("p95 = %v, want %v", p95, 4*time.Second)
	}

	// P50 (median) should be 3 seconds
	p50 := h.Percentile(0.50)
	if p50 != 3*time.Second {
		t.Errorf("p50 = %v, want %v", p50, 3*time.Second)
	}
}

func TestHistogramBoundedSize(t *testing.T) {
	h := NewHistogram()

	// Add more than 1000 observations
	for i := 0; i < 1500; i++ {
		h.Observe(time.Duration(i) * time.Millisecond)
	}

	// Should only keep last 1000
	if h.Count() != 1000 {
		t.Errorf("count = %d, want 1000", h.Count())
	}
}

func TestHistogramEmptyStats(t *testing.T) {
	h := NewHistogram()

	if h.Mean() != 0 {
		t.Errorf("mean of empty histogram = %v, want 0", h.Mean())
	}

	if h.Percentile(0.95) != 0 {
		t.Errorf("p95 of empty histogram = %v, want 0", h.Percentile(0.95))
	}
}

func TestRecordHandshake(t *testing.T) {
	m := New()

	m.RecordHandshake(true, "", 2*time.Second)
	if m.HandshakeSuccess.Value() != 1 {
		t.Errorf("handshake success = %d, want 1", m.HandshakeSuccess.Value())
	}
	if m.HandshakeFailures.Value() != 0 {
		t.Errorf("handshake failures = %d, want 0", m.HandshakeFailures.Value())
	}

	m.RecordHandshake(false, "timeout", 1*time.Second)
	m.RecordHandshake(false, "timeout", 1*time.Second)
	m.RecordHandshake(false, "cert", 1*time.Second)

	if m.HandshakeSuccess.Value() != 1 {
		t.Errorf("handshake success = %d, want 1", m.HandshakeSuccess.Value())
	}
	if m.HandshakeFailures.Value() != 3 {
		t.Errorf("handshake failures = %d, want 3", m.HandshakeFailures.Value())
	}

	snap := m.Snapshot()
	if snap.HandshakeFailuresByReason["timeout"] != 2 {
		t.Errorf("timeout failures = %d, want 2", snap.HandshakeFailuresByReason["timeout"])
	}
	if snap.HandshakeFailuresByReason["cert"] != 1 {
		t.Errorf("cert failures = %d, want 1", snap.HandshakeFailuresByReason["cert"])
	}
}

func TestRecordChannelLifecycle(t *testing.T) {
	m := New()

	m.RecordChannelOpened()
	m.RecordChannelOpened()
	if m.OpenChannels.Value() != 2 {
		t.Errorf("open channels = %d, want 2", m.OpenChannels.Value())
	}

	m.RecordChannelClosed()
	if m.OpenChannels.Value() != 1 {
		t.Errorf("open channels = %d, want 1", m.OpenChannels.Value())
	}
	if m.ChannelsOpened.Value() != 2 {
		t.Errorf("channels opened = %d, want 2", m.ChannelsOpened.Value())
	}
	if m.ChannelsClosed.Value() != 1 {
		t.Errorf("channels closed = %d, want 1", m.ChannelsClosed.Value())
	}
}

func TestRecordCellTraffic(t *testing.T) {
	m := New()

	m.RecordCellQueued()
	m.RecordCellQueued()
	m.RecordCellDispatched()
	m.RecordCellWritten()

	if m.CellsQueued.Value() != 2 {
		t.Errorf("cells queued = %d, want 2", m.CellsQueued.Value())
	}
	if m.CellsDispatched.Value() != 1 {
		t.Errorf("cells dispatched = %d, want 1", m.CellsDispatched.Value())
	}
	if m.CellsWritten.Value() != 1 {
		t.Errorf("cells written = %d, want 1", m.CellsWritten.Value())
	}
}

func TestUpdateUptime(t *testing.T) {
	m := New()

	// Wait a bit
	time.Sleep(1100 * time.Millisecond)

	m.UpdateUptime()

	uptime := m.Uptime.Value()
	if uptime < 1 {
		t.Errorf("uptime = %d seconds, want >= 1", uptime)
	}
}

func TestSnapshot(t *testing.T) {
	m := New()

	m.RecordHandshake(true, "", 2*time.Second)
	m.RecordHandshake(false, "timeout", 1*time.Second)
	m.RecordChannelOpened()
	m.RecordCellWritten()

	snap := m.Snapshot()

	if snap.HandshakeSuccess != 1 {
		t.Errorf("snapshot handshake success = %d, want 1", snap.HandshakeSuccess)
	}
	if snap.HandshakeFailures != 1 {
		t.Errorf("snapshot handshake failures = %d, want 1", snap.HandshakeFailures)
	}
	if snap.OpenChannels != 1 {
		t.Errorf("snapshot open channels = %d, want 1", snap.OpenChannels)
	}
	if snap.CellsWritten != 1 {
		t.Errorf("snapshot cells written = %d, want 1", snap.CellsWritten)
	}
	// Uptime might be 0 if snapshot is taken immediately
	// Just check it's non-negative
	if snap.UptimeSeconds < 0 {
		t.Errorf("snapshot uptime = %d, want >= 0", snap.UptimeSeconds)
	}
}

func TestSnapshotIndependence(t *testing.T) {
	m := New()

	m.ChannelsOpened.Inc()
	snap1 := m.Snapshot()

	m.ChannelsOpened.Inc()
	snap2 := m.Snapshot()

	if snap1.ChannelsOpened != 1 {
		t.Errorf("snap1 channels opened = %d, want 1", snap1.ChannelsOpened)
	}
	if snap2.ChannelsOpened != 2 {
		t.Errorf("snap2 channels opened = %d, want 2", snap2.ChannelsOpened)
	}
}
