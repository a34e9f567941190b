package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	OrderLatency    *LatencyHistogram
	SignalLatency   *LatencyHistogram
	DBLatency       *LatencyHistogram

	// Counters
	ordersProcessed  uint64
	ticksProcessed   uint64
	signalsAdmitted  uint64
	errorsCount      uint64

	// Per-exchange gateway health and position/reservation counts,
	// refreshed periodically from TradingCoordinator.
	gatewayHealth   map[string]bool
	openPositions   int
	heldReservations int

	// Bounded ring of recent risk rejections, surfaced at /status.
	rejections    []Rejection
	rejectionHead int

	// Snapshot
	lastUpdate time.Time
}

// Rejection is a single RiskEvaluator rejection, recorded for operator
// visibility at /status.
type Rejection struct {
	Symbol string    `json:"symbol"`
	Kind   string    `json:"kind"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

const maxRecentRejections = 50

// LatencyHistogram tracks latency samples with sliding window.
// Supports lazy stats computation for better performance (V2 P1-B).
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:  NewLatencyHistogram(1000),
		SignalLatency: NewLatencyHistogram(1000),
		DBLatency:     NewLatencyHistogram(1000),
		gatewayHealth: make(map[string]bool),
		lastUpdate:    time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true // Mark as dirty for lazy recomputation
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
// Uses lazy computation - only recomputes when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Return cached stats if samples haven't changed
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	// Compute new stats
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementOrders increments processed orders counter.
func (m *SystemMetrics) IncrementOrders() {
	atomic.AddUint64(&m.ordersProcessed, 1)
}

// IncrementTicks increments processed ticks counter.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementSignals increments the admitted-signal counter.
func (m *SystemMetrics) IncrementSignals() {
	atomic.AddUint64(&m.signalsAdmitted, 1)
}

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// MetricsSnapshot is a point-in-time view, served by the api package's
// /status endpoint.
type MetricsSnapshot struct {
	OrderLatency     LatencyStats    `json:"order_latency"`
	SignalLatency    LatencyStats    `json:"signal_latency"`
	DBLatency        LatencyStats    `json:"db_latency"`
	OrdersProcessed  uint64          `json:"orders_processed"`
	TicksProcessed   uint64          `json:"ticks_processed"`
	SignalsAdmitted  uint64          `json:"signals_admitted"`
	ErrorsCount      uint64          `json:"errors_count"`
	GatewayHealth    map[string]bool `json:"gateway_health"`
	OpenPositions    int             `json:"open_positions"`
	HeldReservations int             `json:"held_reservations"`
	GoroutineCount   int             `json:"goroutine_count"`
	HeapAlloc        uint64          `json:"heap_alloc_bytes"`
	HeapSys          uint64          `json:"heap_sys_bytes"`
	Timestamp        time.Time       `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	health := make(map[string]bool, len(m.gatewayHealth))
	for k, v := range m.gatewayHealth {
		health[k] = v
	}
	openPositions := m.openPositions
	heldReservations := m.heldReservations
	m.mu.RUnlock()

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		SignalLatency:    m.SignalLatency.Stats(),
		DBLatency:        m.DBLatency.Stats(),
		OrdersProcessed:  atomic.LoadUint64(&m.ordersProcessed),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		SignalsAdmitted:  atomic.LoadUint64(&m.signalsAdmitted),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		GatewayHealth:    health,
		OpenPositions:    openPositions,
		HeldReservations: heldReservations,
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Timestamp:        time.Now(),
	}
}

// SetGatewayHealth records the last-known health flag per exchange name.
func (m *SystemMetrics) SetGatewayHealth(exchange string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayHealth[exchange] = healthy
}

// SetPositionCounts updates the open-position and held-reservation gauges.
func (m *SystemMetrics) SetPositionCounts(openPositions, heldReservations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = openPositions
	m.heldReservations = heldReservations
}

// RecordRejection appends to the bounded recent-rejections ring, overwriting
// the oldest entry once full.
func (m *SystemMetrics) RecordRejection(symbol, kind, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Rejection{Symbol: symbol, Kind: kind, Reason: reason, At: time.Now()}
	if len(m.rejections) < maxRecentRejections {
		m.rejections = append(m.rejections, r)
		return
	}
	m.rejections[m.rejectionHead] = r
	m.rejectionHead = (m.rejectionHead + 1) % maxRecentRejections
}

// RecentRejections returns the recorded rejections, oldest first.
func (m *SystemMetrics) RecentRejections() []Rejection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.rejections) < maxRecentRejections {
		out := make([]Rejection, len(m.rejections))
		copy(out, m.rejections)
		return out
	}
	out := make([]Rejection, 0, maxRecentRejections)
	out = append(out, m.rejections[m.rejectionHead:]...)
	out = append(out, m.rejections[:m.rejectionHead]...)
	return out
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
