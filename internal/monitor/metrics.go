package monitor

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"venue-gateway/internal/events"
	"venue-gateway/internal/gateway"
	"venue-gateway/pkg/venue"
)

const namespace = "venue_gateway"

// Metrics holds the gateway's Prometheus collectors plus a sliding-window view of
// submit latency for the JSON status endpoint.
type Metrics struct {
	Registry *prometheus.Registry

	// Latency histograms
	SubmitLatency *LatencyHistogram
	DBLatency     *LatencyHistogram

	ticks           prometheus.Counter
	trades          prometheus.Counter
	orderReports    *prometheus.CounterVec
	submits         *prometheus.CounterVec
	submitSeconds   prometheus.Histogram
	venueErrors     *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	sessionDrops    prometheus.Counter
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry:      prometheus.NewRegistry(),
		SubmitLatency: NewLatencyHistogram(1000),
		DBLatency:     NewLatencyHistogram(1000),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Market data ticks received from the venue.",
		}),
		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "trades_total",
			Help: "Fills received from the venue.",
		}),
		orderReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_reports_total",
			Help: "Order status reports received from the venue.",
		}, []string{"status"}),
		submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_submits_total",
			Help: "Order submissions by result.",
		}, []string{"result"}),
		submitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "order_submit_seconds",
			Help:    "Time from submit request to stored order.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		venueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "venue_errors_total",
			Help: "Error events raised by the venue.",
		}, []string{"channel"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_failures_total",
			Help: "Event handlers that returned an error or panicked.",
		}, []string{"kind"}),
		sessionDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_drops_total",
			Help: "Client sessions dropped after a failed send.",
		}),
	}
	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.trades, m.orderReports, m.submits, m.submitSeconds,
		m.venueErrors, m.handlerFailures, m.sessionDrops,
	)
	return m
}

// Sources feed the gauges that are read at scrape time.
type Sources struct {
	Status        func() gateway.Status
	Sessions      func() int
	ActiveSymbols func() int
}

// RegisterSources adds gauges backed by the given sources.
func (m *Metrics) RegisterSources(src Sources) {
	if src.Status != nil {
		gauge := func(name, help string, read func(gateway.Status) float64) prometheus.Collector {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
				func() float64 { return read(src.Status()) })
		}
		m.Registry.MustRegister(
			gauge("ready", "1 when both venue channels are logged in.", func(s gateway.Status) float64 { return boolGauge(s.IsReady()) }),
			gauge("trade_ready", "1 when the trade channel is logged in.", func(s gateway.Status) float64 { return boolGauge(s.TradeReady()) }),
			gauge("md_ready", "1 when the market data channel is logged in.", func(s gateway.Status) float64 { return boolGauge(s.MDReady()) }),
			gauge("connection_errors", "Errors recorded since the last connect.", func(s gateway.Status) float64 { return float64(s.ErrorCount) }),
			gauge("session_orders", "Orders submitted since the last connect.", func(s gateway.Status) float64 { return float64(s.OrderCount) }),
			gauge("session_trades", "Fills processed since the last connect.", func(s gateway.Status) float64 { return float64(s.TradeCount) }),
			gauge("session_subscribes", "Subscribe requests since the last connect.", func(s gateway.Status) float64 { return float64(s.SubscribeCount) }),
		)
	}
	if src.Sessions != nil {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "client_sessions", Help: "Connected client sessions.",
		}, func() float64 { return float64(src.Sessions()) }))
	}
	if src.ActiveSymbols != nil {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_symbols", Help: "Symbols subscribed upstream.",
		}, func() float64 { return float64(src.ActiveSymbols()) }))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTick()                       { m.ticks.Inc() }
func (m *Metrics) ObserveTrade()                      { m.trades.Inc() }
func (m *Metrics) ObserveVenueError(ch venue.Channel) { m.venueErrors.WithLabelValues(string(ch)).Inc() }
func (m *Metrics) HandlerFailed(kind events.Kind)     { m.handlerFailures.WithLabelValues(string(kind)).Inc() }
func (m *Metrics) SessionDropped(string)              { m.sessionDrops.Inc() }

func (m *Metrics) ObserveOrderReport(s venue.OrderStatus) {
	m.orderReports.WithLabelValues(string(s)).Inc()
}

// ObserveSubmit records one submission and its latency.
func (m *Metrics) ObserveSubmit(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.submits.WithLabelValues(result).Inc()
	m.submitSeconds.Observe(d.Seconds())
	m.SubmitLatency.RecordDuration(d)
}

// LatencyHistogram tracks latency samples with sliding window.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
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
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Recomputed only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Snapshot is a point-in-time view for the status endpoint.
type Snapshot struct {
	SubmitLatency  LatencyStats `json:"submit_latency"`
	DBLatency      LatencyStats `json:"db_latency"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	HeapSys        uint64       `json:"heap_sys_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		SubmitLatency:  m.SubmitLatency.Stats(),
		DBLatency:      m.DBLatency.Stats(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		HeapSys:        memStats.HeapSys,
		Timestamp:      time.Now(),
	}
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

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
