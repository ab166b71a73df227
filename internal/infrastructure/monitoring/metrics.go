package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "webext"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can take one optionally.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Dispatch metrics
	DispatchCalls    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	PendingCallbacks prometheus.Gauge

	// Storage metrics
	StorageOperations *prometheus.CounterVec
	StorageChanges    *prometheus.CounterVec

	// Router metrics
	Publishes        *prometheus.CounterVec
	BroadcastTargets *prometheus.CounterVec

	// Extension metrics
	ExtensionsRegistered prometheus.Gauge
	ExtensionsActive     prometheus.Gauge
	RegisteredHosts      prometheus.Gauge
	Reinstalls           prometheus.Counter

	// Background metrics
	BackgroundContexts prometheus.Gauge
	BackgroundStarts   *prometheus.CounterVec
	BackgroundStartup  prometheus.Histogram

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.GaugeFunc
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for the JSON API
type MetricsSnapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalErrors       int64   `json:"total_errors"`
	TotalDispatches   int64   `json:"total_dispatches"`
	DispatchErrors    int64   `json:"dispatch_errors"`
	ActiveExtensions  int64   `json:"active_extensions"`
	PendingCallbacks  int64   `json:"pending_callbacks"`
	ActiveConnections int64   `json:"active_connections"`
	DispatchSeconds   float64 `json:"dispatch_seconds"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// NewMetrics creates a metrics collector on the default Prometheus registry
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a metrics collector registered on reg.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{startTime: time.Now()}

	// HTTP metrics
	m.RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
	m.RequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)
	m.ResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"method", "path"},
	)

	// Dispatch metrics
	m.DispatchCalls = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_calls_total",
			Help:      "Total number of extension API calls",
		},
		[]string{"api", "status"},
	)
	m.DispatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Extension API call duration in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"api"},
	)
	m.PendingCallbacks = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_callbacks",
			Help:      "Number of calls awaiting a response",
		},
	)

	// Storage metrics
	m.StorageOperations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"area", "operation", "status"},
	)
	m.StorageChanges = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_changes_total",
			Help:      "Total number of changed keys broadcast to listeners",
		},
		[]string{"area"},
	)

	// Router metrics
	m.Publishes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_publishes_total",
			Help:      "Total number of runtime messages published",
		},
		[]string{"status"},
	)
	m.BroadcastTargets = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_broadcast_targets_total",
			Help:      "Event deliveries per receiving context",
		},
		[]string{"function", "result"},
	)

	// Extension metrics
	m.ExtensionsRegistered = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extensions_registered",
			Help:      "Number of registered extensions",
		},
	)
	m.ExtensionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "extensions_active",
			Help:      "Number of active extensions",
		},
	)
	m.RegisteredHosts = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_hosts",
			Help:      "Number of live script hosts",
		},
	)
	m.Reinstalls = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reinstall_passes_total",
			Help:      "Total number of user script reinstall passes",
		},
	)

	// Background metrics
	m.BackgroundContexts = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_contexts",
			Help:      "Number of running background contexts",
		},
	)
	m.BackgroundStarts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_starts_total",
			Help:      "Total number of background context starts",
		},
		[]string{"status"},
	)
	m.BackgroundStartup = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "background_startup_seconds",
			Help:      "Time from start to first navigation finishing",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// WebSocket metrics
	m.WSConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of active WebSocket connections",
		},
	)
	m.WSMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Total number of WebSocket messages",
		},
		[]string{"direction", "type"},
	)

	// System metrics
	m.Uptime = factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Runtime uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status[0] == '4' || status[0] == '5' {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordDispatch records one extension API call
func (m *Metrics) RecordDispatch(api, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchCalls.WithLabelValues(api, status).Inc()
	m.DispatchDuration.WithLabelValues(api).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalDispatches++
	m.snapshot.DispatchSeconds += duration.Seconds()
	if status != StatusSuccess {
		m.snapshot.DispatchErrors++
	}
	m.mu.Unlock()
}

// SetPendingCallbacks sets the number of outstanding bridge calls
func (m *Metrics) SetPendingCallbacks(count int) {
	if m == nil {
		return
	}
	m.PendingCallbacks.Set(float64(count))
	m.mu.Lock()
	m.snapshot.PendingCallbacks = int64(count)
	m.mu.Unlock()
}

// RecordStorageOperation records a storage manager operation
func (m *Metrics) RecordStorageOperation(area, operation, status string) {
	if m == nil {
		return
	}
	m.StorageOperations.WithLabelValues(area, operation, status).Inc()
}

// RecordStorageChanges records the number of keys in one change broadcast
func (m *Metrics) RecordStorageChanges(area string, count int) {
	if m == nil {
		return
	}
	m.StorageChanges.WithLabelValues(area).Add(float64(count))
}

// RecordPublish records a runtime.sendMessage publish
func (m *Metrics) RecordPublish(status string) {
	if m == nil {
		return
	}
	m.Publishes.WithLabelValues(status).Inc()
}

// RecordBroadcast records per-context delivery results of one broadcast
func (m *Metrics) RecordBroadcast(function string, delivered, failed int) {
	if m == nil {
		return
	}
	m.BroadcastTargets.WithLabelValues(function, "delivered").Add(float64(delivered))
	m.BroadcastTargets.WithLabelValues(function, "failed").Add(float64(failed))
}

// SetExtensionsRegistered sets the number of registered extensions
func (m *Metrics) SetExtensionsRegistered(count int) {
	if m == nil {
		return
	}
	m.ExtensionsRegistered.Set(float64(count))
}

// SetExtensionsActive sets the number of active extensions
func (m *Metrics) SetExtensionsActive(count int) {
	if m == nil {
		return
	}
	m.ExtensionsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveExtensions = int64(count)
	m.mu.Unlock()
}

// SetRegisteredHosts sets the number of live script hosts
func (m *Metrics) SetRegisteredHosts(count int) {
	if m == nil {
		return
	}
	m.RegisteredHosts.Set(float64(count))
}

// IncReinstalls counts one reinstall pass
func (m *Metrics) IncReinstalls() {
	if m == nil {
		return
	}
	m.Reinstalls.Inc()
}

// SetBackgroundContexts sets the number of running background contexts
func (m *Metrics) SetBackgroundContexts(count int) {
	if m == nil {
		return
	}
	m.BackgroundContexts.Set(float64(count))
}

// RecordBackgroundStart records a background start attempt
func (m *Metrics) RecordBackgroundStart(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackgroundStarts.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		m.BackgroundStartup.Observe(duration.Seconds())
	}
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// Snapshot returns the current values for the JSON API
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
