package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/webext/internal/domain/app"
	"github.com/GriffinCanCode/webext/internal/infrastructure/monitoring"
)

// MetricsAggregator combines collector counters with live runtime state
type MetricsAggregator struct {
	metrics *monitoring.Metrics
	runtime *app.Runtime
}

// NewMetricsAggregator creates a metrics aggregator
func NewMetricsAggregator(metrics *monitoring.Metrics, runtime *app.Runtime) *MetricsAggregator {
	return &MetricsAggregator{metrics: metrics, runtime: runtime}
}

// MetricsSnapshot is the JSON metrics document
type MetricsSnapshot struct {
	Timestamp time.Time                  `json:"timestamp"`
	Counters  monitoring.MetricsSnapshot `json:"counters"`
	Runtime   app.Stats                  `json:"runtime"`
	Summary   MetricsSummary             `json:"summary"`
}

// MetricsSummary provides high-level metrics
type MetricsSummary struct {
	AverageDispatchMs float64 `json:"average_dispatch_ms"`
	DispatchErrorRate float64 `json:"dispatch_error_rate"`
	HTTPErrorRate     float64 `json:"http_error_rate"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// GetAggregatedMetrics returns counters and runtime state as JSON
func (ma *MetricsAggregator) GetAggregatedMetrics(c *gin.Context) {
	counters := ma.metrics.Snapshot()
	c.JSON(http.StatusOK, MetricsSnapshot{
		Timestamp: time.Now(),
		Counters:  counters,
		Runtime:   ma.runtime.Stats(),
		Summary:   summarize(counters),
	})
}

func summarize(s monitoring.MetricsSnapshot) MetricsSummary {
	summary := MetricsSummary{UptimeSeconds: s.UptimeSeconds}
	if s.TotalDispatches > 0 {
		summary.AverageDispatchMs = s.DispatchSeconds / float64(s.TotalDispatches) * 1000
		summary.DispatchErrorRate = float64(s.DispatchErrors) / float64(s.TotalDispatches)
	}
	if s.TotalRequests > 0 {
		summary.HTTPErrorRate = float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return summary
}
