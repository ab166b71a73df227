package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		reqSize := c.Request.ContentLength
		if reqSize < 0 {
			reqSize = 0
		}

		c.Next()

		// Route templates keep label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		respSize := int64(c.Writer.Size())
		if respSize < 0 {
			respSize = 0
		}

		metrics.RecordHTTPRequest(method, path, status, time.Since(start), reqSize, respSize)
	}
}

// Timer measures one dispatch
type Timer struct {
	start   time.Time
	metrics *Metrics
	api     string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, api string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		api:     api,
	}
}

// Stop stops the timer and records the dispatch with err's status
func (t *Timer) Stop(err error) time.Duration {
	duration := time.Since(t.start)
	t.metrics.RecordDispatch(t.api, StatusOf(err), duration)
	return duration
}
