package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpanContinuesTrace(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	parent, ctx := tracer.StartSpan(context.Background(), "parent")
	child, childCtx := tracer.StartSpan(ctx, "child")

	assert.NotEmpty(t, parent.TraceID)
	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.Equal(t, child.SpanID, GetSpanID(childCtx))
	assert.Equal(t, parent.TraceID, GetTraceID(childCtx))
}

func TestWithTraceID(t *testing.T) {
	tracer := New("test", nil)
	defer tracer.Close()

	span, _ := tracer.StartSpan(WithTraceID(context.Background(), "trace_fixed"), "op")
	assert.Equal(t, TraceID("trace_fixed"), span.TraceID)
}

func TestSubmitAfterFinish(t *testing.T) {
	tracer := New("test", nil)

	span, _ := tracer.StartSpan(context.Background(), "op")
	span.SetTag("k", "v")
	span.SetError(errors.New("failed"))
	span.Finish()
	tracer.Submit(span)

	tracer.Close()
	tracer.Close()
	assert.False(t, span.EndTime.IsZero())

	var nilTracer *Tracer
	nilTracer.Submit(span)
}

func TestHTTPMiddlewarePropagatesHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer := New("test", nil)
	defer tracer.Close()

	var seen TraceID
	r := gin.New()
	r.Use(HTTPMiddleware(tracer))
	r.GET("/health", func(c *gin.Context) {
		seen = GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Trace-ID", "trace_abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, TraceID("trace_abc"), seen)
	assert.Equal(t, "trace_abc", w.Header().Get("X-Trace-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Span-ID"))
}
