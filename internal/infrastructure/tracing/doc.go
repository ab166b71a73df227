/*
Package tracing provides lightweight spans for bridge dispatches and admin
requests.

Spans are buffered and logged by a collector goroutine at debug level, so a
dispatch can be followed across the dispatcher, storage manager and router by
its trace_id.

# Usage

	tracer := tracing.New("webext", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	span, ctx := tracer.StartSpan(ctx, "storage.local.set")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()
	span.SetTag("extension_id", ext.String())

# Propagation

The admin API accepts and returns:
  - X-Trace-ID: identifier for the whole request flow
  - X-Span-ID: identifier for the current operation

Bridge calls start a fresh trace per request.
*/
package tracing
