/*
Package monitoring provides Prometheus metrics for the extension runtime.

# Overview

Metrics cover the admin HTTP surface, API dispatch, storage operations and
change broadcasts, router publishes, the active extension set, registered
script hosts, background contexts and the event WebSocket.

Every recording method is safe on a nil *Metrics, so components accept one
through WithMetrics and work unchanged without it.

# Usage

	metrics := monitoring.NewMetrics()

	router.Use(monitoring.Middleware(metrics))

	timer := monitoring.NewTimer(metrics, "storage.local.get")
	result, err := handler.Invoke(ctx, body, callCtx)
	timer.Stop(err)

Tests register on their own registry:

	metrics := monitoring.NewMetricsWithRegistry(prometheus.NewRegistry())

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
