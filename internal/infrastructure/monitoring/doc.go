/*
Package monitoring provides Prometheus metrics for the extension host.

# Overview

Metrics live on a private registry so several hosts (or tests) can run in
one process without colliding on collector names. Every recorder method
tolerates a nil *Metrics.

# Metrics

- IPC round trips by peer, method and outcome, plus pending requests
- Runtime process status, starts, exits and missed heartbeats
- Protocol session spawns, exits and rejected spawns
- Broker operation counts and latency
- Activation outcomes, registered commands, open webview panels
- HTTP gateway and WebSocket traffic

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "workspace.readFile")
	_, err := broker.ReadFile(win, path)
	timer.Stop(err)
*/
package monitoring
