// Package http provides the REST handlers of the gateway the UI shell
// talks to.
//
// Endpoints:
//   - Health: /health
//   - Extensions: /api/extensions, /api/extensions/:id, /api/extensions/:id/enable|disable
//   - Windows: /api/windows, /api/windows/:id (PUT attach, DELETE detach)
//   - Window state: /api/windows/:id/settings|events|commands|panels|sessions
//   - Panels: /api/panels/:id/message
//   - Runtime: /api/runtime, /api/runtime/restart, /api/activations
//
// Errors are answered as {"error": {"code": ..., "message": ...}} with the
// HTTP status derived from the error code.
//
// Example Usage:
//
//	handlers := http.NewHandlers(host, logger)
//	handlers.Register(router)
package http
