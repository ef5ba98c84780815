// Package middleware provides the gin middleware of the HTTP gateway.
//
// Middleware stack includes:
//   - CORS: cross-origin access for the UI shell's dev servers
//   - RateLimit: per-client token buckets, idle clients are swept
//   - RequestLogger: one structured log line per request
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.CORSConfigFor(cfg.Server.CORSOrigins)))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
