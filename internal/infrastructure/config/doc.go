// Package config provides 12-factor configuration for the extension host.
//
// Configuration is loaded from environment variables with defaults. CLI
// flags override the environment.
//
// Configuration Sections:
//   - Server: HTTP gateway (port, host, CORS origins)
//   - RateLimit: gateway rate limit and per-extension UI message throttle
//   - Supervisor: runtime child command, request timeout, heartbeat, shutdown
//   - Sandbox: activation and deactivation budgets
//   - Broker: read/write/listing limits, session quotas, crash-loop guard
//   - Paths: data directory and settings file
//   - Policy: per-extension capability overrides
//   - Logging: level and output format
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Gateway on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
package config
