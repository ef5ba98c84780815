// Package main is the exthost binary.
//
// One executable plays both roles of the extension host:
//
//	exthost serve     supervisor, brokers and HTTP gateway
//	  └─ exthost runtime   sandbox child, IPC on stdin/stdout
//
// serve re-executes itself with the runtime subcommand unless
// EXTHOST_RUNTIME_COMMAND names another binary. The child does not inherit
// the parent's environment, so runtime settings travel as flags.
//
// Usage:
//
//	# Start the host on 127.0.0.1:7300
//	./exthost serve --port 7300
//
//	# Offline index maintenance
//	./exthost extensions install ./my-extension
//	./exthost extensions list
//	./exthost extensions disable publisher.name
//
// Configuration:
//   - Environment variables (EXTHOST_*)
//   - CLI flags (override env vars)
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
