// Package supervisor runs the sandbox runtime as a child process and owns
// the IPC channel to it.
//
// The child speaks newline-delimited JSON on stdin/stdout; its stderr is
// forwarded into the supervisor's log. A heartbeat pings the child on an
// interval. A missed heartbeat marks the runtime degraded but never kills
// it; the next answered ping restores healthy.
//
// When the child exits every outstanding request is rejected at once with
// ERR_PROCESS_EXITED carrying the exit code or signal, and the status moves
// to exited. Nothing restarts the runtime automatically; callers use
// Restart.
//
// Status transitions:
//
//	stopped ──Start──► healthy ◄──ping ok── degraded
//	                      │  ──ping missed──►   │
//	                      └────────exit─────────┴──► exited ──Start──► healthy
package supervisor
