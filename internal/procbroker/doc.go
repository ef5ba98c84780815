// Package procbroker starts and supervises protocol sessions: language and
// debug adapter servers that extensions talk to over Content-Length framed
// JSON on stdin/stdout.
//
// A spawn is refused before any process exists unless every check passes:
// the protocol is known, the command is not a shell script, the command and
// working directory resolve inside the extension's install directory or a
// workspace root of the requesting window, the session quotas have room,
// and the crash-loop guard for that executable is closed. Children get a
// sanitized environment and are executed directly, never through a shell.
//
// Each session has a read loop that turns framed output into Events:
//
//	message  a well-formed JSON body
//	error    a frame that was too large or not JSON (the session survives)
//	exit     the child ended; carries the exit code or signal
//
// There is no automatic restart. Callers decide what to do after exit.
package procbroker
