// Package types provides the data model shared by the supervisor and the
// sandbox runtime.
//
// Everything here crosses the IPC boundary as JSON, so the structs carry
// only data: identifiers and routing metadata, never executable handlers.
//
// Core Types:
//   - Extension: installed extension metadata (index record)
//   - Activation: per (window, extension) lifecycle state
//   - Session: protocol session (language server / debug adapter)
//   - Command: command routing metadata
//   - Panel: webview panel
//
// RPC Types:
//   - Caller: window/extension identity attached to runtime requests
//   - *Params / *Result: payloads of the methods named in rpc.go
package types
