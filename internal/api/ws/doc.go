// Package ws streams host events to the editor UI over a WebSocket and
// accepts UI-originated messages on the same socket.
//
// Message Types (Client → Server):
//   - ping: keep-alive, answered with pong
//   - uiEvent: editor or window event for the connection's window
//   - panelMessage: message from a webview panel to its extension
//   - executeCommand: run a command, answered with commandResult
//
// Server → Client frames are host events (status, activation, message,
// panel, panel.message, session.exit, ...) plus pong, commandResult and
// error replies carrying the request id.
//
// Example Usage:
//
//	handler := ws.NewHandler(h, cfg.Server.CORSOrigins, logger, metrics)
//	router.GET("/ws", handler.HandleConnection)
package ws
