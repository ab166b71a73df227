// Package ws streams runtime events to admin clients over WebSocket.
//
// Every connection receives the events published on the runtime hub from the
// moment it connects. A client may narrow the stream to one extension.
//
// Message Types (Client → Server):
//   - subscribe: {"type":"subscribe","extensionId":"..."} filters events; an
//     empty extensionId removes the filter
//   - ping: keep-alive ping
//
// Message Types (Server → Client):
//   - system: connection established
//   - event: one runtime event
//   - subscribed: filter acknowledged
//   - pong: reply to ping
//   - error: malformed or unknown message
//
// Example Usage:
//
//	handler := ws.NewHandler(runtime.Events(), metrics, logger)
//	router.GET("/events", handler.HandleConnection)
package ws
