// Package websocket provides real-time event streaming via WebSocket.
//
// Clients connect to /api/v1/events/ws to receive task lifecycle
// events, optionally filtered to a single task.
package websocket
