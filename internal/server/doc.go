// Package server provides the HTTP API of the stockpulse engine.
//
// This package is internal to stockpulse and handles all HTTP concerns:
//
//   - REST API: JSON endpoints under "/api" for health, products, signals,
//     on-demand scans and webhook watches
//   - Server-Sent Events: Real-time signal stream at "/api/sse"
//
// Routing uses chi. The server supports graceful shutdown via context
// cancellation, with a 5-second timeout for in-flight requests.
//
// Users of the stockpulse library should not need to interact with this
// package directly. The server is started automatically by
// [stockpulse.Engine.Start].
package server
