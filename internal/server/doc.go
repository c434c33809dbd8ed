// Package server exposes the session manager over WebSocket and HTTP.
//
// Clients stream audio over /ws as JSON envelopes or binary float32 frames
// and receive recognition results on the same connection. The HTTP API
// offers a one-shot transcription endpoint plus health, session and metrics
// endpoints for monitoring.
package server
