// Package protocol implements the client message format carried over the
// WebSocket transport. Text frames hold JSON envelopes of the form
// {"event": ..., "data": ...}; binary frames hold raw little-endian float32
// audio samples. The package parses and validates incoming frames and builds
// outgoing result messages.
package protocol
