// Package stream owns per-client recording sessions and orchestrates the
// pipeline runs made from their audio.
//
// A batch session buffers audio until the client stops it, then runs the full
// pipeline once. A streaming session runs a cadence loop that recognizes and
// renders the buffered audio whenever it crosses a threshold, keeping a short
// overlap tail between cycles, and emits the accumulated transcript when the
// stream ends. Each session runs at most one pipeline execution at a time.
package stream
