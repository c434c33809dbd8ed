// Package plotter drives a pen plotter through an MQTT bridge. Every job is
// one device session: connect, raise the pen, plot, raise the pen, disconnect.
// The trailing pen up and the disconnect run even when plotting fails.
package plotter
