// Package render lays transcribed text out as an SVG document. Layout is
// deterministic: words are wrapped at a fixed column budget and the canvas
// grows with the number of lines.
package render
