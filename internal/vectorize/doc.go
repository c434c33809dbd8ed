// Package vectorize converts SVG text elements to plain paths by running an
// external tool, so that pen plotters without font support can draw them.
package vectorize
