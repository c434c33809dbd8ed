// Package pipeline runs the recognize, render, vectorize and output stages
// for one waveform.
//
// Recognize and render decide the outcome of a run: their failures are
// returned as *RecognitionError and *RenderError. Vectorize and output are
// best-effort side effects that run in the background after the result is
// known; their outcome is delivered as a SideEffectReport and never turns a
// successful run into a failed one.
package pipeline
