package pipeline

import "fmt"

// RecognitionError reports a failed recognize stage
type RecognitionError struct {
	Err error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition failed: %v", e.Err)
}

func (e *RecognitionError) Unwrap() error {
	return e.Err
}

// RenderError reports a failed render stage
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render failed: %v", e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}
