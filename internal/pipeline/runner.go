package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/henry-bao/simple-whisper/internal/metrics"
	"github.com/henry-bao/simple-whisper/internal/plotter"
	"github.com/henry-bao/simple-whisper/internal/recognition"
	"github.com/henry-bao/simple-whisper/internal/vectorize"
)

// Stage names
const (
	StageRecognize = "recognize"
	StageRender    = "render"
	StageVectorize = "vectorize"
	StageOutput    = "output"
)

// Status is the outcome of a best-effort stage
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"  // an earlier stage failed or there was nothing to draw
	StatusDisabled Status = "disabled" // not requested or not configured
)

// Options selects the best-effort stages of a run
type Options struct {
	Vectorize bool
	Output    bool
}

// AllStages enables every best-effort stage
var AllStages = Options{Vectorize: true, Output: true}

// Renderer lays text out as SVG. Implemented by *render.Renderer.
type Renderer interface {
	Render(text string) ([]byte, error)
}

// StageOutcome describes one best-effort stage execution
type StageOutcome struct {
	Stage    string        `json:"stage"`
	Status   Status        `json:"status"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// SideEffectReport is delivered once the best-effort stages have finished.
// It never changes the outcome of the run it belongs to.
type SideEffectReport struct {
	Vectorize StageOutcome
	Output    StageOutcome
}

// Failed reports whether any best-effort stage failed
func (r SideEffectReport) Failed() bool {
	return r.Vectorize.Status == StatusFailed || r.Output.Status == StatusFailed
}

// Result is the outcome of a successful run
type Result struct {
	Text     string
	SVG      []byte
	NoSpeech bool // recognition produced no text

	// SideEffects receives exactly one report and is then closed
	SideEffects <-chan SideEffectReport
}

// Deps are the stage implementations used by a Runner. Flattener and Device
// may be nil, which disables the corresponding stage.
type Deps struct {
	Recognizer recognition.Recognizer
	Renderer   Renderer
	Flattener  vectorize.Flattener
	Device     plotter.Device
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Runner executes pipeline stages. It is safe for concurrent use.
type Runner struct {
	recognizer recognition.Recognizer
	renderer   Renderer
	flattener  vectorize.Flattener
	device     plotter.Device
	metrics    *metrics.Metrics
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewRunner creates a runner
func NewRunner(deps Deps) (*Runner, error) {
	if deps.Recognizer == nil {
		return nil, fmt.Errorf("recognizer is required")
	}
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Runner{
		recognizer: deps.Recognizer,
		renderer:   deps.Renderer,
		flattener:  deps.Flattener,
		device:     deps.Device,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}, nil
}

// Run recognizes samples and renders the text. On success the best-effort
// stages selected by opts are started in the background.
func (r *Runner) Run(ctx context.Context, samples []float32, sampleRate int, opts Options) (*Result, error) {
	start := time.Now()
	text, err := r.recognizer.Recognize(ctx, samples, sampleRate)
	r.metrics.RecordStage(StageRecognize, time.Since(start).Seconds(), err != nil)
	if err != nil {
		return nil, &RecognitionError{Err: err}
	}

	text = strings.TrimSpace(text)

	svg, err := r.RenderText(text)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Text:     text,
		SVG:      svg,
		NoSpeech: text == "",
	}

	if result.NoSpeech {
		result.SideEffects = skipped(opts)
	} else {
		result.SideEffects = r.Dispatch(ctx, svg, opts)
	}

	return result, nil
}

// RenderText runs the render stage alone
func (r *Runner) RenderText(text string) (svg []byte, err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = &RenderError{Err: fmt.Errorf("panic: %v", p)}
		}
		r.metrics.RecordStage(StageRender, time.Since(start).Seconds(), err != nil)
	}()

	svg, err = r.renderer.Render(text)
	if err != nil {
		return nil, &RenderError{Err: err}
	}
	return svg, nil
}

// Dispatch starts the best-effort stages for svg in the background. The
// stages outlive cancellation of ctx.
func (r *Runner) Dispatch(ctx context.Context, svg []byte, opts Options) <-chan SideEffectReport {
	ch := make(chan SideEffectReport, 1)

	if !opts.Vectorize && !opts.Output {
		ch <- disabledReport()
		close(ch)
		return ch
	}

	ctx = context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(ch)
		ch <- r.sideEffects(ctx, svg, opts)
	}()

	return ch
}

func (r *Runner) sideEffects(ctx context.Context, svg []byte, opts Options) SideEffectReport {
	report := disabledReport()
	drawing := svg

	if opts.Vectorize && r.flattener != nil {
		start := time.Now()
		flat, err := r.flattener.Flatten(ctx, svg)
		report.Vectorize.Duration = time.Since(start)
		r.metrics.RecordStage(StageVectorize, report.Vectorize.Duration.Seconds(), err != nil)

		if err != nil {
			report.Vectorize.Status = StatusFailed
			report.Vectorize.Err = err
			report.Output.Status = StatusSkipped
			r.logger.Warn("Vectorize stage failed, skipping output",
				slog.String("error", err.Error()),
				slog.Duration("elapsed", report.Vectorize.Duration))
			r.recordReport(report)
			return report
		}

		report.Vectorize.Status = StatusOK
		drawing = flat
	}

	if opts.Output && r.device != nil {
		start := time.Now()
		err := r.device.Plot(ctx, drawing)
		report.Output.Duration = time.Since(start)
		r.metrics.RecordStage(StageOutput, report.Output.Duration.Seconds(), err != nil)

		if err != nil {
			report.Output.Status = StatusFailed
			report.Output.Err = err
			r.logger.Error("Output stage failed",
				slog.String("error", err.Error()),
				slog.Duration("elapsed", report.Output.Duration))
		} else {
			report.Output.Status = StatusOK
		}
	}

	r.recordReport(report)
	return report
}

func (r *Runner) recordReport(report SideEffectReport) {
	r.metrics.RecordSideEffect(StageVectorize, string(report.Vectorize.Status))
	r.metrics.RecordSideEffect(StageOutput, string(report.Output.Status))
}

// Wait blocks until all background stages have finished or ctx is done
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func disabledReport() SideEffectReport {
	return SideEffectReport{
		Vectorize: StageOutcome{Stage: StageVectorize, Status: StatusDisabled},
		Output:    StageOutcome{Stage: StageOutput, Status: StatusDisabled},
	}
}

func skipped(opts Options) <-chan SideEffectReport {
	report := disabledReport()
	if opts.Vectorize {
		report.Vectorize.Status = StatusSkipped
	}
	if opts.Output {
		report.Output.Status = StatusSkipped
	}

	ch := make(chan SideEffectReport, 1)
	ch <- report
	close(ch)
	return ch
}
