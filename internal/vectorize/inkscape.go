package vectorize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Flattener turns an SVG into an equivalent SVG whose text is drawn as paths
type Flattener interface {
	Flatten(ctx context.Context, svg []byte) ([]byte, error)
}

// ToolError reports a failed external tool invocation
type ToolError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Tool, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Config configures the Inkscape flattener
type Config struct {
	Binary  string
	Timeout time.Duration
	WorkDir string
}

// Inkscape flattens SVG text with
// "inkscape <in> --export-plain-svg=<out> --export-text-to-path"
type Inkscape struct {
	config Config
	logger *slog.Logger
}

// NewInkscape creates an Inkscape flattener
func NewInkscape(config Config, logger *slog.Logger) *Inkscape {
	if config.Binary == "" {
		config.Binary = "inkscape"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inkscape{config: config, logger: logger}
}

// Flatten writes svg to a private temporary directory, runs the tool and
// returns the flattened document. The directory is always removed.
func (i *Inkscape) Flatten(ctx context.Context, svg []byte) ([]byte, error) {
	if len(svg) == 0 {
		return nil, &ToolError{Tool: i.config.Binary, Err: errors.New("empty input document")}
	}

	dir, err := os.MkdirTemp(i.config.WorkDir, "vectorize-")
	if err != nil {
		return nil, &ToolError{Tool: i.config.Binary, Err: fmt.Errorf("failed to create work dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	id := uuid.NewString()
	rawPath := filepath.Join(dir, id+"-raw.svg")
	outPath := filepath.Join(dir, id+"-plain.svg")

	if err := os.WriteFile(rawPath, svg, 0o600); err != nil {
		return nil, &ToolError{Tool: i.config.Binary, Err: fmt.Errorf("failed to write input: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, i.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, i.config.Binary,
		rawPath,
		"--export-plain-svg="+outPath,
		"--export-text-to-path",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, &ToolError{Tool: i.config.Binary, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, &ToolError{Tool: i.config.Binary, Err: fmt.Errorf("tool produced no output: %w", err)}
	}

	i.logger.Debug("Flattened SVG",
		slog.String("tool", i.config.Binary),
		slog.Int("input_bytes", len(svg)),
		slog.Int("output_bytes", len(out)),
		slog.Duration("elapsed", time.Since(start)))

	return out, nil
}
