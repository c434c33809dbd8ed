package vectorize

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// writeTool creates an executable shell script standing in for inkscape
func writeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-inkscape")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write tool: %v", err)
	}
	return path
}

// The fake copies $1 to the --export-plain-svg target and tags it
const copyTool = `in="$1"
for arg in "$@"; do
  case "$arg" in
    --export-plain-svg=*) out="${arg#--export-plain-svg=}" ;;
  esac
done
sed 's/<text/<path data-from-text/' "$in" > "$out"`

func TestFlatten(t *testing.T) {
	workDir := t.TempDir()
	flattener := NewInkscape(Config{Binary: writeTool(t, copyTool), WorkDir: workDir}, testLogger())

	out, err := flattener.Flatten(context.Background(), []byte(`<svg><text>hi</text></svg>`))
	if err != nil {
		t.Fatalf("Flatten failed: %v", err)
	}

	if string(out) != "<svg><path data-from-text>hi</text></svg>\n" {
		t.Errorf("Unexpected output %q", out)
	}

	entries, _ := os.ReadDir(workDir)
	if len(entries) != 0 {
		t.Errorf("Expected work dir to be cleaned, found %d entries", len(entries))
	}
}

func TestFlattenToolFailure(t *testing.T) {
	workDir := t.TempDir()
	flattener := NewInkscape(Config{Binary: writeTool(t, "echo no display >&2; exit 1"), WorkDir: workDir}, testLogger())

	_, err := flattener.Flatten(context.Background(), []byte(`<svg/>`))

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("Expected ToolError, got %v", err)
	}

	if toolErr.Stderr != "no display" {
		t.Errorf("Expected stderr to be captured, got %q", toolErr.Stderr)
	}

	entries, _ := os.ReadDir(workDir)
	if len(entries) != 0 {
		t.Errorf("Expected work dir to be cleaned, found %d entries", len(entries))
	}
}

func TestFlattenMissingBinary(t *testing.T) {
	flattener := NewInkscape(Config{Binary: filepath.Join(t.TempDir(), "does-not-exist")}, testLogger())

	_, err := flattener.Flatten(context.Background(), []byte(`<svg/>`))

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("Expected ToolError, got %v", err)
	}
}

func TestFlattenNoOutput(t *testing.T) {
	flattener := NewInkscape(Config{Binary: writeTool(t, "exit 0")}, testLogger())

	if _, err := flattener.Flatten(context.Background(), []byte(`<svg/>`)); err == nil {
		t.Error("Expected error when tool writes nothing")
	}
}

func TestFlattenTimeout(t *testing.T) {
	flattener := NewInkscape(Config{Binary: writeTool(t, "exec sleep 5"), Timeout: 50 * time.Millisecond}, testLogger())

	start := time.Now()
	_, err := flattener.Flatten(context.Background(), []byte(`<svg/>`))
	if err == nil {
		t.Fatal("Expected timeout error")
	}

	if time.Since(start) > 3*time.Second {
		t.Errorf("Expected tool to be killed on timeout, took %v", time.Since(start))
	}
}

func TestFlattenEmptyInput(t *testing.T) {
	flattener := NewInkscape(Config{}, testLogger())

	var toolErr *ToolError
	if _, err := flattener.Flatten(context.Background(), nil); !errors.As(err, &toolErr) {
		t.Errorf("Expected ToolError for empty input, got %v", err)
	}
}
