package recognition

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/henry-bao/simple-whisper/internal/audio"
)

const backendCommand = "command"

// InputPlaceholder in CommandConfig.Args is replaced with the WAV file path
const InputPlaceholder = "{input}"

// CommandConfig configures a local recognizer binary such as whisper.cpp
type CommandConfig struct {
	Binary  string
	Args    []string
	Timeout time.Duration
	WorkDir string // Directory for temporary WAV files, os.TempDir() when empty
}

// Command runs a local recognizer binary against a temporary WAV file and
// reads the transcript from its standard output
type Command struct {
	config   CommandConfig
	observer Observer
	logger   *slog.Logger
}

// NewCommand creates a command recognizer
func NewCommand(config CommandConfig, observer Observer, logger *slog.Logger) (*Command, error) {
	if config.Binary == "" {
		return nil, fmt.Errorf("recognizer binary cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Command{config: config, observer: observer, logger: logger}, nil
}

// Recognize writes samples to a temporary WAV file, which is always removed,
// and runs the configured binary on it
func (c *Command) Recognize(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	text, err := c.recognize(ctx, samples, sampleRate)
	if c.observer != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		c.observer.RecordRecognitionRequest(backendCommand, outcome)
	}
	return text, err
}

func (c *Command) recognize(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	if len(samples) == 0 {
		return "", ErrNoAudio
	}

	wav, err := audio.EncodeWAV(samples, sampleRate)
	if err != nil {
		return "", fmt.Errorf("failed to encode audio: %w", err)
	}

	f, err := os.CreateTemp(c.config.WorkDir, "recognize-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(wav); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.config.Binary, c.buildArgs(path)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s failed: %w: %s", c.config.Binary, err, strings.TrimSpace(stderr.String()))
	}

	c.logger.Debug("Local recognizer finished",
		slog.String("binary", c.config.Binary),
		slog.Duration("elapsed", time.Since(start)))

	return strings.TrimSpace(stdout.String()), nil
}

// buildArgs substitutes the input path, appending it when no placeholder is present
func (c *Command) buildArgs(path string) []string {
	args := make([]string, 0, len(c.config.Args)+1)
	replaced := false
	for _, a := range c.config.Args {
		if strings.Contains(a, InputPlaceholder) {
			a = strings.ReplaceAll(a, InputPlaceholder, path)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, path)
	}
	return args
}
