package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/henry-bao/simple-whisper/internal/audio"
	"github.com/henry-bao/simple-whisper/internal/pipeline"
	"github.com/henry-bao/simple-whisper/internal/protocol"
)

type transcribeOptions struct {
	svgOut   string
	noOutput bool
	timeout  time.Duration
}

func newTranscribeCommand(root *rootOptions) *cobra.Command {
	opts := &transcribeOptions{}

	cmd := &cobra.Command{
		Use:   "transcribe <file.wav>",
		Short: "Run the full pipeline once over a WAV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}

			logger, closeLog, err := initLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLog()

			comps, err := buildComponents(cfg, prometheus.NewRegistry(), logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			defer comps.close(ctx, logger)

			samples, err := loadWAV(args[0])
			if err != nil {
				return err
			}

			stages := pipeline.AllStages
			if opts.noOutput {
				stages = pipeline.Options{}
			}

			result, err := comps.runner.Run(ctx, samples, audio.SampleRate, stages)
			if err != nil {
				return err
			}

			if result.NoSpeech {
				fmt.Fprintln(cmd.ErrOrStderr(), protocol.MsgNoSpeech)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), result.Text)
			}

			if opts.svgOut != "" {
				if err := os.WriteFile(opts.svgOut, result.SVG, 0644); err != nil {
					return fmt.Errorf("failed to write svg: %w", err)
				}
			}

			select {
			case report := <-result.SideEffects:
				fmt.Fprintf(cmd.ErrOrStderr(), "vectorize: %s, output: %s\n",
					report.Vectorize.Status, report.Output.Status)
			case <-ctx.Done():
				return ctx.Err()
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.svgOut, "svg-out", "o", "", "write the rendered SVG to this file")
	cmd.Flags().BoolVar(&opts.noOutput, "no-output", false, "skip vectorize and plotter stages")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "overall deadline")

	return cmd
}

// loadWAV decodes a WAV file to mono float32 at audio.SampleRate
func loadWAV(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	samples, info, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if info.SampleRate != audio.SampleRate {
		r, err := audio.NewResampler(info.SampleRate)
		if err != nil {
			return nil, err
		}
		if samples, err = r.Process(samples); err != nil {
			return nil, err
		}
	}

	samples, _ = audio.Sanitize(samples)
	if audio.IsSilent(samples) {
		return nil, audio.ErrEmptyBuffer
	}

	return samples, nil
}
