// Command fakeasr is a development recognition endpoint. It accepts the same
// multipart WAV upload as a Whisper-compatible transcription API and answers
// with a fixed transcript, so the service can run without a real engine.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/henry-bao/simple-whisper/internal/audio"
)

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	text := flag.String("text", "hello from the plotter", "transcript returned for every request")
	delay := flag.Duration("delay", 200*time.Millisecond, "simulated processing time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	r := chi.NewRouter()
	r.Post("/v1/audio/transcriptions", transcribeHandler(logger, *text, *delay))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	logger.Info("Fake recognition server starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/v1/audio/transcriptions"),
	)

	if err := http.ListenAndServe(*addr, r); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func transcribeHandler(logger *slog.Logger, text string, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		_, info, err := audio.DecodeWAV(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		logger.Info("Transcription request received",
			slog.String("filename", header.Filename),
			slog.Int("bytes", len(data)),
			slog.Int("sample_rate", info.SampleRate),
			slog.Float64("duration", info.Duration),
			slog.String("model", r.FormValue("model")),
			slog.String("language", r.FormValue("language")),
		)

		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}

		if r.FormValue("response_format") == "text" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			io.WriteString(w, text)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transcriptionResponse{
			Text:     text,
			Language: r.FormValue("language"),
			Duration: info.Duration,
		})
	}
}
