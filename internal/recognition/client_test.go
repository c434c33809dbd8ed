package recognition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/henry-bao/simple-whisper/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	retries  int
}

func (o *recordingObserver) RecordRecognitionRequest(backend, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, backend+":"+outcome)
}

func (o *recordingObserver) RecordRecognitionRetry(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func testSamples() []float32 {
	s := make([]float32, 1600)
	for i := range s {
		s[i] = 0.1
	}
	return s
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}, nil, testLogger()); err == nil {
		t.Error("Expected error for empty endpoint")
	}

	c, err := NewClient(Config{Endpoint: "http://localhost"}, nil, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if c.config.ResponseFormat != "json" || c.config.MaxConcurrent != 4 {
		t.Errorf("Expected defaults to be applied, got %+v", c.config)
	}
}

func TestRecognize(t *testing.T) {
	var gotAuth, gotModel, gotLanguage string
	var gotRate int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = r.FormValue("model")
		gotLanguage = r.FormValue("language")

		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, _ := io.ReadAll(file)
		_, info, err := audio.DecodeWAV(data)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotRate = info.SampleRate

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text":"  hello world "}`)
	}))
	defer server.Close()

	obs := &recordingObserver{}
	client, err := NewClient(Config{
		Endpoint: server.URL,
		APIKey:   "secret",
		Model:    "whisper-1",
		Language: "en",
	}, obs, testLogger())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	text, err := client.Recognize(context.Background(), testSamples(), audio.SampleRate)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if text != "hello world" {
		t.Errorf("Expected trimmed text, got %q", text)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}

	if gotModel != "whisper-1" || gotLanguage != "en" {
		t.Errorf("Unexpected form fields: model=%q language=%q", gotModel, gotLanguage)
	}

	if gotRate != audio.SampleRate {
		t.Errorf("Expected uploaded WAV at %d Hz, got %d", audio.SampleRate, gotRate)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	if len(obs.outcomes) != 1 || obs.outcomes[0] != "http:success" {
		t.Errorf("Unexpected observer outcomes: %v", obs.outcomes)
	}
}

func TestRecognizeTextFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "plain transcript\n")
	}))
	defer server.Close()

	client, _ := NewClient(Config{Endpoint: server.URL, ResponseFormat: "text"}, nil, testLogger())

	text, err := client.Recognize(context.Background(), testSamples(), audio.SampleRate)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if text != "plain transcript" {
		t.Errorf("Expected plain transcript, got %q", text)
	}
}

func TestRecognizeRetriesServerErrors(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"text":"third time"}`)
	}))
	defer server.Close()

	obs := &recordingObserver{}
	client, _ := NewClient(Config{
		Endpoint:    server.URL,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	}, obs, testLogger())

	text, err := client.Recognize(context.Background(), testSamples(), audio.SampleRate)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}

	if text != "third time" {
		t.Errorf("Unexpected text %q", text)
	}

	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}

	if client.GetStats().TotalRetries != 2 || obs.retries != 2 {
		t.Errorf("Expected 2 retries, got %d / %d", client.GetStats().TotalRetries, obs.retries)
	}
}

func TestRecognizeDoesNotRetryClientErrors(t *testing.T) {
	var calls int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client, _ := NewClient(Config{
		Endpoint:    server.URL,
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
	}, nil, testLogger())

	_, err := client.Recognize(context.Background(), testSamples(), audio.SampleRate)
	if err == nil {
		t.Fatal("Expected error")
	}

	var se *statusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Errorf("Expected wrapped 401 status error, got %v", err)
	}

	if !strings.Contains(err.Error(), "bad key") {
		t.Errorf("Expected response body in error, got %v", err)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("Expected a single call, got %d", calls)
	}

	if client.GetStats().FailedRequests != 1 {
		t.Errorf("Expected 1 failed request")
	}
}

func TestRecognizeEmpty(t *testing.T) {
	client, _ := NewClient(Config{Endpoint: "http://127.0.0.1:1"}, nil, testLogger())

	if _, err := client.Recognize(context.Background(), nil, audio.SampleRate); !errors.Is(err, ErrNoAudio) {
		t.Errorf("Expected ErrNoAudio, got %v", err)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &statusError{Code: 502}, true},
		{"rate limited", &statusError{Code: 429}, true},
		{"bad request", &statusError{Code: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
