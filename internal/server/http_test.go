package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/henry-bao/simple-whisper/internal/audio"
	"github.com/henry-bao/simple-whisper/internal/protocol"
	"github.com/henry-bao/simple-whisper/internal/stream"
)

func doRequest(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func testWAV(t *testing.T) []byte {
	t.Helper()
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = 0.25
	}
	data, err := audio.EncodeWAV(samples, audio.SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	return data
}

func TestNewHTTPServerRequiresDeps(t *testing.T) {
	if _, err := NewHTTPServer(Deps{}, testLogger()); err == nil {
		t.Error("Expected error without dependencies")
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, "hello")

	rec := doRequest(t, env.server.Handler(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", body["status"])
	}
}

func TestHandleSessions(t *testing.T) {
	env := newTestEnv(t, "hello")
	env.manager.StartSession("conn-1", stream.ModeBatch, 0)

	rec := doRequest(t, env.server.Handler(), httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var body struct {
		Total    int                  `json:"total_sessions"`
		Sessions []stream.SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Total != 1 || len(body.Sessions) != 1 || body.Sessions[0].ID != "conn-1" {
		t.Errorf("Unexpected sessions response: %+v", body)
	}

	rec = doRequest(t, env.server.Handler(), httptest.NewRequest(http.MethodGet, "/sessions/conn-1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 for known session, got %d", rec.Code)
	}

	rec = doRequest(t, env.server.Handler(), httptest.NewRequest(http.MethodGet, "/sessions/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown session, got %d", rec.Code)
	}
}

func TestHandleConfigOmitsSecrets(t *testing.T) {
	env := newTestEnv(t, "hello")

	rec := doRequest(t, env.server.Handler(), httptest.NewRequest(http.MethodGet, "/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	if strings.Contains(rec.Body.String(), "super-secret") {
		t.Error("Expected api key to be omitted from /config")
	}
	if !strings.Contains(rec.Body.String(), "buffer_threshold_seconds") {
		t.Error("Expected audio settings in /config")
	}
}

func TestHandleStats(t *testing.T) {
	env := newTestEnv(t, "hello")

	rec := doRequest(t, env.server.Handler(), httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	for _, key := range []string{"sessions", "websocket", "fake"} {
		if _, ok := body[key]; !ok {
			t.Errorf("Expected %q in stats", key)
		}
	}
}

func TestHandleTranscribeMultipart(t *testing.T) {
	env := newTestEnv(t, "hello world")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "clip.wav")
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	part.Write(testWAV(t))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := doRequest(t, env.server.Handler(), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload protocol.ResultPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if !payload.Success || payload.Text == nil || *payload.Text != "hello world" {
		t.Errorf("Unexpected payload: %+v", payload)
	}
	if !strings.Contains(payload.SVG, "hello world") {
		t.Errorf("Expected svg to contain text, got %q", payload.SVG)
	}
}

func TestHandleTranscribeRawBody(t *testing.T) {
	env := newTestEnv(t, "raw")

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", bytes.NewReader(testWAV(t)))
	req.Header.Set("Content-Type", "audio/wav")

	rec := doRequest(t, env.server.Handler(), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleTranscribeInvalid(t *testing.T) {
	env := newTestEnv(t, "hello")

	tests := []struct {
		name string
		body []byte
	}{
		{"empty body", nil},
		{"not a wav", []byte("definitely not audio data")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/transcribe", bytes.NewReader(tt.body))
			rec := doRequest(t, env.server.Handler(), req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rec.Code)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, "hello")

	req := httptest.NewRequest(http.MethodOptions, "/api/transcribe", nil)
	req.Header.Set("Origin", "http://allowed.example")
	rec := doRequest(t, env.server.Handler(), req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://allowed.example" {
		t.Errorf("Expected allowed origin header, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = doRequest(t, env.server.Handler(), req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for unknown origin, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, "hello")

	doRequest(t, env.server.Handler(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := doRequest(t, env.server.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "/health") {
		t.Error("Expected HTTP request metrics for /health")
	}
}
