package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP        HTTPConfig        `yaml:"http" json:"http"`
	Audio       AudioConfig       `yaml:"audio" json:"audio"`
	Recognition RecognitionConfig `yaml:"recognition" json:"recognition"`
	Render      RenderConfig      `yaml:"render" json:"render"`
	Vectorize   VectorizeConfig   `yaml:"vectorize" json:"vectorize"`
	Plotter     PlotterConfig     `yaml:"plotter" json:"plotter"`
	Pipeline    PipelineConfig    `yaml:"pipeline" json:"pipeline"`
	Silence     SilenceConfig     `yaml:"silence" json:"silence"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// HTTPConfig contains HTTP and WebSocket server configuration
type HTTPConfig struct {
	Port           int      `yaml:"port" json:"port"`
	Address        string   `yaml:"address" json:"address"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"` // "*" allows any origin
	ReadTimeout    int      `yaml:"read_timeout" json:"read_timeout"`       // seconds
	WriteTimeout   int      `yaml:"write_timeout" json:"write_timeout"`     // seconds
	MaxUploadMB    int      `yaml:"max_upload_mb" json:"max_upload_mb"`
}

// AudioConfig contains buffering and session parameters
type AudioConfig struct {
	SampleRate             int     `yaml:"sample_rate" json:"sample_rate"`
	BufferThresholdSeconds float64 `yaml:"buffer_threshold_seconds" json:"buffer_threshold_seconds"`
	OverlapSeconds         float64 `yaml:"overlap_seconds" json:"overlap_seconds"`
	CadenceMS              int     `yaml:"cadence_ms" json:"cadence_ms"`
	StopTimeoutMS          int     `yaml:"stop_timeout_ms" json:"stop_timeout_ms"`
	SessionIdleTimeout     int     `yaml:"session_idle_timeout" json:"session_idle_timeout"` // seconds, 0 disables
	MaxChunkSamples        int     `yaml:"max_chunk_samples" json:"max_chunk_samples"`
}

// RecognitionConfig selects and configures the speech recognition backend
type RecognitionConfig struct {
	Backend        string   `yaml:"backend" json:"backend"` // "http" or "command"
	Endpoint       string   `yaml:"endpoint" json:"endpoint"`
	APIKey         string   `yaml:"api_key" json:"-"`
	Model          string   `yaml:"model" json:"model"`
	Language       string   `yaml:"language" json:"language"`
	ResponseFormat string   `yaml:"response_format" json:"response_format"`
	Timeout        int      `yaml:"timeout" json:"timeout"` // seconds
	MaxRetries     int      `yaml:"max_retries" json:"max_retries"`
	MaxConcurrent  int      `yaml:"max_concurrent" json:"max_concurrent"`
	Command        string   `yaml:"command" json:"command"`
	Args           []string `yaml:"args" json:"args"`
}

// RenderConfig contains the SVG layout
type RenderConfig struct {
	Width       int    `yaml:"width" json:"width"`
	LineHeight  int    `yaml:"line_height" json:"line_height"`
	FontSize    int    `yaml:"font_size" json:"font_size"`
	MarginX     int    `yaml:"margin_x" json:"margin_x"`
	MarginTop   int    `yaml:"margin_top" json:"margin_top"`
	WrapColumns int    `yaml:"wrap_columns" json:"wrap_columns"`
	MinHeight   int    `yaml:"min_height" json:"min_height"`
	Background  string `yaml:"background" json:"background"`
	Foreground  string `yaml:"foreground" json:"foreground"`
	FontFamily  string `yaml:"font_family" json:"font_family"`
}

// VectorizeConfig configures the text-to-path tool
type VectorizeConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Binary  string `yaml:"binary" json:"binary"`
	Timeout int    `yaml:"timeout" json:"timeout"` // seconds
	WorkDir string `yaml:"work_dir" json:"work_dir"`
}

// PlotterConfig configures the MQTT pen plotter
type PlotterConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	BrokerURL   string `yaml:"broker_url" json:"broker_url"`
	ClientID    string `yaml:"client_id" json:"client_id"`
	Username    string `yaml:"username" json:"-"`
	Password    string `yaml:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`
	DeviceID    string `yaml:"device_id" json:"device_id"`
	AckTimeout  int    `yaml:"ack_timeout" json:"ack_timeout"`   // seconds
	PlotTimeout int    `yaml:"plot_timeout" json:"plot_timeout"` // seconds
}

// PipelineConfig contains pipeline orchestration settings
type PipelineConfig struct {
	OutputPolicy string `yaml:"output_policy" json:"output_policy"` // final, per_cycle or never
	Timeout      int    `yaml:"timeout" json:"timeout"`             // seconds, 0 disables
}

// SilenceConfig contains the energy gate for streaming cycles
type SilenceConfig struct {
	Threshold float64 `yaml:"threshold" json:"threshold"` // RMS, 0 disables
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Environment overrides
const (
	EnvRecognitionAPIKey   = "SW_RECOGNITION_API_KEY"
	EnvRecognitionEndpoint = "SW_RECOGNITION_ENDPOINT"
	EnvMQTTUsername        = "SW_MQTT_USERNAME"
	EnvMQTTPassword        = "SW_MQTT_PASSWORD"
	EnvHTTPPort            = "SW_HTTP_PORT"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:           8080,
			Address:        "0.0.0.0",
			AllowedOrigins: []string{"*"},
			ReadTimeout:    30,
			WriteTimeout:   30,
			MaxUploadMB:    32,
		},
		Audio: AudioConfig{
			SampleRate:             16000,
			BufferThresholdSeconds: 5,
			OverlapSeconds:         0.5,
			CadenceMS:              100,
			StopTimeoutMS:          2000,
			SessionIdleTimeout:     300,
		},
		Recognition: RecognitionConfig{
			Backend:        "http",
			Endpoint:       "http://localhost:9000/v1/audio/transcriptions",
			Model:          "whisper-1",
			ResponseFormat: "json",
			Timeout:        30,
			MaxRetries:     3,
			MaxConcurrent:  4,
		},
		Render: RenderConfig{
			Width:       800,
			LineHeight:  24,
			FontSize:    16,
			MarginX:     20,
			MarginTop:   30,
			WrapColumns: 80,
			MinHeight:   100,
			Background:  "#f9f9f9",
			Foreground:  "#333",
			FontFamily:  "Arial, sans-serif",
		},
		Vectorize: VectorizeConfig{
			Enabled: true,
			Binary:  "inkscape",
			Timeout: 30,
		},
		Plotter: PlotterConfig{
			Enabled:     false,
			BrokerURL:   "tcp://localhost:1883",
			ClientID:    "simple-whisper",
			TopicPrefix: "simple-whisper",
			DeviceID:    "axidraw",
			AckTimeout:  10,
			PlotTimeout: 600,
		},
		Pipeline: PipelineConfig{
			OutputPolicy: "final",
			Timeout:      120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults, then
// applies environment overrides. Variables from a .env file next to the
// working directory are loaded first when present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	if err := config.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// LoadDotEnv loads variables from path without overriding the environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides secrets and the listen port from the environment
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvRecognitionAPIKey); v != "" {
		c.Recognition.APIKey = v
	}
	if v := os.Getenv(EnvRecognitionEndpoint); v != "" {
		c.Recognition.Endpoint = v
	}
	if v := os.Getenv(EnvMQTTUsername); v != "" {
		c.Plotter.Username = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.Plotter.Password = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHTTPPort, err)
		}
		c.HTTP.Port = port
	}
	return nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Recognition.Validate(); err != nil {
		return fmt.Errorf("recognition config: %w", err)
	}

	if err := c.Render.Validate(); err != nil {
		return fmt.Errorf("render config: %w", err)
	}

	if err := c.Vectorize.Validate(); err != nil {
		return fmt.Errorf("vectorize config: %w", err)
	}

	if err := c.Plotter.Validate(); err != nil {
		return fmt.Errorf("plotter config: %w", err)
	}

	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline config: %w", err)
	}

	if err := c.Silence.Validate(); err != nil {
		return fmt.Errorf("silence config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if h.ReadTimeout < 0 || h.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}

	if h.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", h.MaxUploadMB)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz, got %d", a.SampleRate)
	}

	if a.BufferThresholdSeconds <= 0 {
		return fmt.Errorf("buffer_threshold_seconds must be positive, got %f", a.BufferThresholdSeconds)
	}

	if a.OverlapSeconds < 0 || a.OverlapSeconds >= a.BufferThresholdSeconds {
		return fmt.Errorf("overlap_seconds (%f) must be in [0, buffer_threshold_seconds (%f))",
			a.OverlapSeconds, a.BufferThresholdSeconds)
	}

	if a.CadenceMS < 1 {
		return fmt.Errorf("cadence_ms must be at least 1, got %d", a.CadenceMS)
	}

	if a.StopTimeoutMS < 1 {
		return fmt.Errorf("stop_timeout_ms must be at least 1, got %d", a.StopTimeoutMS)
	}

	if a.SessionIdleTimeout < 0 {
		return fmt.Errorf("session_idle_timeout cannot be negative, got %d", a.SessionIdleTimeout)
	}

	if a.MaxChunkSamples < 0 {
		return fmt.Errorf("max_chunk_samples cannot be negative, got %d", a.MaxChunkSamples)
	}

	return nil
}

// Validate validates recognition configuration
func (r *RecognitionConfig) Validate() error {
	switch r.Backend {
	case "http":
		if r.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[r.ResponseFormat] {
			return fmt.Errorf("response_format must be 'json' or 'text', got '%s'", r.ResponseFormat)
		}
	case "command":
		if r.Command == "" {
			return fmt.Errorf("command cannot be empty for the command backend")
		}
	default:
		return fmt.Errorf("backend must be 'http' or 'command', got '%s'", r.Backend)
	}

	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}

	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", r.MaxRetries)
	}

	if r.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", r.MaxConcurrent)
	}

	return nil
}

// Validate validates the render layout
func (r *RenderConfig) Validate() error {
	if r.Width < 1 || r.LineHeight < 1 || r.FontSize < 1 {
		return fmt.Errorf("width, line_height and font_size must be positive")
	}

	if r.WrapColumns < 1 {
		return fmt.Errorf("wrap_columns must be at least 1, got %d", r.WrapColumns)
	}

	if r.MinHeight < 0 {
		return fmt.Errorf("min_height cannot be negative, got %d", r.MinHeight)
	}

	return nil
}

// Validate validates vectorize configuration
func (v *VectorizeConfig) Validate() error {
	if !v.Enabled {
		return nil
	}

	if v.Binary == "" {
		return fmt.Errorf("binary cannot be empty when vectorize is enabled")
	}

	if v.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", v.Timeout)
	}

	return nil
}

// Validate validates plotter configuration
func (p *PlotterConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.BrokerURL == "" {
		return fmt.Errorf("broker_url cannot be empty when the plotter is enabled")
	}

	if p.DeviceID == "" {
		return fmt.Errorf("device_id cannot be empty when the plotter is enabled")
	}

	if strings.ContainsAny(p.TopicPrefix+p.DeviceID, "+#") {
		return fmt.Errorf("topic_prefix and device_id cannot contain MQTT wildcards")
	}

	if p.AckTimeout < 1 {
		return fmt.Errorf("ack_timeout must be at least 1 second, got %d", p.AckTimeout)
	}

	if p.PlotTimeout < p.AckTimeout {
		return fmt.Errorf("plot_timeout (%d) must not be shorter than ack_timeout (%d)", p.PlotTimeout, p.AckTimeout)
	}

	return nil
}

// Validate validates pipeline configuration
func (p *PipelineConfig) Validate() error {
	validPolicies := map[string]bool{"": true, "final": true, "per_cycle": true, "never": true}
	if !validPolicies[p.OutputPolicy] {
		return fmt.Errorf("output_policy must be one of [final, per_cycle, never], got '%s'", p.OutputPolicy)
	}

	if p.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %d", p.Timeout)
	}

	return nil
}

// Validate validates the silence gate
func (s *SilenceConfig) Validate() error {
	if s.Threshold < 0 || s.Threshold >= 1 {
		return fmt.Errorf("threshold must be in [0, 1), got %f", s.Threshold)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path
	return nil
}

// GetReadTimeoutDuration returns the HTTP read timeout as a time.Duration
func (h *HTTPConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(h.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the HTTP write timeout as a time.Duration
func (h *HTTPConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(h.WriteTimeout) * time.Second
}

// GetMaxUploadBytes returns the upload size limit in bytes
func (h *HTTPConfig) GetMaxUploadBytes() int64 {
	return int64(h.MaxUploadMB) << 20
}

// GetCadenceDuration returns the streaming loop tick as a time.Duration
func (a *AudioConfig) GetCadenceDuration() time.Duration {
	return time.Duration(a.CadenceMS) * time.Millisecond
}

// GetStopTimeoutDuration returns the loop stop bound as a time.Duration
func (a *AudioConfig) GetStopTimeoutDuration() time.Duration {
	return time.Duration(a.StopTimeoutMS) * time.Millisecond
}

// GetIdleTimeoutDuration returns the session idle timeout as a time.Duration
func (a *AudioConfig) GetIdleTimeoutDuration() time.Duration {
	return time.Duration(a.SessionIdleTimeout) * time.Second
}

// GetTimeoutDuration returns the recognition timeout as a time.Duration
func (r *RecognitionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetTimeoutDuration returns the vectorize timeout as a time.Duration
func (v *VectorizeConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(v.Timeout) * time.Second
}

// GetAckTimeoutDuration returns the plotter ack timeout as a time.Duration
func (p *PlotterConfig) GetAckTimeoutDuration() time.Duration {
	return time.Duration(p.AckTimeout) * time.Second
}

// GetPlotTimeoutDuration returns the plot job timeout as a time.Duration
func (p *PlotterConfig) GetPlotTimeoutDuration() time.Duration {
	return time.Duration(p.PlotTimeout) * time.Second
}

// GetTimeoutDuration returns the pipeline run timeout as a time.Duration
func (p *PipelineConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}
