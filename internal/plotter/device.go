package plotter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Device renders a flattened SVG on paper
type Device interface {
	Plot(ctx context.Context, svg []byte) error
}

// Device commands
const (
	CommandPenUp = "pen_up"
	CommandPlot  = "plot"
)

// DeviceError reports a failed step of a device session
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("plotter %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// ErrAckTimeout is returned when the device does not acknowledge a command in time
var ErrAckTimeout = errors.New("timed out waiting for device acknowledgement")

// Config contains plotter bridge settings
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	DeviceID       string
	AckTimeout     time.Duration
	PlotTimeout    time.Duration
	ConnectTimeout time.Duration
}

// Request is published on the command topic
type Request struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	SVG       string `json:"svg,omitempty"`
}

// Result is published by the bridge on the result topic
type Result struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// DeviceStats represents plotter statistics
type DeviceStats struct {
	Jobs        uint64    `json:"jobs"`
	Failures    uint64    `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	LastJobTime time.Time `json:"last_job_time"`
}

// MQTTDevice drives a plotter bridge over MQTT. Jobs are serialized since
// there is one physical pen.
type MQTTDevice struct {
	cfg       Config
	newBroker BrokerFactory
	logger    *slog.Logger

	jobMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Result

	statsMu sync.RWMutex
	stats   DeviceStats
}

// NewMQTTDevice creates a device using the Paho MQTT client
func NewMQTTDevice(cfg Config, logger *slog.Logger) (*MQTTDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return NewMQTTDeviceWithBroker(cfg, PahoFactory(withDefaults(cfg), logger), logger)
}

// NewMQTTDeviceWithBroker creates a device with a custom broker factory
func NewMQTTDeviceWithBroker(cfg Config, factory BrokerFactory, logger *slog.Logger) (*MQTTDevice, error) {
	cfg = withDefaults(cfg)

	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("broker url cannot be empty")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &MQTTDevice{
		cfg:       cfg,
		newBroker: factory,
		logger:    logger,
		pending:   make(map[string]chan Result),
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.ClientID == "" {
		cfg.ClientID = "simple-whisper"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "simple-whisper"
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.PlotTimeout <= 0 {
		cfg.PlotTimeout = 5 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return cfg
}

// Plot runs one device session for svg
func (d *MQTTDevice) Plot(ctx context.Context, svg []byte) (err error) {
	d.jobMu.Lock()
	defer d.jobMu.Unlock()

	defer func() { d.recordJob(err) }()

	broker := d.newBroker(d.cfg.ClientID + "-" + uuid.NewString()[:8])
	if err := broker.Connect(); err != nil {
		return &DeviceError{Op: "connect", Err: err}
	}
	defer broker.Disconnect()

	if err := broker.Subscribe(TopicResults(d.cfg.TopicPrefix, d.cfg.DeviceID), d.handleResult); err != nil {
		return &DeviceError{Op: "subscribe", Err: err}
	}

	// Trailing pen up runs even after failures or cancellation
	defer func() {
		upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.AckTimeout)
		defer cancel()
		if upErr := d.send(upCtx, broker, Request{Command: CommandPenUp}); upErr != nil {
			d.logger.Warn("Failed to raise pen after job", slog.String("error", upErr.Error()))
			if err == nil {
				err = &DeviceError{Op: "pen_up", Err: upErr}
			}
		}
	}()

	upCtx, cancel := context.WithTimeout(ctx, d.cfg.AckTimeout)
	err = d.send(upCtx, broker, Request{Command: CommandPenUp})
	cancel()
	if err != nil {
		return &DeviceError{Op: "pen_up", Err: err}
	}

	plotCtx, cancel := context.WithTimeout(ctx, d.cfg.PlotTimeout)
	defer cancel()
	if err := d.send(plotCtx, broker, Request{Command: CommandPlot, SVG: string(svg)}); err != nil {
		return &DeviceError{Op: "plot", Err: err}
	}

	d.logger.Info("Plot job completed",
		slog.String("device_id", d.cfg.DeviceID),
		slog.Int("svg_bytes", len(svg)))

	return nil
}

// send publishes one command and waits for its acknowledgement
func (d *MQTTDevice) send(ctx context.Context, broker Broker, req Request) error {
	req.RequestID = uuid.NewString()
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	resultCh := make(chan Result, 1)
	d.pendingMu.Lock()
	d.pending[req.RequestID] = resultCh
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, req.RequestID)
		d.pendingMu.Unlock()
	}()

	if err := broker.Publish(TopicCommand(d.cfg.TopicPrefix, d.cfg.DeviceID), body); err != nil {
		return fmt.Errorf("publish %s: %w", req.Command, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", req.Command, ErrAckTimeout)
		}
		return ctx.Err()
	case result := <-resultCh:
		if !result.OK {
			if result.Error == "" {
				result.Error = "command failed"
			}
			return fmt.Errorf("%s: %s", req.Command, result.Error)
		}
		return nil
	}
}

func (d *MQTTDevice) handleResult(topic string, payload []byte) {
	requestID := ParseRequestID(topic)
	if requestID == "" {
		return
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		d.logger.Warn("Invalid plotter result", slog.String("topic", topic), slog.String("error", err.Error()))
		return
	}
	if result.RequestID == "" {
		result.RequestID = requestID
	}

	d.pendingMu.Lock()
	ch, ok := d.pending[result.RequestID]
	d.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- result:
	default:
	}
}

func (d *MQTTDevice) recordJob(err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	d.stats.Jobs++
	d.stats.LastJobTime = time.Now()
	if err != nil {
		d.stats.Failures++
		d.stats.LastError = err.Error()
	}
}

// GetStats returns plotter statistics
func (d *MQTTDevice) GetStats() DeviceStats {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()
	return d.stats
}
