package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/henry-bao/simple-whisper/internal/audio"
	"github.com/henry-bao/simple-whisper/internal/metrics"
	"github.com/henry-bao/simple-whisper/internal/protocol"
	"github.com/henry-bao/simple-whisper/internal/stream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// SessionController is the session surface driven by client events.
// Implemented by *stream.Manager.
type SessionController interface {
	StartSession(id string, mode stream.Mode, sampleRate int) (*stream.Session, error)
	IngestChunk(id string, chunk audio.Chunk) error
	StopSession(id string) stream.StopStatus
	EndStream(id string) (*stream.EndResult, error)
	Disconnect(id string)
}

// Hub tracks WebSocket connections by id and delivers session results to
// them. It implements stream.Notifier.
type Hub struct {
	upgrader websocket.Upgrader
	sessions SessionController
	metrics  *metrics.Metrics
	logger   *slog.Logger

	conns map[string]*wsConn
	mu    sync.RWMutex

	// Statistics
	framesReceived atomic.Uint64
	frameErrors    atomic.Uint64
	messagesSent   atomic.Uint64
	messagesLost   atomic.Uint64
}

// HubStats represents hub statistics for monitoring
type HubStats struct {
	Connections    int    `json:"connections"`
	FramesReceived uint64 `json:"frames_received"`
	FrameErrors    uint64 `json:"frame_errors"`
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesLost   uint64 `json:"messages_lost"`
}

// wsConn is one client connection. Writes are serialised by writeMu.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewHub creates a hub that accepts connections from allowedOrigins ("*"
// allows any origin). Bind must be called before serving.
func NewHub(allowedOrigins []string, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		metrics: m,
		logger:  logger,
		conns:   make(map[string]*wsConn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// Bind attaches the session controller that handles client events
func (h *Hub) Bind(sessions SessionController) {
	h.sessions = sessions
}

// Notify sends msg to connection id. Messages for closed connections are
// dropped.
func (h *Hub) Notify(id string, msg protocol.Message) {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()

	if !ok {
		h.messagesLost.Add(1)
		h.logger.Debug("Dropping message for closed connection",
			slog.String("connection_id", id),
			slog.String("event", msg.Event),
		)
		return
	}

	h.send(c, msg)
}

// Len returns the number of open connections
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// GetStats returns hub statistics
func (h *Hub) GetStats() HubStats {
	return HubStats{
		Connections:    h.Len(),
		FramesReceived: h.framesReceived.Load(),
		FrameErrors:    h.frameErrors.Load(),
		MessagesSent:   h.messagesSent.Load(),
		MessagesLost:   h.messagesLost.Load(),
	}
}

// CloseAll closes every open connection
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
// The connection id comes from ?connection_id= or is generated.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", slog.String("error", err.Error()))
		return
	}

	id := r.URL.Query().Get("connection_id")
	if id == "" {
		id = ulid.Make().String()
	}

	c := &wsConn{id: id, ws: ws, done: make(chan struct{})}
	h.register(c)

	h.logger.Info("Client connected",
		slog.String("connection_id", id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	go h.pingLoop(c)
	h.readLoop(c)
}

func (h *Hub) register(c *wsConn) {
	h.mu.Lock()
	old := h.conns[c.id]
	h.conns[c.id] = c
	count := len(h.conns)
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("Replacing connection with the same id",
			slog.String("connection_id", c.id),
		)
		old.close()
	}
	h.metrics.SetActiveConnections(count)
}

// unregister removes c if it is still the connection registered for its id
func (h *Hub) unregister(c *wsConn) bool {
	h.mu.Lock()
	current, ok := h.conns[c.id]
	removed := ok && current == c
	if removed {
		delete(h.conns, c.id)
	}
	count := len(h.conns)
	h.mu.Unlock()

	h.metrics.SetActiveConnections(count)
	return removed
}

func (h *Hub) readLoop(c *wsConn) {
	defer func() {
		c.close()
		if h.unregister(c) {
			h.sessions.Disconnect(c.id)
		}
		h.logger.Info("Client disconnected", slog.String("connection_id", c.id))
	}()

	c.ws.SetReadLimit(protocol.MaxTextFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Unexpected close",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		h.framesReceived.Add(1)

		switch messageType {
		case websocket.TextMessage:
			h.handleText(c, data)
		case websocket.BinaryMessage:
			h.handleBinary(c, data)
		}
	}
}

func (h *Hub) pingLoop(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) handleText(c *wsConn, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		h.frameError(c, "envelope", err)
		return
	}

	h.metrics.RecordFrame(env.Event)

	switch env.Event {
	case protocol.EventStartRecording:
		h.start(c, env, stream.ModeBatch, protocol.EventRecordingStarted)

	case protocol.EventStartRealTime:
		h.start(c, env, stream.ModeStreaming, protocol.EventRealTimeStarted)

	case protocol.EventAudioData:
		frame, err := protocol.ParseAudioData(env.Data)
		if err != nil {
			h.frameError(c, "audio", err)
			return
		}
		h.ingest(c, frame)

	case protocol.EventStopRecording:
		h.sessions.StopSession(c.id)

	case protocol.EventStopRealTime:
		if _, err := h.sessions.EndStream(c.id); err != nil {
			h.logger.Debug("Stream end rejected",
				slog.String("connection_id", c.id),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (h *Hub) handleBinary(c *wsConn, data []byte) {
	h.metrics.RecordFrame("binary")

	frame, err := protocol.DecodeBinaryAudio(data)
	if err != nil {
		h.frameError(c, "binary", err)
		return
	}
	h.ingest(c, frame)
}

func (h *Hub) start(c *wsConn, env *protocol.Envelope, mode stream.Mode, ackEvent string) {
	payload, err := protocol.ParseStart(env.Data)
	if err != nil {
		h.frameError(c, "start", err)
		return
	}

	s, err := h.sessions.StartSession(c.id, mode, payload.SampleRate)
	if err != nil {
		h.logger.Error("Failed to start session",
			slog.String("connection_id", c.id),
			slog.String("error", err.Error()),
		)
		h.send(c, protocol.Message{Event: protocol.EventError, Data: protocol.ErrorPayload{Error: err.Error()}})
		return
	}

	h.send(c, protocol.Message{
		Event: ackEvent,
		Data: protocol.AckPayload{
			Success:      true,
			ConnectionID: c.id,
			SampleRate:   s.SampleRate,
		},
	})
}

func (h *Hub) ingest(c *wsConn, frame *protocol.AudioFrame) {
	err := h.sessions.IngestChunk(c.id, audio.Chunk{
		Samples: frame.Samples,
		DType:   audio.DType(frame.DType),
	})
	if errors.Is(err, stream.ErrNoSession) {
		h.frameErrors.Add(1)
		h.metrics.RecordFrameError("no_session")
		h.logger.Debug("Audio received without an active session",
			slog.String("connection_id", c.id),
		)
	}
}

func (h *Hub) frameError(c *wsConn, reason string, err error) {
	h.frameErrors.Add(1)
	h.metrics.RecordFrameError(reason)

	h.logger.Warn("Invalid frame",
		slog.String("connection_id", c.id),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)

	h.send(c, protocol.Message{Event: protocol.EventError, Data: protocol.ErrorPayload{Error: err.Error()}})
}

func (h *Hub) send(c *wsConn, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("Failed to encode message",
			slog.String("connection_id", c.id),
			slog.String("error", err.Error()),
		)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		h.messagesLost.Add(1)
		h.logger.Warn("Failed to write message",
			slog.String("connection_id", c.id),
			slog.String("event", msg.Event),
			slog.String("error", err.Error()),
		)
		return
	}
	h.messagesSent.Add(1)
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// originChecker allows same-host requests, requests without an Origin
// header and the configured origins
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}

	return func(r *http.Request) bool {
		if set["*"] {
			return true
		}

		origin := r.Header.Get("Origin")
		if origin == "" || set[origin] {
			return true
		}

		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}
