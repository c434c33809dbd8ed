package stream

import (
	"sync"

	"github.com/henry-bao/simple-whisper/internal/protocol"
)

// Notifier pushes messages to the client that owns a session
type Notifier interface {
	Notify(connectionID string, msg protocol.Message)
}

// Recorder is a Notifier that keeps every message, for offline use and tests
type Recorder struct {
	mu       sync.Mutex
	messages map[string][]protocol.Message
	notify   chan struct{}
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{
		messages: make(map[string][]protocol.Message),
		notify:   make(chan struct{}, 1),
	}
}

// Notify records msg
func (r *Recorder) Notify(connectionID string, msg protocol.Message) {
	r.mu.Lock()
	r.messages[connectionID] = append(r.messages[connectionID], msg)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Messages returns the messages recorded for connectionID
func (r *Recorder) Messages(connectionID string) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.messages[connectionID]...)
}

// Events returns the recorded messages for connectionID with the given event
func (r *Recorder) Events(connectionID, event string) []protocol.Message {
	var out []protocol.Message
	for _, m := range r.Messages(connectionID) {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Signal is ready whenever a message has been recorded since the last receive
func (r *Recorder) Signal() <-chan struct{} {
	return r.notify
}
