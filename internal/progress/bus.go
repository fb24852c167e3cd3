// Package progress fans out typed ProgressUpdate events to live
// subscribers over WebSocket, with bounded, lossy delivery so a slow
// client cannot back-pressure the transfer engine.
package progress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// State is the lifecycle stage a ProgressUpdate reports.
type State string

const (
	Processing State = "Processing"
	Skipped    State = "Skipped"
	Succeeded  State = "Succeeded"
	Failed     State = "Failed"
	Finished   State = "Finished"
)

// Update is one progress event for one device.
type Update struct {
	DeviceName string `json:"deviceName"`
	State      State  `json:"state"`
	Summary    string `json:"summary,omitempty"`
	Message    string `json:"message"`
	Complete   int64  `json:"complete"`
	Total      int64  `json:"total"`
}

// Envelope is what a ProcessException notification looks like on the wire
// — it shares a transport with Update but is not a transfer-engine event.
type Envelope struct {
	Type string `json:"type"` // "progress" | "exception"
	Data any    `json:"data"`
}

type subscriber struct {
	id string
	ch chan Envelope
}

// Bus delivers Updates and exception notifications to subscribers. Each
// subscriber has a bounded channel; a full channel drops the new event
// rather than blocking the publisher (spec.md §4.9/§9 "bounded background
// worker ... slow subscriber cannot stall the transfer engine").
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*subscriber

	upgrader websocket.Upgrader
}

const subscriberBuffer = 64

func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[string]*subscriber),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Broadcast delivers update to every current subscriber.
func (b *Bus) Broadcast(update Update) {
	b.deliver(Envelope{Type: "progress", Data: update}, "")
}

// Publish delivers update only to the named subscriber (unicast).
func (b *Bus) Publish(update Update, clientID string) {
	b.deliver(Envelope{Type: "progress", Data: update}, clientID)
}

// NotifyException implements logger.ExceptionNotifier, bridging slog
// warnings/errors onto the same transport as transfer-engine events.
func (b *Bus) NotifyException(level, message string, attrs map[string]any) {
	b.deliver(Envelope{Type: "exception", Data: map[string]any{
		"level":   level,
		"message": message,
		"attrs":   attrs,
	}}, "")
}

func (b *Bus) deliver(env Envelope, clientID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if clientID != "" {
		if s, ok := b.subs[clientID]; ok {
			select {
			case s.ch <- env:
			default:
			}
		}
		return
	}

	for _, s := range b.subs {
		select {
		case s.ch <- env:
		default:
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket and streams envelopes to
// it until the client disconnects.
func (b *Bus) ServeWS(w http.ResponseWriter, r *http.Request, clientID string) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("progress websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{id: clientID, ch: make(chan Envelope, subscriberBuffer)}
	b.mu.Lock()
	b.subs[clientID] = sub
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, clientID)
		b.mu.Unlock()
	}()

	for env := range sub.ch {
		payload, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// SubscriberCount reports how many live subscribers are attached, for
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
