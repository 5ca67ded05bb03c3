// Package events streams controller events to websocket subscribers.
package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	defaultBuffer = 32
	writeTimeout  = 5 * time.Second
)

// HubConfig holds hub settings.
type HubConfig struct {
	AllowedOrigin string
	IsDev         bool
	Buffer        int
	Logger        *slog.Logger
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	gone chan struct{}
}

func (s *subscriber) drop() {
	s.once.Do(func() { close(s.gone) })
}

// Hub fans published messages out to every connected subscriber.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	initial func() any

	allowedOrigin string
	isDev         bool
	buffer        int
	logger        *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		subs:          make(map[string]*subscriber),
		allowedOrigin: cfg.AllowedOrigin,
		isDev:         cfg.IsDev,
		buffer:        cfg.Buffer,
		logger:        cfg.Logger,
	}
}

// SetInitial sets the message sent to each subscriber right after it connects.
func (h *Hub) SetInitial(fn func() any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initial = fn
}

// count returns the number of connected subscribers.
func (h *Hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish encodes v as JSON and queues it for every subscriber. It never
// blocks; a subscriber whose queue is full is disconnected.
func (h *Hub) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.send <- data:
		default:
			h.logger.Warn("Event subscriber too slow, disconnecting", "subscriber_id", s.id)
			s.drop()
		}
	}
}

func (h *Hub) register(conn *websocket.Conn) *subscriber {
	s := &subscriber{
		id:   newID(),
		conn: conn,
		send: make(chan []byte, h.buffer),
		gone: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s.id] = s
	h.mu.Unlock()
	h.logger.Info("Event subscriber registered", "subscriber_id", s.id, "subscribers", h.count())
	return s
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s.id)
	h.mu.Unlock()
	h.logger.Info("Event subscriber unregistered", "subscriber_id", s.id, "subscribers", h.count())
}

func newID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

type clientMessage struct {
	Type string `json:"type"`
}

// ServeHTTP upgrades the request and streams events until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sub := h.register(ws)
	defer h.unregister(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	h.mu.RLock()
	initial := h.initial
	h.mu.RUnlock()
	if initial != nil {
		if err := h.write(ctx, ws, initial()); err != nil {
			h.logger.Debug("Failed to send initial event", "error", err, "subscriber_id", sub.id)
			return
		}
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, sub)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.gone:
			return
		case data := <-sub.send:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err, "subscriber_id", sub.id)
				}
				return
			}
		}
	}
}

// readLoop answers pings and returns when the client goes away.
func (h *Hub) readLoop(ctx context.Context, sub *subscriber) {
	for {
		_, message, err := sub.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "subscriber_id", sub.id)
			} else if ctx.Err() == nil {
				h.logger.Debug("WebSocket read error", "error", err, "subscriber_id", sub.id)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(map[string]string{"type": "pong"})
			select {
			case sub.send <- pong:
			default:
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
