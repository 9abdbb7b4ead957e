// Package websocket pushes license and auth events to connected browsers so an
// open gate screen can re-check without polling.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"hostelpro/internal/infrastructure"
	"hostelpro/internal/license"
)

// Message types besides the license event types
const (
	TypeConnection  = "connection"
	TypeAuthChanged = "auth.changed"
)

// Message is the frame sent to clients
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	mu      sync.RWMutex
	running bool

	logger *slog.Logger
	now    func() time.Time

	connections metric.Int64UpDownCounter
	sent        metric.Int64Counter
	dropped     metric.Int64Counter
}

// NewHub creates a hub. A nil meter disables metrics.
func NewHub(logger *slog.Logger, meter metric.Meter) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("")
	}

	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		now:        time.Now,
	}

	// instrument creation only fails on invalid names
	h.connections, _ = meter.Int64UpDownCounter("hostelpro.websocket.connections",
		metric.WithDescription("Open websocket connections"))
	h.sent, _ = meter.Int64Counter("hostelpro.websocket.messages_sent",
		metric.WithDescription("Messages queued to websocket clients"))
	h.dropped, _ = meter.Int64Counter("hostelpro.websocket.clients_dropped",
		metric.WithDescription("Clients disconnected because their buffer was full"))
	return h
}

// Run is the hub's main loop. It returns when ctx is done, after closing
// every client.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Hub shutting down")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()

			h.connections.Add(ctx, 1)
			h.logger.InfoContext(client.context(), "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			h.sendTo(client, h.message(TypeConnection, map[string]string{
				"status":    "connected",
				"client_id": client.id,
			}, client.traceID))

		case client := <-h.unregister:
			if h.remove(client) {
				h.connections.Add(ctx, -1)
				h.logger.InfoContext(client.context(), "Client unregistered",
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", h.now().Sub(client.connectedAt)))
			}

		case payload := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				if !h.sendTo(c, payload) {
					h.dropped.Add(ctx, 1)
					if h.remove(c) {
						h.connections.Add(ctx, -1)
					}
					h.logger.WarnContext(c.context(), "Client send buffer full, disconnecting",
						slog.String("client_id", c.id))
				}
			}
			h.logger.Debug("Broadcast message",
				slog.Int("client_count", len(clients)),
				slog.Int("message_size", len(payload)))
		}
	}
}

func (h *Hub) sendTo(c *Client, payload []byte) bool {
	select {
	case c.send <- payload:
		h.sent.Add(context.Background(), 1)
		return true
	default:
		return false
	}
}

func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	return true
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.running = false
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Running reports whether Run is active
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish broadcasts a license event. It never blocks; events are dropped
// when the hub is not keeping up.
func (h *Hub) Publish(ctx context.Context, ev license.Event) {
	data := map[string]any{
		"license_key": license.MaskKey(ev.LicenseKey),
		"status":      ev.Status,
	}
	h.Broadcast(ctx, string(ev.Type), data)
}

// PublishAuthChanged tells clients that admin-account or session state changed
func (h *Hub) PublishAuthChanged(ctx context.Context, reason string) {
	h.Broadcast(ctx, TypeAuthChanged, map[string]string{"reason": reason})
}

// Broadcast sends a typed message to every client
func (h *Hub) Broadcast(ctx context.Context, msgType string, data any) {
	payload := h.message(msgType, data, infrastructure.GetTraceID(ctx))
	if payload == nil {
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.WarnContext(ctx, "Broadcast queue full, dropping message", slog.String("type", msgType))
		h.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
	}
}

func (h *Hub) message(msgType string, data any, traceID string) []byte {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		Data:      data,
		Timestamp: h.now().UTC().Format(time.RFC3339),
		TraceID:   traceID,
	})
	if err != nil {
		h.logger.Error("Failed to marshal websocket message",
			slog.String("type", msgType),
			slog.String("error", err.Error()))
		return nil
	}
	return payload
}
