package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2sic/resizer/internal/infrastructure"
)

// Message types
const (
	TypeConnection        = "connection"
	TypeLicenseState      = "license:state"
	TypeLicenseTransition = "license:transition"
)

const broadcastBuffer = 64

// Message is the JSON frame sent to clients
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type envelope struct {
	msgType string
	payload []byte
}

// Hub fans license events out to connected websocket clients. Broadcast
// never blocks; when the queue or a client buffer is full the message is
// dropped for that receiver.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex

	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *Metrics
	welcome  func() any
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithMetrics records hub activity
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithWelcome sends fn's result as a license:state message to every new
// client, so it does not wait for the next verification to learn the state.
func WithWelcome(fn func() any) HubOption {
	return func(h *Hub) { h.welcome = fn }
}

// WithCheckOrigin overrides the same-origin check of the upgrader
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// NewHub creates a hub; call Run to start it
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan envelope, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: infrastructure.WithComponent(logger, "websocket.hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves the hub until ctx is cancelled, then disconnects every client
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.InfoContext(ctx, "Hub shutting down")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.metrics.connected(ctx, 1)

			h.logger.InfoContext(ctx, "Client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			h.greet(ctx, client)

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			if ok {
				h.metrics.connected(ctx, -1)
				h.logger.InfoContext(ctx, "Client unregistered",
					slog.Int("total_clients", count),
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)))
			}

		case env := <-h.broadcast:
			h.fanOut(ctx, env)
		}
	}
}

func (h *Hub) greet(ctx context.Context, client *Client) {
	msgs := []Message{{
		Type:      TypeConnection,
		Data:      map[string]string{"status": "connected", "client_id": client.id},
		Timestamp: time.Now().UTC(),
	}}
	if h.welcome != nil {
		msgs = append(msgs, Message{Type: TypeLicenseState, Data: h.welcome(), Timestamp: time.Now().UTC()})
	}

	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			h.logger.ErrorContext(ctx, "Error marshaling greeting", slog.String("error", err.Error()))
			return
		}
		select {
		case client.send <- payload:
		default:
			h.metrics.drop(ctx, "client")
		}
	}
}

func (h *Hub) fanOut(ctx context.Context, env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for client := range h.clients {
		select {
		case client.send <- env.payload:
			delivered++
		default:
			close(client.send)
			delete(h.clients, client)
			h.metrics.connected(ctx, -1)
			h.metrics.drop(ctx, "client")
			h.logger.WarnContext(ctx, "Client send buffer full, disconnecting",
				slog.String("client_id", client.id))
		}
	}
	h.metrics.sent(ctx, env.msgType, delivered)
}

// Broadcast queues data for every connected client
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Error("Error marshaling message",
			slog.String("error", err.Error()),
			slog.String("message_type", msgType))
		return
	}

	select {
	case h.broadcast <- envelope{msgType: msgType, payload: payload}:
	default:
		h.metrics.drop(context.Background(), "hub")
		h.logger.Warn("Broadcast queue full, message dropped", slog.String("message_type", msgType))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches a new client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		h.logger.WarnContext(r.Context(), "WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := newClient(h, NewConnectionWrapper(conn), h.logger)
	if !h.attach(client) {
		_ = conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
