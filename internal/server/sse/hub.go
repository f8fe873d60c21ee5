package sse

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/denis-savelyev/FaceAttend/internal/recognition"

	log "github.com/sirupsen/logrus"
)

// Message is one server-sent event
type Message struct {
	Event string
	Data  []byte
}

// Client is the channel a single connected SSE client reads from
type Client chan Message

// Hub manages the set of active clients and broadcasts messages to them
type Hub struct {
	clients map[Client]bool

	broadcast  chan Message
	register   chan Client
	unregister chan Client

	// done is closed when Run returns
	done chan struct{}

	mu sync.Mutex
}

// NewHub creates a new hub; call Run to start it
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 100),
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled. All
// client channels are closed on return.
func (h *Hub) Run(ctx context.Context) {
	log.Info("SSE hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()
			log.Info("SSE hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()
			log.Debugf("SSE client registered. Total clients: %d", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
				log.Debugf("SSE client unregistered. Total clients: %d", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- message:
				default:
					log.Warn("SSE client channel full, removing client")
					delete(h.clients, client)
					close(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a client. It returns false when the hub is no longer running.
func (h *Hub) Register(client Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and closes its channel
func (h *Hub) Unregister(client Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues a message for all clients without blocking
func (h *Hub) Broadcast(message Message) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// Publish marshals v as JSON and broadcasts it under the event name
func (h *Hub) Publish(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Failed to marshal %s event for SSE: %v", event, err)
		return
	}
	h.Broadcast(Message{Event: event, Data: data})
}

// OnAttendance broadcasts a confirmed attendance
func (h *Hub) OnAttendance(ev recognition.Event) {
	h.Publish("attendance", ev)
}
