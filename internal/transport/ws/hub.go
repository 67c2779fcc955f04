// Package ws streams alert broadcasts to dashboard clients over websockets.
package ws

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"phone-monitor/alerting/internal/logging"
)

const (
	MessageTypeAlert = "alert"
	MessageTypePing  = "ping"
	MessageTypePong  = "pong"
)

type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// alertHeader is the part of a broadcast payload the hub routes on.
type alertHeader struct {
	DeviceID int64 `json:"device_id"`
}

type outbound struct {
	deviceID int64
	msg      Message
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	// done is closed when Run returns.
	done chan struct{}
	mu   sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			n := h.ClientCount()
			h.closeAll()
			logging.Info().Int("clients_closed", n).Msg("websocket hub stopped")
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			logging.Debug().Int("total_clients", h.ClientCount()).Msg("websocket client connected")

		case c := <-h.unregister:
			h.remove(c)
			logging.Debug().Int("total_clients", h.ClientCount()).Msg("websocket client disconnected")

		case out := <-h.broadcast:
			h.fanOut(out)
		}
	}
}

// PublishAlert queues a raw alert payload for every client watching its device.
// A full queue drops the payload.
func (h *Hub) PublishAlert(payload []byte) {
	var hdr alertHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		logging.Warn().Err(err).Msg("dropping malformed alert payload")
		return
	}
	select {
	case h.broadcast <- outbound{deviceID: hdr.DeviceID, msg: Message{Type: MessageTypeAlert, Data: payload}}:
	default:
		logging.Warn().Int64("device_id", hdr.DeviceID).Msg("websocket broadcast queue full, alert dropped")
	}
}

// Relay forwards alert messages from a Redis subscription until ctx ends or
// the subscription channel closes.
func (h *Hub) Relay(ctx context.Context, msgs <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			h.PublishAlert([]byte(m.Payload))
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) fanOut(out outbound) {
	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		if !c.watches(out.deviceID) {
			continue
		}
		select {
		case c.send <- out.msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.remove(c)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
