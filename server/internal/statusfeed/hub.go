// Package statusfeed is a supplemented, read-only mirror of the Workload-
// State Aggregator's deltas over WebSocket, for dashboards and other
// observers that want push updates without opening a Control connection.
// It is pure broadcast: clients never send anything the server interprets,
// adapted from the surrounding repo's pub/sub Hub/Client pair down to a
// single implicit topic (there is only ever one kind of event here).
package statusfeed

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ankaios-go/ankaios/server/internal/aggregator"
)

// Hub is the single-writer event loop that owns the connected-client
// registry. All mutation happens inside Run via the register/unregister
// channels; broadcast only ever takes a brief read lock to copy the target
// set before sending outside of it.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log.Named("statusfeed"),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
	}
}

// Run drains agg's Delta stream and the register/unregister channels until
// ctx is cancelled. Call exactly once, in its own goroutine.
func (h *Hub) Run(ctx context.Context, agg *aggregator.Aggregator) {
	deltas := make(chan aggregator.Delta, 64)
	agg.Subscribe(deltas)
	defer agg.Unsubscribe(deltas)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case d := <-deltas:
			h.broadcast(d)

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) broadcast(d aggregator.Delta) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- d:
		default:
			h.log.Warn("statusfeed client too slow, disconnecting")
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub.
func (h *Hub) Subscribe(client *Client) { h.register <- client }

// Unsubscribe removes client from the hub.
func (h *Hub) Unsubscribe(client *Client) { h.unregister <- client }

// ConnectedCount returns the number of currently connected feed clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
