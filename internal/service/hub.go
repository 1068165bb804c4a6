package service

import (
	"context"
	"log/slog"
	"sync/atomic"
)

var hub = NewHub()

// Hub tracks the open gateway sockets so they can be closed on shutdown.
// Hijacked connections are not closed by http.Server.Shutdown.
type Hub struct {
	clients map[*Client]struct{}
	count   atomic.Int64

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

func GetHub() *Hub {
	return hub
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.conn.Close()
			}
			slog.Info("Hub stopped", "clients", len(h.clients))
			return

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			slog.Info("User connected", "user_id", client.userID)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			delete(h.clients, client)
			h.count.Store(int64(len(h.clients)))
			slog.Info("User disconnected", "user_id", client.userID)
		}
	}
}

// Count is the number of registered sockets.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// add registers client, or closes its socket when the hub has stopped.
func (h *Hub) add(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.conn.Close()
	}
}

func (h *Hub) remove(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
