package service

import (
	"github.com/ReilBleem13/ShopChat/internal/realtime/ws"
	"github.com/gorilla/websocket"
)

const sendBuffer = 256

// Client is one authenticated gateway socket.
type Client struct {
	userID string
	conn   *websocket.Conn
	send   chan ws.Frame
	hub    *Hub
}

func NewClient(userID string, conn *websocket.Conn, hub *Hub) *Client {
	client := &Client{
		userID: userID,
		conn:   conn,
		send:   make(chan ws.Frame, sendBuffer),
		hub:    hub,
	}

	hub.add(client)
	return client
}

func (c *Client) UserID() string {
	return c.userID
}
