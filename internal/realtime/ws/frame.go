// Package ws is the realtime transport spoken over the server's websocket
// gateway. It holds the frame protocol shared by both ends and the client
// side connection.
package ws

import (
	"encoding/json"
	"errors"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
)

type Op string

// Client to server.
const (
	OpSubscribe           Op = "subscribe"
	OpUnsubscribe         Op = "unsubscribe"
	OpPublish             Op = "publish"
	OpPresenceEnter       Op = "presence.enter"
	OpPresenceUpdate      Op = "presence.update"
	OpPresenceLeave       Op = "presence.leave"
	OpPresenceGet         Op = "presence.get"
	OpPresenceSubscribe   Op = "presence.subscribe"
	OpPresenceUnsubscribe Op = "presence.unsubscribe"
)

// Server to client.
const (
	OpHello    Op = "hello"
	OpMessage  Op = "message"
	OpPresence Op = "presence"
	OpAck      Op = "ack"
	OpError    Op = "error"
)

// Frame is one JSON websocket message. Requests carry an ID that the server
// echoes in the ack or error answering them.
type Frame struct {
	Op           Op                         `json:"op"`
	ID           uint64                     `json:"id,omitempty"`
	Channel      string                     `json:"channel,omitempty"`
	Event        string                     `json:"event,omitempty"`
	Data         json.RawMessage            `json:"data,omitempty"`
	ConnectionID string                     `json:"connection_id,omitempty"`
	Message      *realtime.Message          `json:"message,omitempty"`
	Presence     *realtime.PresenceMessage  `json:"presence,omitempty"`
	Members      []realtime.PresenceMessage `json:"members,omitempty"`
	Error        *ErrorBody                 `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorBody reports err by its AppError code, or as an internal error.
func NewErrorBody(err error) *ErrorBody {
	var appErr *domain.AppError
	if errors.As(err, &appErr) {
		return &ErrorBody{Code: appErr.Code, Message: appErr.Message}
	}
	return &ErrorBody{
		Code:    domain.ErrInternalServerError.Code,
		Message: domain.ErrInternalServerError.Message,
	}
}

// Err turns the body back into an AppError that matches its sentinel with errors.Is.
func (b *ErrorBody) Err() error {
	return &domain.AppError{Code: b.Code, Message: b.Message}
}
