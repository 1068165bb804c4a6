package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	MessageEventType     EventType = "message"
	TypingEventType      EventType = "typing"
	ReadReceiptEventType EventType = "read_receipt"
)

// GlobalPresenceChannel is the channel every client enters to be listed as online.
const GlobalPresenceChannel = "presence"

// ChatChannel names the realtime channel of one conversation.
func ChatChannel(conversationID string) string {
	return "chat:" + conversationID
}

// Event is one of MessageEvent, TypingEvent or ReadReceiptEvent.
type Event interface {
	Type() EventType
	validate() error
}

type MessageEvent struct {
	Message
}

type TypingEvent struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

type ReadReceiptEvent struct {
	ConversationID string   `json:"conversation_id"`
	ReaderID       string   `json:"reader_id"`
	MessageIDs     []string `json:"message_ids"`
}

func (MessageEvent) Type() EventType     { return MessageEventType }
func (TypingEvent) Type() EventType      { return TypingEventType }
func (ReadReceiptEvent) Type() EventType { return ReadReceiptEventType }

func (e MessageEvent) validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: message without id", ErrMalformedEvent)
	case e.SenderID == "":
		return fmt.Errorf("%w: message %s without sender", ErrMalformedEvent, e.ID)
	}
	return nil
}

func (e TypingEvent) validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: typing without user", ErrMalformedEvent)
	}
	return nil
}

func (e ReadReceiptEvent) validate() error {
	switch {
	case e.ConversationID == "":
		return fmt.Errorf("%w: read receipt without conversation", ErrMalformedEvent)
	case e.ReaderID == "":
		return fmt.Errorf("%w: read receipt without reader", ErrMalformedEvent)
	}
	return nil
}

// DecodeEvent narrows a raw realtime payload to its typed variant.
func DecodeEvent(name string, raw json.RawMessage) (Event, error) {
	var (
		ev  Event
		err error
	)

	switch EventType(name) {
	case MessageEventType:
		var e MessageEvent
		err = json.Unmarshal(raw, &e)
		ev = e
	case TypingEventType:
		var e TypingEvent
		err = json.Unmarshal(raw, &e)
		ev = e
	case ReadReceiptEventType:
		var e ReadReceiptEvent
		err = json.Unmarshal(raw, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, name)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// PresencePayload is the data a client attaches to presence enter and update.
type PresencePayload struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Username  string          `json:"username,omitempty"`
	Image     string          `json:"image,omitempty"`
	Status    PresenceStatus  `json:"status,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	Data      json.RawMessage `json:"data,omitempty"`
}
