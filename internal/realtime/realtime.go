// Package realtime defines the pub/sub transport the chat core runs on:
// connections with a lifecycle, named channels with publish/subscribe, and a
// presence set per channel.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type ConnectionState string

const (
	StateInitialized  ConnectionState = "initialized"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateSuspended    ConnectionState = "suspended"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

type StateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	Reason   error
}

// Message is a published event as seen by subscribers.
type Message struct {
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	ClientID     string          `json:"client_id"`
	ConnectionID string          `json:"connection_id"`
	Timestamp    time.Time       `json:"timestamp"`
}

type Handler func(Message)

type PresenceAction string

const (
	PresenceEnter   PresenceAction = "enter"
	PresenceUpdate  PresenceAction = "update"
	PresenceLeave   PresenceAction = "leave"
	PresencePresent PresenceAction = "present"
)

type PresenceMessage struct {
	Action       PresenceAction  `json:"action"`
	ClientID     string          `json:"client_id"`
	ConnectionID string          `json:"connection_id"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

type PresenceHandler func(PresenceMessage)

type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

type DialOptions struct {
	ClientID string
	Token    string
}

type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Connection, error)
}

// Connection is one authenticated client session. A new connection is in
// StateInitialized until Connect is called.
type Connection interface {
	ID() string
	ClientID() string
	State() ConnectionState
	OnStateChange(fn func(StateChange)) Subscription
	Connect(ctx context.Context) error
	Channel(name string) Channel
	Close() error
}

type Channel interface {
	Name() string
	// Subscribe registers h for event; an empty event receives every event.
	Subscribe(event string, h Handler) (Subscription, error)
	// Unsubscribe removes every listener this connection has on the channel.
	Unsubscribe()
	Publish(ctx context.Context, event string, payload any) error
	Presence() Presence
}

type Presence interface {
	Enter(ctx context.Context, data any) error
	Update(ctx context.Context, data any) error
	Leave(ctx context.Context) error
	Get(ctx context.Context) ([]PresenceMessage, error)
	// Subscribe registers h for action; an empty action receives all of them.
	Subscribe(action PresenceAction, h PresenceHandler) (Subscription, error)
	Unsubscribe()
}

// Encode marshals a publish or presence payload. Raw JSON passes through.
func Encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
