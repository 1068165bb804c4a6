package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
	"github.com/ReilBleem13/ShopChat/internal/realtime/ws"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 10 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// Gateway bridges websocket clients to the server realtime transport. Each
// socket gets its own transport connection, so presence and subscriptions
// end with the socket.
type Gateway struct {
	dialer realtime.Dialer
}

func NewGateway(dialer realtime.Dialer) GatewayIn {
	return &Gateway{
		dialer: dialer,
	}
}

type session struct {
	client *Client
	rt     realtime.Connection
	subs   map[string]realtime.Subscription
	psubs  map[string]realtime.Subscription
}

func (g *Gateway) HandleConn(ctx context.Context, client *Client) {
	defer func() {
		client.hub.remove(client)
		client.conn.Close()
	}()

	rt, err := g.connect(ctx, client)
	if err != nil {
		slog.Error("Failed to open realtime connection", "user_id", client.userID, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "realtime unavailable")
		client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		client: client,
		rt:     rt,
		subs:   make(map[string]realtime.Subscription),
		psubs:  make(map[string]realtime.Subscription),
	}

	stateSub := rt.OnStateChange(func(sc realtime.StateChange) {
		if sc.Current == realtime.StateFailed {
			slog.Warn("Realtime connection failed", "user_id", client.userID, "error", sc.Reason)
			cancel()
		}
	})
	defer func() {
		stateSub.Unsubscribe()
		if err := rt.Close(); err != nil {
			slog.Warn("Failed to close realtime connection", "user_id", client.userID, "error", err)
		}
	}()

	client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.conn.WriteJSON(ws.Frame{Op: ws.OpHello, ConnectionID: rt.ID()}); err != nil {
		slog.Error("Failed to write hello", "user_id", client.userID, "error", err)
		return
	}

	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return s.read(ctx)
	})

	eg.Go(func() error {
		return s.write(ctx)
	})

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Error during handle conn", "user_id", client.userID, "error", err)
	}
}

func (g *Gateway) connect(ctx context.Context, client *Client) (realtime.Connection, error) {
	rt, err := g.dialer.Dial(ctx, realtime.DialOptions{ClientID: client.userID})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if err := rt.Connect(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (s *session) read(ctx context.Context) error {
	conn := s.client.conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
				websocket.CloseNormalClosure) {
				slog.Error("Websocket close error", "user_id", s.client.userID, "error", err)
			}
			return context.Canceled
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var f ws.Frame
		if err := json.Unmarshal(b, &f); err != nil {
			slog.Warn("Failed to unmarshal frame", "user_id", s.client.userID, "error", err)
			s.enqueue(ctx, ws.Frame{
				Op:    ws.OpError,
				Error: ws.NewErrorBody(domain.ErrInvalidRequest.WithMessage("Malformed frame")),
			})
			continue
		}

		s.handle(ctx, f)
	}
}

// handle runs one client request and answers it with an ack or an error
// carrying the request id.
func (s *session) handle(ctx context.Context, f ws.Frame) {
	members, err := s.apply(ctx, f)
	if err != nil {
		slog.Warn("Failed to handle frame",
			"user_id", s.client.userID,
			"op", f.Op,
			"channel", f.Channel,
			"error", err,
		)
		s.enqueue(ctx, ws.Frame{Op: ws.OpError, ID: f.ID, Channel: f.Channel, Error: ws.NewErrorBody(err)})
		return
	}
	s.enqueue(ctx, ws.Frame{Op: ws.OpAck, ID: f.ID, Channel: f.Channel, Members: members})
}

func (s *session) apply(ctx context.Context, f ws.Frame) ([]realtime.PresenceMessage, error) {
	if f.Channel == "" {
		return nil, domain.ErrInvalidRequest.WithMessage("Channel is required")
	}
	ch := s.rt.Channel(f.Channel)

	switch f.Op {
	case ws.OpSubscribe:
		return nil, s.subscribe(ch)
	case ws.OpUnsubscribe:
		release(s.subs, f.Channel)
		return nil, nil
	case ws.OpPublish:
		if f.Event == "" {
			return nil, domain.ErrInvalidRequest.WithMessage("Event is required")
		}
		return nil, ch.Publish(ctx, f.Event, f.Data)
	case ws.OpPresenceEnter:
		return nil, ch.Presence().Enter(ctx, f.Data)
	case ws.OpPresenceUpdate:
		return nil, ch.Presence().Update(ctx, f.Data)
	case ws.OpPresenceLeave:
		return nil, ch.Presence().Leave(ctx)
	case ws.OpPresenceGet:
		return ch.Presence().Get(ctx)
	case ws.OpPresenceSubscribe:
		return nil, s.subscribePresence(ch)
	case ws.OpPresenceUnsubscribe:
		release(s.psubs, f.Channel)
		return nil, nil
	default:
		return nil, domain.ErrInvalidRequest.WithMessage(fmt.Sprintf("Unknown op %q", f.Op))
	}
}

func (s *session) subscribe(ch realtime.Channel) error {
	name := ch.Name()
	if _, ok := s.subs[name]; ok {
		return nil
	}

	sub, err := ch.Subscribe("", func(m realtime.Message) {
		s.deliver(ws.Frame{Op: ws.OpMessage, Channel: name, Event: m.Name, Message: &m})
	})
	if err != nil {
		return err
	}
	s.subs[name] = sub
	return nil
}

func (s *session) subscribePresence(ch realtime.Channel) error {
	name := ch.Name()
	if _, ok := s.psubs[name]; ok {
		return nil
	}

	sub, err := ch.Presence().Subscribe("", func(pm realtime.PresenceMessage) {
		s.deliver(ws.Frame{Op: ws.OpPresence, Channel: name, Presence: &pm})
	})
	if err != nil {
		return err
	}
	s.psubs[name] = sub
	return nil
}

func release(subs map[string]realtime.Subscription, name string) {
	if sub, ok := subs[name]; ok {
		sub.Unsubscribe()
		delete(subs, name)
	}
}

// enqueue queues a reply to the client, waiting for room.
func (s *session) enqueue(ctx context.Context, f ws.Frame) {
	select {
	case s.client.send <- f:
	case <-ctx.Done():
	}
}

// deliver queues a transport event without blocking the publisher. Events
// for a client that cannot keep up are dropped.
func (s *session) deliver(f ws.Frame) {
	select {
	case s.client.send <- f:
	default:
		slog.Warn("Dropping frame for slow client", "user_id", s.client.userID, "op", f.Op, "channel", f.Channel)
	}
}

func (s *session) write(ctx context.Context) error {
	conn := s.client.conn
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return ctx.Err()

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Error("Failed to write ping message", "user_id", s.client.userID, "error", err)
				return err
			}

		case f := <-s.client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				slog.Error("Failed to write frame", "user_id", s.client.userID, "op", f.Op, "error", err)
				return err
			}
		}
	}
}
