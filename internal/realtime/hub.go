package realtime

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/google/uuid"
)

// Hub is an in-process broker. Every connection dialed from the same Hub
// shares its channels and presence sets. Delivery is synchronous, in
// subscription order, and never happens while the hub lock is held.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	conns      map[string]*hubConn
	channels   map[string]*hubChannel
	connectErr error
}

type hubChannel struct {
	subs         []*hubSub
	presenceSubs []*hubPresenceSub
	members      []PresenceMessage
}

type hubSub struct {
	conn  *hubConn
	event string
	h     Handler
}

type hubPresenceSub struct {
	conn   *hubConn
	action PresenceAction
	h      PresenceHandler
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		now:      time.Now,
		conns:    make(map[string]*hubConn),
		channels: make(map[string]*hubChannel),
	}
}

func (h *Hub) Dial(_ context.Context, opts DialOptions) (Connection, error) {
	if opts.ClientID == "" {
		return nil, domain.ErrUnauthorizedError.WithMessage("Client id is required")
	}

	c := &hubConn{
		StateTracker: NewStateTracker(),
		hub:          h,
		id:           uuid.NewString(),
		clientID:     opts.ClientID,
		channels:     make(map[string]*hubChannelHandle),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	return c, nil
}

// RejectConnects makes every following Connect fail with err. A nil err
// accepts connections again.
func (h *Hub) RejectConnects(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectErr = err
}

// Interrupt moves the live connections of clientIDs, or every live
// connection when none are given, to state the way a network outage would.
// Events published meanwhile are not delivered to them.
func (h *Hub) Interrupt(state ConnectionState, reason error, clientIDs ...string) {
	for _, c := range h.liveConns(clientIDs) {
		c.Set(state, reason)
	}
}

// Resume reconnects the connections Interrupt left disconnected or suspended.
func (h *Hub) Resume(clientIDs ...string) {
	for _, c := range h.liveConns(clientIDs) {
		switch c.State() {
		case StateDisconnected, StateSuspended:
			c.Set(StateConnected, nil)
		}
	}
}

func (h *Hub) liveConns(clientIDs []string) []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		if len(clientIDs) == 0 || slices.Contains(clientIDs, c.clientID) {
			out = append(out, c)
		}
	}
	return out
}

// channel must be called with h.mu held.
func (h *Hub) channel(name string) *hubChannel {
	ch, ok := h.channels[name]
	if !ok {
		ch = &hubChannel{}
		h.channels[name] = ch
	}
	return ch
}

func (h *Hub) deliver(subs []*hubSub, msg Message) {
	for _, s := range subs {
		if s.conn.State() != StateConnected {
			continue
		}
		s.h(msg)
	}
}

func (h *Hub) deliverPresence(subs []*hubPresenceSub, msg PresenceMessage) {
	for _, s := range subs {
		if s.conn.State() != StateConnected {
			continue
		}
		if s.action != "" && s.action != msg.Action {
			continue
		}
		s.h(msg)
	}
}

type hubConn struct {
	*StateTracker

	hub      *Hub
	id       string
	clientID string

	mu       sync.Mutex
	channels map[string]*hubChannelHandle
}

func (c *hubConn) ID() string       { return c.id }
func (c *hubConn) ClientID() string { return c.clientID }

func (c *hubConn) Connect(_ context.Context) error {
	switch c.State() {
	case StateClosed:
		return domain.ErrChannelClosed
	case StateConnected:
		return nil
	}

	c.Set(StateConnecting, nil)

	c.hub.mu.Lock()
	err := c.hub.connectErr
	c.hub.mu.Unlock()

	if err != nil {
		c.Set(StateFailed, err)
		return err
	}

	c.Set(StateConnected, nil)
	c.hub.logger.Info("Connection opened", "connection_id", c.id, "client_id", c.clientID)
	return nil
}

func (c *hubConn) Channel(name string) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[name]
	if !ok {
		ch = &hubChannelHandle{conn: c, name: name}
		c.channels[name] = ch
	}
	return ch
}

// Close leaves every presence set the connection entered and drops all of
// its listeners.
func (c *hubConn) Close() error {
	if c.State() == StateClosed {
		return nil
	}

	h := c.hub
	type leave struct {
		subs []*hubPresenceSub
		msg  PresenceMessage
	}
	var leaves []leave

	h.mu.Lock()
	delete(h.conns, c.id)
	for _, ch := range h.channels {
		for _, m := range ch.members {
			if m.ConnectionID != c.id {
				continue
			}
			m.Action = PresenceLeave
			m.Timestamp = h.now()
			leaves = append(leaves, leave{subs: slices.Clone(ch.presenceSubs), msg: m})
		}
		ch.members = slices.DeleteFunc(ch.members, func(m PresenceMessage) bool { return m.ConnectionID == c.id })
		ch.subs = slices.DeleteFunc(ch.subs, func(s *hubSub) bool { return s.conn == c })
		ch.presenceSubs = slices.DeleteFunc(ch.presenceSubs, func(s *hubPresenceSub) bool { return s.conn == c })
	}
	h.mu.Unlock()

	for _, l := range leaves {
		h.deliverPresence(l.subs, l.msg)
	}

	c.Set(StateClosed, nil)
	h.logger.Info("Connection closed", "connection_id", c.id, "client_id", c.clientID)
	return nil
}

type hubChannelHandle struct {
	conn *hubConn
	name string
}

func (ch *hubChannelHandle) Name() string { return ch.name }

func (ch *hubChannelHandle) Subscribe(event string, fn Handler) (Subscription, error) {
	if ch.conn.State() == StateClosed {
		return nil, domain.ErrChannelClosed
	}

	h := ch.conn.hub
	s := &hubSub{conn: ch.conn, event: event, h: fn}

	h.mu.Lock()
	bc := h.channel(ch.name)
	bc.subs = append(bc.subs, s)
	h.mu.Unlock()

	return SubscriptionFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		bc.subs = slices.DeleteFunc(bc.subs, func(x *hubSub) bool { return x == s })
	}), nil
}

func (ch *hubChannelHandle) Unsubscribe() {
	h := ch.conn.hub

	h.mu.Lock()
	defer h.mu.Unlock()
	bc := h.channel(ch.name)
	bc.subs = slices.DeleteFunc(bc.subs, func(s *hubSub) bool { return s.conn == ch.conn })
}

func (ch *hubChannelHandle) Publish(_ context.Context, event string, payload any) error {
	if ch.conn.State() != StateConnected {
		return domain.ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return err
	}

	h := ch.conn.hub
	msg := Message{
		Name:         event,
		Data:         data,
		ClientID:     ch.conn.clientID,
		ConnectionID: ch.conn.id,
		Timestamp:    h.now(),
	}

	h.mu.Lock()
	var subs []*hubSub
	for _, s := range h.channel(ch.name).subs {
		if s.event == "" || s.event == event {
			subs = append(subs, s)
		}
	}
	h.mu.Unlock()

	h.deliver(subs, msg)
	return nil
}

func (ch *hubChannelHandle) Presence() Presence {
	return &hubPresence{ch: ch}
}

type hubPresence struct {
	ch *hubChannelHandle
}

func (p *hubPresence) Enter(_ context.Context, data any) error {
	return p.upsert(data)
}

// Update behaves like Enter for a connection that is not present yet.
func (p *hubPresence) Update(_ context.Context, data any) error {
	return p.upsert(data)
}

func (p *hubPresence) upsert(data any) error {
	c := p.ch.conn
	if c.State() != StateConnected {
		return domain.ErrNotConnected
	}

	raw, err := Encode(data)
	if err != nil {
		return err
	}

	h := c.hub
	msg := PresenceMessage{
		Action:       PresenceEnter,
		ClientID:     c.clientID,
		ConnectionID: c.id,
		Data:         raw,
		Timestamp:    h.now(),
	}

	h.mu.Lock()
	bc := h.channel(p.ch.name)
	if i := slices.IndexFunc(bc.members, func(m PresenceMessage) bool { return m.ConnectionID == c.id }); i >= 0 {
		msg.Action = PresenceUpdate
		bc.members[i] = msg
	} else {
		bc.members = append(bc.members, msg)
	}
	subs := slices.Clone(bc.presenceSubs)
	h.mu.Unlock()

	h.deliverPresence(subs, msg)
	return nil
}

func (p *hubPresence) Leave(_ context.Context) error {
	c := p.ch.conn
	if c.State() != StateConnected {
		return domain.ErrNotConnected
	}

	h := c.hub

	h.mu.Lock()
	bc := h.channel(p.ch.name)
	i := slices.IndexFunc(bc.members, func(m PresenceMessage) bool { return m.ConnectionID == c.id })
	if i < 0 {
		h.mu.Unlock()
		return nil
	}
	msg := bc.members[i]
	msg.Action = PresenceLeave
	msg.Timestamp = h.now()
	bc.members = slices.Delete(bc.members, i, i+1)
	subs := slices.Clone(bc.presenceSubs)
	h.mu.Unlock()

	h.deliverPresence(subs, msg)
	return nil
}

func (p *hubPresence) Get(_ context.Context) ([]PresenceMessage, error) {
	c := p.ch.conn
	if c.State() != StateConnected {
		return nil, domain.ErrNotConnected
	}

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.channel(p.ch.name).members
	out := make([]PresenceMessage, len(members))
	for i, m := range members {
		m.Action = PresencePresent
		out[i] = m
	}
	return out, nil
}

func (p *hubPresence) Subscribe(action PresenceAction, fn PresenceHandler) (Subscription, error) {
	c := p.ch.conn
	if c.State() == StateClosed {
		return nil, domain.ErrChannelClosed
	}

	h := c.hub
	s := &hubPresenceSub{conn: c, action: action, h: fn}

	h.mu.Lock()
	bc := h.channel(p.ch.name)
	bc.presenceSubs = append(bc.presenceSubs, s)
	h.mu.Unlock()

	return SubscriptionFunc(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		bc.presenceSubs = slices.DeleteFunc(bc.presenceSubs, func(x *hubPresenceSub) bool { return x == s })
	}), nil
}

func (p *hubPresence) Unsubscribe() {
	c := p.ch.conn
	h := c.hub

	h.mu.Lock()
	defer h.mu.Unlock()
	bc := h.channel(p.ch.name)
	bc.presenceSubs = slices.DeleteFunc(bc.presenceSubs, func(s *hubPresenceSub) bool { return s.conn == c })
}
