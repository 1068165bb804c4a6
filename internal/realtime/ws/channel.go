package ws

import (
	"context"
	"fmt"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
)

type channel struct {
	conn *Conn
	name string
}

func (ch *channel) Name() string { return ch.name }

func (ch *channel) Subscribe(event string, h realtime.Handler) (realtime.Subscription, error) {
	c := ch.conn
	if c.State() == realtime.StateClosed {
		return nil, domain.ErrChannelClosed
	}

	s := &sub{event: event, onMessage: h}
	if err := c.addSub(false, ch.name, s); err != nil {
		return nil, err
	}
	return realtime.SubscriptionFunc(func() { c.removeSub(false, ch.name, s) }), nil
}

func (ch *channel) Unsubscribe() {
	ch.conn.removeSubs(false, ch.name)
}

func (ch *channel) Publish(ctx context.Context, event string, payload any) error {
	c := ch.conn
	if c.State() != realtime.StateConnected {
		return domain.ErrNotConnected
	}

	data, err := realtime.Encode(payload)
	if err != nil {
		return err
	}

	if _, err := c.request(ctx, Frame{Op: OpPublish, Channel: ch.name, Event: event, Data: data}); err != nil {
		return fmt.Errorf("publish %s: %w", ch.name, err)
	}
	return nil
}

func (ch *channel) Presence() realtime.Presence {
	return &presence{ch: ch}
}

type presence struct {
	ch *channel
}

func (p *presence) Enter(ctx context.Context, data any) error {
	return p.announce(ctx, OpPresenceEnter, data)
}

func (p *presence) Update(ctx context.Context, data any) error {
	return p.announce(ctx, OpPresenceUpdate, data)
}

// announce remembers the data so the entry is restored after a reconnect.
func (p *presence) announce(ctx context.Context, op Op, data any) error {
	c := p.ch.conn
	if c.State() != realtime.StateConnected {
		return domain.ErrNotConnected
	}

	raw, err := realtime.Encode(data)
	if err != nil {
		return err
	}

	if _, err := c.request(ctx, Frame{Op: op, Channel: p.ch.name, Data: raw}); err != nil {
		return fmt.Errorf("%s %s: %w", op, p.ch.name, err)
	}

	c.mu.Lock()
	c.entered[p.ch.name] = raw
	c.mu.Unlock()
	return nil
}

func (p *presence) Leave(ctx context.Context) error {
	c := p.ch.conn
	if c.State() != realtime.StateConnected {
		return domain.ErrNotConnected
	}

	if _, err := c.request(ctx, Frame{Op: OpPresenceLeave, Channel: p.ch.name}); err != nil {
		return fmt.Errorf("presence leave %s: %w", p.ch.name, err)
	}

	c.mu.Lock()
	delete(c.entered, p.ch.name)
	c.mu.Unlock()
	return nil
}

func (p *presence) Get(ctx context.Context) ([]realtime.PresenceMessage, error) {
	c := p.ch.conn
	if c.State() != realtime.StateConnected {
		return nil, domain.ErrNotConnected
	}

	r, err := c.request(ctx, Frame{Op: OpPresenceGet, Channel: p.ch.name})
	if err != nil {
		return nil, fmt.Errorf("presence get %s: %w", p.ch.name, err)
	}
	return r.Members, nil
}

func (p *presence) Subscribe(action realtime.PresenceAction, h realtime.PresenceHandler) (realtime.Subscription, error) {
	c := p.ch.conn
	if c.State() == realtime.StateClosed {
		return nil, domain.ErrChannelClosed
	}

	s := &sub{action: action, onPresence: h}
	if err := c.addSub(true, p.ch.name, s); err != nil {
		return nil, err
	}
	return realtime.SubscriptionFunc(func() { c.removeSub(true, p.ch.name, s) }), nil
}

func (p *presence) Unsubscribe() {
	p.ch.conn.removeSubs(true, p.ch.name)
}
