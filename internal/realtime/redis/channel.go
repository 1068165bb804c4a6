package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

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

	key := c.messageKey(ch.name)
	s := &sub{event: event, onMessage: h}
	if err := c.addSub(key, s); err != nil {
		return nil, err
	}
	return realtime.SubscriptionFunc(func() { c.removeSub(key, s) }), nil
}

func (ch *channel) Unsubscribe() {
	ch.conn.removeSubs(ch.conn.messageKey(ch.name))
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

	b, err := json.Marshal(realtime.Message{
		Name:         event,
		Data:         data,
		ClientID:     c.clientID,
		ConnectionID: c.id,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := c.cli.Publish(ctx, c.messageKey(ch.name), b).Err(); err != nil {
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
	return p.upsert(ctx, data)
}

// Update behaves like Enter for a connection that is not present yet.
func (p *presence) Update(ctx context.Context, data any) error {
	return p.upsert(ctx, data)
}

func (p *presence) upsert(ctx context.Context, data any) error {
	c := p.ch.conn
	if c.State() != realtime.StateConnected {
		return domain.ErrNotConnected
	}

	raw, err := realtime.Encode(data)
	if err != nil {
		return err
	}

	m := realtime.PresenceMessage{
		Action:       realtime.PresenceEnter,
		ClientID:     c.clientID,
		ConnectionID: c.id,
		Data:         raw,
		Timestamp:    time.Now(),
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	key := c.presenceKey(p.ch.name)
	added, err := c.cli.HSet(ctx, key, c.id, b).Result()
	if err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	if added == 0 {
		m.Action = realtime.PresenceUpdate
	}

	c.mu.Lock()
	c.entered[p.ch.name] = m
	c.mu.Unlock()

	return c.publishPresence(ctx, p.ch.name, m)
}

func (p *presence) Leave(ctx context.Context) error {
	if p.ch.conn.State() != realtime.StateConnected {
		return domain.ErrNotConnected
	}
	return p.ch.conn.leave(ctx, p.ch.name)
}

// Get returns the current members. Members whose last refresh is older than
// MemberTTL are removed and announced as left.
func (p *presence) Get(ctx context.Context) ([]realtime.PresenceMessage, error) {
	c := p.ch.conn
	if c.State() != realtime.StateConnected {
		return nil, domain.ErrNotConnected
	}

	key := c.presenceKey(p.ch.name)
	vals, err := c.cli.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	now := time.Now()
	members := make([]realtime.PresenceMessage, 0, len(vals))
	for field, v := range vals {
		var m realtime.PresenceMessage
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			c.logger.Error("Failed to unmarshal presence member", "channel", key, "member", field, "error", err)
			continue
		}

		if now.Sub(m.Timestamp) > c.opts.MemberTTL {
			c.sweep(ctx, p.ch.name, field, m)
			continue
		}

		m.Action = realtime.PresencePresent
		members = append(members, m)
	}

	slices.SortFunc(members, func(a, b realtime.PresenceMessage) int {
		if n := strings.Compare(a.ClientID, b.ClientID); n != 0 {
			return n
		}
		return strings.Compare(a.ConnectionID, b.ConnectionID)
	})
	return members, nil
}

func (p *presence) Subscribe(action realtime.PresenceAction, h realtime.PresenceHandler) (realtime.Subscription, error) {
	c := p.ch.conn
	if c.State() == realtime.StateClosed {
		return nil, domain.ErrChannelClosed
	}

	key := c.presenceKey(p.ch.name)
	s := &sub{action: action, onPresence: h}
	if err := c.addSub(key, s); err != nil {
		return nil, err
	}
	return realtime.SubscriptionFunc(func() { c.removeSub(key, s) }), nil
}

func (p *presence) Unsubscribe() {
	p.ch.conn.removeSubs(p.ch.conn.presenceKey(p.ch.name))
}

func (c *Conn) leave(ctx context.Context, name string) error {
	c.mu.Lock()
	m, entered := c.entered[name]
	delete(c.entered, name)
	c.mu.Unlock()

	removed, err := c.cli.HDel(ctx, c.presenceKey(name), c.id).Result()
	if err != nil {
		return fmt.Errorf("leave %s: %w", name, err)
	}
	if removed == 0 && !entered {
		return nil
	}

	m.Action = realtime.PresenceLeave
	m.ClientID = c.clientID
	m.ConnectionID = c.id
	m.Timestamp = time.Now()
	return c.publishPresence(ctx, name, m)
}

// sweep deletes a member that stopped refreshing. Only the connection whose
// HDEL removed the field announces the leave.
func (c *Conn) sweep(ctx context.Context, name, field string, m realtime.PresenceMessage) {
	removed, err := c.cli.HDel(ctx, c.presenceKey(name), field).Result()
	if err != nil {
		c.logger.Error("Failed to remove stale presence member", "channel", name, "member", field, "error", err)
		return
	}
	if removed == 0 {
		return
	}

	c.logger.Info("Removed stale presence member", "channel", name, "member", field, "last_seen", m.Timestamp)

	m.Action = realtime.PresenceLeave
	m.Timestamp = time.Now()
	if err := c.publishPresence(ctx, name, m); err != nil {
		c.logger.Error("Failed to announce stale member", "channel", name, "member", field, "error", err)
	}
}

func (c *Conn) publishPresence(ctx context.Context, name string, m realtime.PresenceMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := c.cli.Publish(ctx, c.presenceKey(name), b).Err(); err != nil {
		return fmt.Errorf("publish presence %s: %w", name, err)
	}
	return nil
}
