package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
)

const (
	attachTimeout  = 5 * time.Second
	closeTimeout   = 5 * time.Second
	receiveBackoff = 250 * time.Millisecond
	dispatchBuffer = 256
)

type sub struct {
	event      string
	action     realtime.PresenceAction
	onMessage  realtime.Handler
	onPresence realtime.PresenceHandler
}

type attachment struct {
	ready chan struct{}
	done  bool
}

// Conn is a realtime connection backed by one Redis pub/sub session.
// Handlers run one at a time on a dispatch goroutine, in arrival order.
// A handler may subscribe or publish but must not call Close.
type Conn struct {
	*realtime.StateTracker

	cli      *redis.Client
	opts     Options
	logger   *slog.Logger
	id       string
	clientID string

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	pubsub   *redis.PubSub
	dispatch chan func()
	channels map[string]*channel
	subs     map[string][]*sub
	attached map[string]*attachment
	entered  map[string]realtime.PresenceMessage

	wg sync.WaitGroup
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) ClientID() string { return c.clientID }

func (c *Conn) messageKey(name string) string {
	return c.opts.Prefix + ":msg:" + name
}

// presenceKey names both the member hash and the pub/sub channel carrying
// presence events; Redis keeps keys and pub/sub channels apart.
func (c *Conn) presenceKey(name string) string {
	return c.opts.Prefix + ":presence:" + name
}

func (c *Conn) isPresenceKey(key string) bool {
	return strings.HasPrefix(key, c.opts.Prefix+":presence:")
}

// Connect pings Redis with exponential backoff. On success it starts the
// receive, dispatch and heartbeat loops the first time round and attaches
// every channel subscribed before connecting.
func (c *Conn) Connect(ctx context.Context) error {
	switch c.State() {
	case realtime.StateClosed:
		return domain.ErrChannelClosed
	case realtime.StateConnected:
		return nil
	}

	c.Set(realtime.StateConnecting, nil)

	b := retry.WithMaxRetries(c.opts.ConnectAttempts, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := c.cli.Ping(ctx).Err(); err != nil {
			c.logger.Warn("Failed to ping redis", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.Set(realtime.StateFailed, err)
		return fmt.Errorf("connect: %w", err)
	}

	var pending []string

	c.mu.Lock()
	if c.pubsub == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		c.ctx, c.cancel = runCtx, cancel
		c.pubsub = c.cli.Subscribe(runCtx)
		c.dispatch = make(chan func(), dispatchBuffer)
		pending = slices.Collect(maps.Keys(c.subs))

		c.wg.Add(3)
		go c.receive(runCtx)
		go c.run(runCtx)
		go c.heartbeat(runCtx)
	}
	c.mu.Unlock()

	for _, key := range pending {
		if err := c.attach(key); err != nil {
			c.Set(realtime.StateFailed, err)
			return err
		}
	}

	c.Set(realtime.StateConnected, nil)
	c.logger.Info("Connection opened")
	return nil
}

func (c *Conn) Channel(name string) realtime.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[name]
	if !ok {
		ch = &channel{conn: c, name: name}
		c.channels[name] = ch
	}
	return ch
}

// Close leaves every presence set the connection entered, drops all
// listeners and stops the background loops.
func (c *Conn) Close() error {
	if c.State() == realtime.StateClosed {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	c.mu.Lock()
	names := slices.Collect(maps.Keys(c.entered))
	c.mu.Unlock()

	var err error
	for _, name := range names {
		err = multierr.Append(err, c.leave(ctx, name))
	}

	c.mu.Lock()
	ps, stop := c.pubsub, c.cancel
	c.subs = make(map[string][]*sub)
	c.attached = make(map[string]*attachment)
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if ps != nil {
		err = multierr.Append(err, ps.Close())
	}
	c.wg.Wait()

	c.Set(realtime.StateClosed, nil)
	c.logger.Info("Connection closed")
	return err
}

func (c *Conn) receive(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.pubsub.ReceiveTimeout(ctx, c.opts.HeartbeatInterval)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.logger.Debug("Failed to receive from pubsub", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				c.markAttached(m.Channel)
			}
		case *redis.Message:
			c.route(ctx, m)
		}
	}
}

func (c *Conn) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.dispatch:
			fn()
		}
	}
}

// route queues delivery of m. Listeners are looked up at delivery time, so
// one removed in the meantime is not called.
func (c *Conn) route(ctx context.Context, m *redis.Message) {
	key, payload := m.Channel, m.Payload

	fn := func() {
		c.mu.Lock()
		subs := slices.Clone(c.subs[key])
		c.mu.Unlock()

		if c.isPresenceKey(key) {
			var pm realtime.PresenceMessage
			if err := json.Unmarshal([]byte(payload), &pm); err != nil {
				c.logger.Error("Failed to unmarshal presence event", "channel", key, "error", err)
				return
			}
			for _, s := range subs {
				if s.action == "" || s.action == pm.Action {
					s.onPresence(pm)
				}
			}
			return
		}

		var msg realtime.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			c.logger.Error("Failed to unmarshal message", "channel", key, "error", err)
			return
		}
		for _, s := range subs {
			if s.event == "" || s.event == msg.Name {
				s.onMessage(msg)
			}
		}
	}

	select {
	case c.dispatch <- fn:
	case <-ctx.Done():
	}
}

func (c *Conn) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch c.State() {
		case realtime.StateConnected, realtime.StateDisconnected, realtime.StateSuspended:
		default:
			continue
		}

		err := c.cli.Ping(ctx).Err()
		switch {
		case err == nil:
			if !downSince.IsZero() {
				downSince = time.Time{}
				c.logger.Info("Connection recovered")
				c.Set(realtime.StateConnected, nil)
			}
			c.refreshPresence(ctx)

		case downSince.IsZero():
			downSince = time.Now()
			c.logger.Warn("Connection lost", "error", err)
			c.Set(realtime.StateDisconnected, err)

		case time.Since(downSince) >= c.opts.SuspendAfter && c.State() != realtime.StateSuspended:
			c.logger.Warn("Connection suspended", "down_since", downSince, "error", err)
			c.Set(realtime.StateSuspended, err)
		}
	}
}

// refreshPresence rewrites every member this connection entered with a new
// timestamp, which keeps it from being swept as stale.
func (c *Conn) refreshPresence(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	members := make(map[string]realtime.PresenceMessage, len(c.entered))
	for name, m := range c.entered {
		m.Timestamp = now
		c.entered[name] = m
		members[name] = m
	}
	c.mu.Unlock()

	if len(members) == 0 {
		return
	}

	_, err := c.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, m := range members {
			b, err := json.Marshal(m)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, c.presenceKey(name), c.id, b)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to refresh presence", "error", err)
	}
}

func (c *Conn) addSub(key string, s *sub) error {
	c.mu.Lock()
	c.subs[key] = append(c.subs[key], s)
	started := c.pubsub != nil
	c.mu.Unlock()

	if !started {
		return nil
	}
	if err := c.attach(key); err != nil {
		c.removeSub(key, s)
		return err
	}
	return nil
}

func (c *Conn) removeSub(key string, s *sub) {
	c.mu.Lock()
	c.subs[key] = slices.DeleteFunc(c.subs[key], func(x *sub) bool { return x == s })
	empty := len(c.subs[key]) == 0
	if empty {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if empty {
		c.detach(key)
	}
}

func (c *Conn) removeSubs(key string) {
	c.mu.Lock()
	_, had := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()

	if had {
		c.detach(key)
	}
}

// attach subscribes the pub/sub session to key and waits for Redis to
// confirm it, so events published after attach returns are received.
func (c *Conn) attach(key string) error {
	c.mu.Lock()
	ps, ctx := c.pubsub, c.ctx
	if ps == nil {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}
	a, ok := c.attached[key]
	if !ok {
		a = &attachment{ready: make(chan struct{})}
		c.attached[key] = a
	}
	c.mu.Unlock()

	if !ok {
		if err := ps.Subscribe(ctx, key); err != nil {
			c.mu.Lock()
			delete(c.attached, key)
			c.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", key, err)
		}
	}

	timer := time.NewTimer(attachTimeout)
	defer timer.Stop()

	select {
	case <-a.ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("subscribe %s: %w", key, context.DeadlineExceeded)
	case <-ctx.Done():
		return domain.ErrChannelClosed
	}
}

func (c *Conn) markAttached(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.attached[key]; ok && !a.done {
		a.done = true
		close(a.ready)
	}
}

func (c *Conn) detach(key string) {
	c.mu.Lock()
	ps, ctx := c.pubsub, c.ctx
	delete(c.attached, key)
	c.mu.Unlock()

	if ps == nil {
		return
	}
	if err := ps.Unsubscribe(ctx, key); err != nil {
		c.logger.Warn("Failed to unsubscribe", "channel", key, "error", err)
	}
}
