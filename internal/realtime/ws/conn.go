package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
)

const (
	writeWait = 10 * time.Second
	// readWait is how long the socket may stay silent. The gateway pings
	// well within it.
	readWait       = 30 * time.Second
	closeTimeout   = 5 * time.Second
	maxBackoff     = 30 * time.Second
	dispatchBuffer = 256
)

type sub struct {
	event      string
	action     realtime.PresenceAction
	onMessage  realtime.Handler
	onPresence realtime.PresenceHandler
}

// Conn is a realtime connection over the websocket gateway. A dropped socket
// is redialed with backoff and every subscription and presence entry is
// restored before the connection reports connected again. Handlers run one
// at a time on a dispatch goroutine.
type Conn struct {
	*realtime.StateTracker

	opts     Options
	logger   *slog.Logger
	clientID string
	header   http.Header

	writeMu sync.Mutex

	mu           sync.Mutex
	id           string
	ws           *websocket.Conn
	closing      bool
	ctx          context.Context
	cancel       context.CancelFunc
	dispatch     chan func()
	nextID       uint64
	pending      map[uint64]chan Frame
	channels     map[string]*channel
	subs         map[string][]*sub
	presenceSubs map[string][]*sub
	entered      map[string]json.RawMessage

	wg sync.WaitGroup
}

// ID is the connection id the gateway assigned on the last connect.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conn) ClientID() string { return c.clientID }

func (c *Conn) Connect(ctx context.Context) error {
	switch c.State() {
	case realtime.StateClosed:
		return domain.ErrChannelClosed
	case realtime.StateConnected:
		return nil
	}

	c.Set(realtime.StateConnecting, nil)

	var sock *websocket.Conn
	b := retry.WithMaxRetries(c.opts.ConnectAttempts, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		s, err := c.dial(ctx)
		if err != nil {
			var appErr *domain.AppError
			if errors.As(err, &appErr) {
				return err
			}
			c.logger.Warn("Failed to dial gateway", "url", c.opts.URL, "error", err)
			return retry.RetryableError(err)
		}
		sock = s
		return nil
	})
	if err != nil {
		c.Set(realtime.StateFailed, err)
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
		c.dispatch = make(chan func(), dispatchBuffer)
		c.wg.Add(1)
		go c.run(c.ctx)
	}
	c.mu.Unlock()

	if err := c.start(sock); err != nil {
		c.mu.Lock()
		if c.ws == sock {
			c.ws = nil
		}
		c.mu.Unlock()
		sock.Close()
		c.Set(realtime.StateFailed, err)
		return fmt.Errorf("connect: %w", err)
	}

	c.Set(realtime.StateConnected, nil)
	c.logger.Info("Connection opened", "connection_id", c.ID())
	return nil
}

// dial opens a socket and waits for the gateway's hello.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	sock, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, domain.ErrUnauthorizedError
			case http.StatusForbidden:
				return nil, domain.ErrForbidden
			}
		}
		return nil, err
	}

	sock.SetReadDeadline(time.Now().Add(readWait))

	var hello Frame
	if err := sock.ReadJSON(&hello); err != nil {
		sock.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	switch hello.Op {
	case OpHello:
	case OpError:
		sock.Close()
		if hello.Error != nil {
			return nil, hello.Error.Err()
		}
		return nil, domain.ErrInternalServerError
	default:
		sock.Close()
		return nil, fmt.Errorf("%w: expected hello, got %q", domain.ErrMalformedEvent, hello.Op)
	}

	c.mu.Lock()
	c.id = hello.ConnectionID
	c.mu.Unlock()

	return sock, nil
}

// start makes sock the live socket, starts reading from it and restores
// the subscriptions and presence entries of the connection.
func (c *Conn) start(sock *websocket.Conn) error {
	sock.SetPingHandler(func(data string) error {
		sock.SetReadDeadline(time.Now().Add(readWait))
		err := sock.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return domain.ErrChannelClosed
	}
	c.ws = sock
	ctx := c.ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go c.read(ctx, sock)

	return c.restore(ctx)
}

func (c *Conn) restore(ctx context.Context) error {
	c.mu.Lock()
	var frames []Frame
	for name := range c.subs {
		frames = append(frames, Frame{Op: OpSubscribe, Channel: name})
	}
	for name := range c.presenceSubs {
		frames = append(frames, Frame{Op: OpPresenceSubscribe, Channel: name})
	}
	for name, data := range c.entered {
		frames = append(frames, Frame{Op: OpPresenceEnter, Channel: name, Data: data})
	}
	c.mu.Unlock()

	for _, f := range frames {
		if _, err := c.request(ctx, f); err != nil {
			return fmt.Errorf("restore %s %s: %w", f.Op, f.Channel, err)
		}
	}
	return nil
}

func (c *Conn) read(ctx context.Context, sock *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, b, err := sock.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosing() {
				return
			}
			c.lost(ctx, sock, err)
			return
		}
		sock.SetReadDeadline(time.Now().Add(readWait))

		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			c.logger.Error("Failed to unmarshal frame", "error", err)
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *Conn) handle(ctx context.Context, f Frame) {
	switch f.Op {
	case OpAck, OpError:
		c.mu.Lock()
		reply, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			reply <- f
		}

	case OpMessage:
		if f.Message == nil {
			return
		}
		name, m := f.Channel, *f.Message
		c.enqueue(ctx, func() {
			c.mu.Lock()
			subs := slices.Clone(c.subs[name])
			c.mu.Unlock()

			for _, s := range subs {
				if s.event == "" || s.event == m.Name {
					s.onMessage(m)
				}
			}
		})

	case OpPresence:
		if f.Presence == nil {
			return
		}
		name, pm := f.Channel, *f.Presence
		c.enqueue(ctx, func() {
			c.mu.Lock()
			subs := slices.Clone(c.presenceSubs[name])
			c.mu.Unlock()

			for _, s := range subs {
				if s.action == "" || s.action == pm.Action {
					s.onPresence(pm)
				}
			}
		})

	default:
		c.logger.Debug("Ignoring frame", "op", f.Op)
	}
}

func (c *Conn) enqueue(ctx context.Context, fn func()) {
	select {
	case c.dispatch <- fn:
	case <-ctx.Done():
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

// lost drops sock, fails the requests waiting on it and starts reconnecting.
func (c *Conn) lost(ctx context.Context, sock *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != sock {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	sock.Close()
	c.logger.Warn("Connection lost", "error", cause)
	c.Set(realtime.StateDisconnected, cause)

	c.wg.Add(1)
	go c.reconnect(ctx, cause)
}

func (c *Conn) reconnect(ctx context.Context, cause error) {
	defer c.wg.Done()

	downSince := time.Now()
	lastErr := cause

	b := retry.WithCappedDuration(maxBackoff, retry.NewExponential(c.opts.ReconnectInterval))
	retry.Do(ctx, b, func(ctx context.Context) error {
		if c.State() == realtime.StateDisconnected && time.Since(downSince) >= c.opts.SuspendAfter {
			c.logger.Warn("Connection suspended", "down_since", downSince, "error", lastErr)
			c.Set(realtime.StateSuspended, lastErr)
		}

		sock, err := c.dial(ctx)
		if err != nil {
			var appErr *domain.AppError
			if errors.As(err, &appErr) {
				c.logger.Error("Gateway refused to reconnect", "error", err)
				c.Set(realtime.StateFailed, err)
				return err
			}
			lastErr = err
			c.logger.Debug("Failed to reconnect", "error", err)
			return retry.RetryableError(err)
		}

		if err := c.start(sock); err != nil {
			// The read loop of sock sees the close and starts over.
			c.logger.Warn("Failed to restore connection", "error", err)
			sock.Close()
			return nil
		}

		c.logger.Info("Connection recovered", "connection_id", c.ID())
		c.Set(realtime.StateConnected, nil)
		return nil
	})
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// request sends f and waits for the ack or error answering it.
func (c *Conn) request(ctx context.Context, f Frame) (Frame, error) {
	c.mu.Lock()
	sock := c.ws
	if sock == nil {
		c.mu.Unlock()
		return Frame{}, domain.ErrNotConnected
	}
	c.nextID++
	f.ID = c.nextID
	reply := make(chan Frame, 1)
	c.pending[f.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	if err := c.write(sock, f); err != nil {
		return Frame{}, fmt.Errorf("write %s: %w", f.Op, err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r, ok := <-reply:
		if !ok {
			return Frame{}, domain.ErrNotConnected
		}
		if r.Op == OpError {
			if r.Error != nil {
				return Frame{}, r.Error.Err()
			}
			return Frame{}, domain.ErrInternalServerError
		}
		return r, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-timer.C:
		return Frame{}, fmt.Errorf("%s: %w", f.Op, context.DeadlineExceeded)
	}
}

func (c *Conn) write(sock *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	sock.SetWriteDeadline(time.Now().Add(writeWait))
	return sock.WriteJSON(f)
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

// Close leaves every presence set the connection entered, closes the socket
// and stops the background loops.
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
		if _, lerr := c.request(ctx, Frame{Op: OpPresenceLeave, Channel: name}); lerr != nil && !errors.Is(lerr, domain.ErrNotConnected) {
			err = multierr.Append(err, lerr)
		}
	}

	c.mu.Lock()
	c.closing = true
	sock, stop := c.ws, c.cancel
	c.ws = nil
	c.subs = make(map[string][]*sub)
	c.presenceSubs = make(map[string][]*sub)
	c.entered = make(map[string]json.RawMessage)
	c.mu.Unlock()

	if sock != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); werr != nil {
			c.logger.Debug("Failed to write close message", "error", werr)
		}
		err = multierr.Append(err, sock.Close())
	}
	if stop != nil {
		stop()
	}
	c.wg.Wait()

	c.Set(realtime.StateClosed, nil)
	c.logger.Info("Connection closed")
	return err
}

func (c *Conn) registry(presence bool) map[string][]*sub {
	if presence {
		return c.presenceSubs
	}
	return c.subs
}

func subscribeOps(presence bool) (Op, Op) {
	if presence {
		return OpPresenceSubscribe, OpPresenceUnsubscribe
	}
	return OpSubscribe, OpUnsubscribe
}

// addSub registers s locally and, for the first listener on name, asks the
// gateway to forward the channel. Without a socket the request is made by
// restore on the next connect.
func (c *Conn) addSub(presence bool, name string, s *sub) error {
	c.mu.Lock()
	reg := c.registry(presence)
	first := len(reg[name]) == 0
	reg[name] = append(reg[name], s)
	up := c.ws != nil
	c.mu.Unlock()

	if !first || !up {
		return nil
	}

	op, _ := subscribeOps(presence)
	_, err := c.request(context.Background(), Frame{Op: op, Channel: name})
	if err == nil || errors.Is(err, domain.ErrNotConnected) {
		return nil
	}

	c.mu.Lock()
	reg = c.registry(presence)
	reg[name] = slices.DeleteFunc(reg[name], func(x *sub) bool { return x == s })
	if len(reg[name]) == 0 {
		delete(reg, name)
	}
	c.mu.Unlock()
	return fmt.Errorf("%s %s: %w", op, name, err)
}

func (c *Conn) removeSub(presence bool, name string, s *sub) {
	c.mu.Lock()
	reg := c.registry(presence)
	reg[name] = slices.DeleteFunc(reg[name], func(x *sub) bool { return x == s })
	empty := len(reg[name]) == 0
	if empty {
		delete(reg, name)
	}
	c.mu.Unlock()

	if empty {
		c.detach(presence, name)
	}
}

func (c *Conn) removeSubs(presence bool, name string) {
	c.mu.Lock()
	reg := c.registry(presence)
	_, had := reg[name]
	delete(reg, name)
	c.mu.Unlock()

	if had {
		c.detach(presence, name)
	}
}

func (c *Conn) detach(presence bool, name string) {
	_, op := subscribeOps(presence)
	if _, err := c.request(context.Background(), Frame{Op: op, Channel: name}); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		c.logger.Warn("Failed to unsubscribe", "channel", name, "error", err)
	}
}
