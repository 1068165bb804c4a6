// Package chat keeps the message list of one conversation consistent across
// history fetches, optimistic sends and realtime pushes, and acknowledges
// what the current user has read.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
)

const DefaultPollInterval = 30 * time.Second

// Persistence is the message store the engine reads from and writes to.
type Persistence interface {
	Fetch(ctx context.Context, conversationID string) ([]domain.Message, error)
	Send(ctx context.Context, conversationID, content string) (domain.Message, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// Notification describes a failure the user should see.
type Notification struct {
	ConversationID string
	MessageID      string
	Text           string
	Err            error
}

type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

type Options struct {
	Logger *slog.Logger
	// Notifier receives send and retry failures. Defaults to logging them.
	Notifier     Notifier
	PollInterval time.Duration
	Now          func() time.Time
}

// State is a snapshot of the engine for rendering.
type State struct {
	ConversationID string
	Messages       []domain.Message
	IsTyping       bool
	IsLoading      bool
	Err            error
}

type Engine struct {
	store        Persistence
	conn         realtime.Connection
	logger       *slog.Logger
	notifier     Notifier
	pollInterval time.Duration
	now          func() time.Time
	changes      chan struct{}

	mu             sync.Mutex
	gen            uint64
	userID         string
	conversationID string
	messages       []domain.Message
	acked          map[string]struct{}
	// arrived maps ids merged from realtime events or send confirmations to
	// the value of seq at that moment; refresh uses it to keep entries its
	// fetched snapshot may predate.
	arrived map[string]uint64
	seq     uint64
	isTyping       bool
	isLoading      bool
	err            error
	closed         bool

	subs     []realtime.Subscription
	cancel   context.CancelFunc
	pollDone chan struct{}
}

func NewEngine(store Persistence, conn realtime.Connection, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Engine{
		store:        store,
		conn:         conn,
		logger:       opts.Logger,
		notifier:     opts.Notifier,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		changes:      make(chan struct{}, 1),
		acked:        make(map[string]struct{}),
		arrived:      make(map[string]uint64),
	}
	if e.notifier == nil {
		e.notifier = NotifierFunc(func(n Notification) {
			e.logger.Error(n.Text, "conversation_id", n.ConversationID, "message_id", n.MessageID, "error", n.Err)
		})
	}
	return e
}

// binding is what Open attaches to one conversation.
type binding struct {
	subs   []realtime.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func (b binding) release() {
	for _, s := range b.subs {
		s.Unsubscribe()
	}
	if b.cancel != nil {
		b.cancel()
	}
	if b.done != nil {
		<-b.done
	}
}

// detach must be called with e.mu held.
func (e *Engine) detach() binding {
	b := binding{subs: e.subs, cancel: e.cancel, done: e.pollDone}
	e.subs, e.cancel, e.pollDone = nil, nil, nil
	return b
}

// Open binds the engine to a conversation for userID. The previous binding is
// torn down first. Messages, the typing flag and the set of acknowledged ids
// are reset when the user or the conversation changes.
func (e *Engine) Open(ctx context.Context, userID, conversationID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.ErrChannelClosed
	}
	old := e.detach()
	e.gen++
	gen := e.gen
	if userID != e.userID || conversationID != e.conversationID {
		e.messages = nil
		e.acked = make(map[string]struct{})
		e.arrived = make(map[string]uint64)
		e.isTyping = false
		e.err = nil
	}
	e.userID = userID
	e.conversationID = conversationID
	e.mu.Unlock()

	old.release()
	e.notify()

	if userID == "" || conversationID == "" {
		e.logger.Debug("Skipping conversation, user or conversation is missing")
		return nil
	}

	bindCtx, cancel := context.WithCancel(context.Background())
	b := binding{cancel: cancel, done: make(chan struct{})}

	ch := e.conn.Channel(domain.ChatChannel(conversationID))
	for _, ev := range []domain.EventType{domain.MessageEventType, domain.TypingEventType, domain.ReadReceiptEventType} {
		sub, err := ch.Subscribe(string(ev), func(m realtime.Message) { e.handleEvent(bindCtx, gen, m) })
		if err != nil {
			close(b.done)
			b.release()
			e.logger.Error("Failed to subscribe to conversation", "conversation_id", conversationID, "event", ev, "error", err)
			return fmt.Errorf("subscribe %s: %w", ev, err)
		}
		b.subs = append(b.subs, sub)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		close(b.done)
		b.release()
		return nil
	}
	e.subs, e.cancel, e.pollDone = b.subs, b.cancel, b.done
	e.isLoading = true
	e.mu.Unlock()
	e.notify()

	go e.poll(bindCtx, gen, b.done)

	err := e.refresh(ctx, gen)

	e.mu.Lock()
	if e.gen == gen {
		e.isLoading = false
	}
	e.mu.Unlock()
	e.notify()

	return err
}

func (e *Engine) poll(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = e.refresh(ctx, gen)
		}
	}
}

// Refresh reloads the history of the open conversation.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	return e.refresh(ctx, gen)
}

// refresh is shared by the initial load and the poller. Fetched history
// replaces the list; local entries that were never confirmed stay at the end.
func (e *Engine) refresh(ctx context.Context, gen uint64) error {
	e.mu.Lock()
	if e.gen != gen || e.conversationID == "" {
		e.mu.Unlock()
		return nil
	}
	conversationID := e.conversationID
	since := e.seq
	e.mu.Unlock()

	fetched, err := e.store.Fetch(ctx, conversationID)

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	if err != nil {
		e.err = err
		e.mu.Unlock()
		e.notify()
		e.logger.Error("Failed to fetch messages", "conversation_id", conversationID, "error", err)
		return fmt.Errorf("fetch messages: %w", err)
	}
	late := make(map[string]struct{})
	for id, at := range e.arrived {
		if at > since {
			late[id] = struct{}{}
		}
	}
	e.messages = mergeHistory(fetched, e.messages, e.userID, late)
	e.err = nil
	e.mu.Unlock()
	e.notify()

	e.acknowledgeRead(ctx, gen)
	return nil
}

// SendMessage appends content as a pending message and sends it. Blank
// content, or an engine without a user or conversation, is ignored. A failed
// send leaves the entry in the list with status failed.
func (e *Engine) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)

	e.mu.Lock()
	userID, conversationID, gen := e.userID, e.conversationID, e.gen
	if content == "" || userID == "" || conversationID == "" || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.conn.State() == realtime.StateConnected {
		typing := domain.TypingEvent{UserID: userID, ConversationID: conversationID}
		if err := e.publish(ctx, conversationID, typing); err != nil {
			e.logger.Debug("Failed to clear typing", "conversation_id", conversationID, "error", err)
		}
	}

	now := e.now()
	temp := domain.Message{
		ID:             domain.NewTempID(now),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		CreatedAt:      now,
		ReadBy:         []string{},
		Status:         domain.StatusSending,
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.messages = append(e.messages, temp)
	e.mu.Unlock()
	e.notify()

	return e.deliver(ctx, gen, temp)
}

// RetryMessage sends a failed message again. Other ids, and any call after
// Close, are ignored.
func (e *Engine) RetryMessage(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	i := indexOf(e.messages, id)
	if i < 0 || e.messages[i].Status != domain.StatusFailed {
		e.mu.Unlock()
		return nil
	}
	e.messages[i].Status = domain.StatusSending
	m, gen := e.messages[i], e.gen
	e.mu.Unlock()
	e.notify()

	return e.deliver(ctx, gen, m)
}

func (e *Engine) deliver(ctx context.Context, gen uint64, m domain.Message) error {
	confirmed, err := e.store.Send(ctx, m.ConversationID, m.Content)
	if err != nil {
		e.mu.Lock()
		if e.gen == gen {
			if i := indexOf(e.messages, m.ID); i >= 0 {
				e.messages[i].Status = domain.StatusFailed
			}
		}
		e.mu.Unlock()
		e.notify()

		e.notifier.Notify(Notification{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			Text:           "Failed to send message",
			Err:            err,
		})
		return fmt.Errorf("send message: %w", err)
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.messages = Confirm(e.messages, m.ID, confirmed)
	e.track(confirmed.ID)
	e.mu.Unlock()
	e.notify()

	if err := e.publish(ctx, m.ConversationID, domain.MessageEvent{Message: confirmed}); err != nil {
		e.logger.Warn("Failed to publish message", "conversation_id", m.ConversationID, "message_id", confirmed.ID, "error", err)
	}
	return nil
}

// AcknowledgeRead marks as read the messages of other users that the current
// user has not read yet and that were not acknowledged before, and returns
// how many there were. Ids count as acknowledged once the call is made, so a
// failed call is not repeated.
func (e *Engine) AcknowledgeRead(ctx context.Context) (int, error) {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	return e.acknowledgeRead(ctx, gen)
}

func (e *Engine) acknowledgeRead(ctx context.Context, gen uint64) (int, error) {
	e.mu.Lock()
	if e.gen != gen || e.userID == "" || e.conversationID == "" {
		e.mu.Unlock()
		return 0, nil
	}
	userID, conversationID := e.userID, e.conversationID

	var ids []string
	for _, m := range e.messages {
		if m.SenderID == userID || domain.IsTempID(m.ID) || m.ReadByUser(userID) {
			continue
		}
		if _, ok := e.acked[m.ID]; ok {
			continue
		}
		e.acked[m.ID] = struct{}{}
		ids = append(ids, m.ID)
	}
	e.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}

	if err := e.store.MarkRead(ctx, conversationID, ids); err != nil {
		e.logger.Warn("Failed to mark messages as read", "conversation_id", conversationID, "count", len(ids), "error", err)
		return 0, fmt.Errorf("mark read: %w", err)
	}

	e.mu.Lock()
	if e.gen == gen {
		for i := range e.messages {
			if slices.Contains(ids, e.messages[i].ID) {
				e.messages[i].AddReader(userID)
				e.messages[i].Status = domain.StatusRead
			}
		}
	}
	e.mu.Unlock()
	e.notify()

	receipt := domain.ReadReceiptEvent{ConversationID: conversationID, ReaderID: userID, MessageIDs: ids}
	if err := e.publish(ctx, conversationID, receipt); err != nil {
		e.logger.Warn("Failed to publish read receipt", "conversation_id", conversationID, "error", err)
	}
	return len(ids), nil
}

// SetTyping broadcasts the current user's typing state.
func (e *Engine) SetTyping(ctx context.Context, typing bool) error {
	e.mu.Lock()
	userID, conversationID := e.userID, e.conversationID
	e.mu.Unlock()

	if userID == "" || conversationID == "" {
		return domain.ErrNoSession
	}
	return e.publish(ctx, conversationID, domain.TypingEvent{UserID: userID, ConversationID: conversationID, IsTyping: typing})
}

func (e *Engine) publish(ctx context.Context, conversationID string, ev domain.Event) error {
	if e.conn.State() != realtime.StateConnected {
		return domain.ErrNotConnected
	}
	return e.conn.Channel(domain.ChatChannel(conversationID)).Publish(ctx, string(ev.Type()), ev)
}

func (e *Engine) handleEvent(ctx context.Context, gen uint64, m realtime.Message) {
	ev, err := domain.DecodeEvent(m.Name, m.Data)
	if err != nil {
		e.logger.Warn("Dropping realtime event", "client_id", m.ClientID, "error", err)
		return
	}

	switch ev := ev.(type) {
	case domain.MessageEvent:
		e.handleMessage(ctx, gen, ev.Message)
	case domain.TypingEvent:
		e.handleTyping(gen, ev)
	case domain.ReadReceiptEvent:
		e.handleReadReceipt(gen, ev)
	}
}

func (e *Engine) handleMessage(ctx context.Context, gen uint64, m domain.Message) {
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	if m.ConversationID != "" && m.ConversationID != e.conversationID {
		e.mu.Unlock()
		e.logger.Debug("Dropping message for another conversation", "conversation_id", m.ConversationID)
		return
	}
	e.messages = Reconcile(e.messages, m, e.userID)
	e.track(m.ID)
	e.mu.Unlock()
	e.notify()

	e.acknowledgeRead(ctx, gen)
}

// track must be called with e.mu held.
func (e *Engine) track(id string) {
	e.seq++
	e.arrived[id] = e.seq
}

func (e *Engine) handleTyping(gen uint64, ev domain.TypingEvent) {
	e.mu.Lock()
	if e.gen != gen || ev.UserID == e.userID {
		e.mu.Unlock()
		return
	}
	if ev.ConversationID != "" && ev.ConversationID != e.conversationID {
		e.mu.Unlock()
		return
	}
	e.isTyping = ev.IsTyping
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) handleReadReceipt(gen uint64, ev domain.ReadReceiptEvent) {
	e.mu.Lock()
	if e.gen != gen || ev.ConversationID != e.conversationID || ev.ReaderID == e.userID {
		e.mu.Unlock()
		return
	}

	changed := false
	for i := range e.messages {
		m := &e.messages[i]
		if m.SenderID != e.userID || !slices.Contains(ev.MessageIDs, m.ID) {
			continue
		}
		m.AddReader(ev.ReaderID)
		m.Status = domain.StatusRead
		changed = true
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	msgs := make([]domain.Message, len(e.messages))
	for i, m := range e.messages {
		msgs[i] = m.Clone()
	}
	return State{
		ConversationID: e.conversationID,
		Messages:       msgs,
		IsTyping:       e.isTyping,
		IsLoading:      e.isLoading,
		Err:            e.err,
	}
}

// Changes signals after any state change. Signals are coalesced.
func (e *Engine) Changes() <-chan struct{} {
	return e.changes
}

func (e *Engine) notify() {
	select {
	case e.changes <- struct{}{}:
	default:
	}
}

// Close unbinds the engine. Events still in flight are ignored. The
// connection is not closed; it belongs to the caller.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.gen++
	b := e.detach()
	e.mu.Unlock()

	b.release()
	e.notify()
}
