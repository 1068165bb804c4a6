package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"
)

// fakeServer is an in-memory message store shared by the fakeClients of
// several users.
type fakeServer struct {
	mu      sync.Mutex
	convs   map[string][]domain.Message
	seq     int
	fetches map[string]int
	sends   int
	marks   [][]string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		convs:   make(map[string][]domain.Message),
		fetches: make(map[string]int),
	}
}

func (s *fakeServer) add(conversationID, id, sender, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conversationID] = append(s.convs[conversationID], domain.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       sender,
		Content:        content,
		CreatedAt:      t0,
		ReadBy:         []string{},
	})
}

func (s *fakeServer) fetchCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches[conversationID]
}

func (s *fakeServer) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func (s *fakeServer) markCalls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.marks)
}

func (s *fakeServer) client(userID string) *fakeClient {
	return &fakeClient{srv: s, userID: userID}
}

// fakeClient is the Persistence of one user.
type fakeClient struct {
	srv    *fakeServer
	userID string

	mu       sync.Mutex
	fetchErr error
	sendErr  error
	markErr  error
	onSend   func()
}

func (c *fakeClient) failFetch(err error) { c.mu.Lock(); c.fetchErr = err; c.mu.Unlock() }
func (c *fakeClient) failSend(err error)  { c.mu.Lock(); c.sendErr = err; c.mu.Unlock() }
func (c *fakeClient) failMark(err error)  { c.mu.Lock(); c.markErr = err; c.mu.Unlock() }

func (c *fakeClient) Fetch(_ context.Context, conversationID string) ([]domain.Message, error) {
	c.mu.Lock()
	err := c.fetchErr
	c.mu.Unlock()

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches[conversationID]++
	if err != nil {
		return nil, err
	}

	out := make([]domain.Message, 0, len(s.convs[conversationID]))
	for _, m := range s.convs[conversationID] {
		out = append(out, m.Clone())
	}
	return out, nil
}

func (c *fakeClient) Send(_ context.Context, conversationID, content string) (domain.Message, error) {
	c.mu.Lock()
	err, onSend := c.sendErr, c.onSend
	c.mu.Unlock()

	if onSend != nil {
		onSend()
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if err != nil {
		return domain.Message{}, err
	}

	s.seq++
	m := domain.Message{
		ID:             fmt.Sprintf("m%d", s.seq),
		ConversationID: conversationID,
		SenderID:       c.userID,
		Content:        content,
		CreatedAt:      t0.Add(time.Duration(s.seq) * time.Second),
		ReadBy:         []string{},
	}
	s.convs[conversationID] = append(s.convs[conversationID], m)
	return m.Clone(), nil
}

func (c *fakeClient) MarkRead(_ context.Context, conversationID string, ids []string) error {
	c.mu.Lock()
	err := c.markErr
	c.mu.Unlock()

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks = append(s.marks, slices.Clone(ids))
	if err != nil {
		return err
	}

	list := s.convs[conversationID]
	for i := range list {
		if list[i].SenderID != c.userID && slices.Contains(ids, list[i].ID) {
			list[i].AddReader(c.userID)
		}
	}
	return nil
}

type notifications struct {
	mu   sync.Mutex
	list []Notification
}

func (n *notifications) Notify(x Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, x)
}

func (n *notifications) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.list)
}

type engineOpts struct {
	disconnected bool
	pollInterval time.Duration
	notifier     Notifier
}

func newTestEngine(t *testing.T, hub *realtime.Hub, store Persistence, userID string, o engineOpts) *Engine {
	t.Helper()

	conn, err := hub.Dial(context.Background(), realtime.DialOptions{ClientID: userID})
	if err != nil {
		t.Fatal(err)
	}
	if !o.disconnected {
		if err := conn.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	e := NewEngine(store, conn, Options{
		Logger:       slogt.New(t),
		Notifier:     o.notifier,
		PollInterval: o.pollInterval,
		Now:          func() time.Time { return t0 },
	})
	t.Cleanup(func() {
		e.Close()
		conn.Close()
	})
	return e
}

// peerChannel is the chat channel of conversationID as seen by another client.
func peerChannel(t *testing.T, hub *realtime.Hub, clientID, conversationID string) realtime.Channel {
	t.Helper()
	c, err := hub.Dial(context.Background(), realtime.DialOptions{ClientID: clientID})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c.Channel(domain.ChatChannel(conversationID))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ids(list []domain.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func TestEngine_OpenLoadsHistory(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.add("c1", "m1", "b", "hey")
	srv.add("c1", "m2", "me", "hi")

	e := newTestEngine(t, realtime.NewHub(slogt.New(t)), srv.client("me"), "me", engineOpts{})
	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}

	st := e.State()
	if st.IsLoading || st.Err != nil || st.ConversationID != "c1" {
		t.Errorf("Got state %+v", st)
	}

	want := []domain.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "b", Content: "hey", CreatedAt: t0, ReadBy: []string{"me"}, Status: domain.StatusRead},
		{ID: "m2", ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: t0, ReadBy: []string{}, Status: domain.StatusDelivered},
	}
	if diff := cmp.Diff(want, st.Messages); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"m1"}}, srv.markCalls()); diff != "" {
		t.Errorf("MarkRead calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_SendMessage(t *testing.T) {
	tests := []struct {
		name         string
		disconnected bool
		wantStatus   domain.MessageStatus
	}{
		{name: "Connected", wantStatus: domain.StatusDelivered},
		{name: "Disconnected", disconnected: true, wantStatus: domain.StatusSent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			srv := newFakeServer()
			cli := srv.client("me")
			e := newTestEngine(t, realtime.NewHub(slogt.New(t)), cli, "me", engineOpts{disconnected: tt.disconnected})

			var during []domain.Message
			cli.onSend = func() { during = e.State().Messages }

			if err := e.Open(ctx, "me", "c1"); err != nil {
				t.Fatal(err)
			}
			if err := e.SendMessage(ctx, "  hello \n"); err != nil {
				t.Fatal(err)
			}

			if len(during) != 1 {
				t.Fatalf("Got %d entries while sending, want 1", len(during))
			}
			temp := during[0]
			if !domain.IsTempID(temp.ID) || temp.Status != domain.StatusSending || temp.Content != "hello" || temp.SenderID != "me" {
				t.Errorf("Got pending entry %+v", temp)
			}

			got := e.State().Messages
			if diff := cmp.Diff([]string{"m1"}, ids(got)); diff != "" {
				t.Fatalf("Messages mismatch (-want +got):\n%s", diff)
			}
			if got[0].Status != tt.wantStatus {
				t.Errorf("Got status %q, want %q", got[0].Status, tt.wantStatus)
			}
		})
	}
}

func TestEngine_SendIgnored(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	e := newTestEngine(t, realtime.NewHub(slogt.New(t)), srv.client("me"), "me", engineOpts{})

	if err := e.SendMessage(ctx, "hello"); err != nil {
		t.Errorf("SendMessage() without conversation: %v", err)
	}

	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}
	if err := e.SendMessage(ctx, " \t\n"); err != nil {
		t.Errorf("SendMessage() with blank content: %v", err)
	}

	if n := srv.sendCount(); n != 0 {
		t.Errorf("Got %d sends, want 0", n)
	}
	if n := len(e.State().Messages); n != 0 {
		t.Errorf("Got %d messages, want 0", n)
	}
}

func TestEngine_SendFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	cli := srv.client("me")
	notes := &notifications{}
	e := newTestEngine(t, realtime.NewHub(slogt.New(t)), cli, "me", engineOpts{notifier: notes})

	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}

	cli.failSend(domain.ErrInternalServerError)
	if err := e.SendMessage(ctx, "hello"); !errors.Is(err, domain.ErrInternalServerError) {
		t.Fatalf("SendMessage() error = %v, want ErrInternalServerError", err)
	}

	msgs := e.State().Messages
	if len(msgs) != 1 || msgs[0].Status != domain.StatusFailed {
		t.Fatalf("Got %+v, want one failed entry", msgs)
	}
	failedID := msgs[0].ID

	got := notes.all()
	if len(got) != 1 || got[0].MessageID != failedID || !errors.Is(got[0].Err, domain.ErrInternalServerError) {
		t.Errorf("Got notifications %+v", got)
	}

	if err := e.RetryMessage(ctx, failedID); err == nil {
		t.Error("RetryMessage() succeeded while the server is failing")
	}
	if st := e.State().Messages[0].Status; st != domain.StatusFailed {
		t.Errorf("Got status %q after failed retry, want failed", st)
	}
	if n := len(notes.all()); n != 2 {
		t.Errorf("Got %d notifications, want 2", n)
	}

	cli.failSend(nil)
	if err := e.RetryMessage(ctx, failedID); err != nil {
		t.Fatal(err)
	}

	msgs = e.State().Messages
	if diff := cmp.Diff([]string{"m1"}, ids(msgs)); diff != "" {
		t.Fatalf("Messages mismatch (-want +got):\n%s", diff)
	}
	if msgs[0].Status != domain.StatusDelivered {
		t.Errorf("Got status %q after retry, want delivered", msgs[0].Status)
	}

	sends := srv.sendCount()
	if err := e.RetryMessage(ctx, "m1"); err != nil {
		t.Errorf("RetryMessage() of a sent message: %v", err)
	}
	if err := e.RetryMessage(ctx, "nope"); err != nil {
		t.Errorf("RetryMessage() of an unknown id: %v", err)
	}
	if n := srv.sendCount(); n != sends {
		t.Errorf("Got %d sends, want %d", n, sends)
	}
}

func TestEngine_RetryPublishes(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub(slogt.New(t))
	srv := newFakeServer()
	cli := srv.client("me")
	e := newTestEngine(t, hub, cli, "me", engineOpts{})

	var published []string
	if _, err := peerChannel(t, hub, "b", "c1").Subscribe(string(domain.MessageEventType), func(m realtime.Message) {
		published = append(published, string(m.Data))
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}
	cli.failSend(errors.New("offline"))
	e.SendMessage(ctx, "hello")
	cli.failSend(nil)

	if err := e.RetryMessage(ctx, e.State().Messages[0].ID); err != nil {
		t.Fatal(err)
	}
	if len(published) != 1 || !strings.Contains(published[0], `"id":"m1"`) {
		t.Errorf("Got published %q, want one message event for m1", published)
	}
}

func TestEngine_AcknowledgeRead(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.add("c1", "m1", "b", "one")
	srv.add("c1", "m2", "b", "two")
	cli := srv.client("me")
	e := newTestEngine(t, realtime.NewHub(slogt.New(t)), cli, "me", engineOpts{})

	cli.failMark(errors.New("offline"))
	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}
	cli.failMark(nil)

	for i := 0; i < 2; i++ {
		n, err := e.AcknowledgeRead(ctx)
		if err != nil || n != 0 {
			t.Errorf("AcknowledgeRead() = %d, %v; want 0, nil", n, err)
		}
	}
	if diff := cmp.Diff([][]string{{"m1", "m2"}}, srv.markCalls()); diff != "" {
		t.Errorf("MarkRead calls mismatch (-want +got):\n%s", diff)
	}

	srv.add("c1", "m3", "b", "three")
	if err := e.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]string{{"m1", "m2"}, {"m3"}}, srv.markCalls()); diff != "" {
		t.Errorf("MarkRead calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_Typing(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub(slogt.New(t))
	e := newTestEngine(t, hub, newFakeServer().client("me"), "me", engineOpts{})
	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}

	peer := peerChannel(t, hub, "b", "c1")
	var seen []domain.TypingEvent
	if _, err := peer.Subscribe(string(domain.TypingEventType), func(m realtime.Message) {
		ev, err := domain.DecodeEvent(m.Name, m.Data)
		if err != nil {
			t.Errorf("DecodeEvent() error: %v", err)
			return
		}
		seen = append(seen, ev.(domain.TypingEvent))
	}); err != nil {
		t.Fatal(err)
	}

	peer.Publish(ctx, string(domain.TypingEventType), domain.TypingEvent{UserID: "b", IsTyping: true})
	if !e.State().IsTyping {
		t.Fatal("IsTyping is false after the peer started typing")
	}

	peer.Publish(ctx, string(domain.TypingEventType), domain.TypingEvent{UserID: "me", IsTyping: false})
	if !e.State().IsTyping {
		t.Error("A typing event of the current user changed IsTyping")
	}

	if err := e.SetTyping(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !e.State().IsTyping {
		t.Error("The engine reacted to its own typing event")
	}

	peer.Publish(ctx, string(domain.TypingEventType), domain.TypingEvent{UserID: "b", IsTyping: false})
	if e.State().IsTyping {
		t.Error("IsTyping is true after the peer stopped typing")
	}

	want := domain.TypingEvent{UserID: "me", ConversationID: "c1", IsTyping: true}
	if !slices.Contains(seen, want) {
		t.Errorf("SetTyping() was not published, got %+v", seen)
	}
}

func TestEngine_ReadReceipts(t *testing.T) {
	tests := []struct {
		name    string
		receipt domain.ReadReceiptEvent
		want    domain.MessageStatus
	}{
		{
			name:    "Applied",
			receipt: domain.ReadReceiptEvent{ConversationID: "c1", ReaderID: "b", MessageIDs: []string{"m1"}},
			want:    domain.StatusRead,
		},
		{
			name:    "OtherConversation",
			receipt: domain.ReadReceiptEvent{ConversationID: "c2", ReaderID: "b", MessageIDs: []string{"m1"}},
			want:    domain.StatusDelivered,
		},
		{
			name:    "FromSelf",
			receipt: domain.ReadReceiptEvent{ConversationID: "c1", ReaderID: "me", MessageIDs: []string{"m1"}},
			want:    domain.StatusDelivered,
		},
		{
			name:    "OtherMessage",
			receipt: domain.ReadReceiptEvent{ConversationID: "c1", ReaderID: "b", MessageIDs: []string{"m9"}},
			want:    domain.StatusDelivered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			hub := realtime.NewHub(slogt.New(t))
			srv := newFakeServer()
			srv.add("c1", "m1", "me", "hi")

			e := newTestEngine(t, hub, srv.client("me"), "me", engineOpts{})
			if err := e.Open(ctx, "me", "c1"); err != nil {
				t.Fatal(err)
			}

			peer := peerChannel(t, hub, "b", "c1")
			if err := peer.Publish(ctx, string(domain.ReadReceiptEventType), tt.receipt); err != nil {
				t.Fatal(err)
			}

			m := e.State().Messages[0]
			if m.Status != tt.want {
				t.Errorf("Got status %q, want %q", m.Status, tt.want)
			}
			if read := m.ReadByUser(tt.receipt.ReaderID); read != (tt.want == domain.StatusRead) {
				t.Errorf("Got ReadBy %v", m.ReadBy)
			}
		})
	}
}

func TestEngine_DropsMalformedEvents(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub(slogt.New(t))
	e := newTestEngine(t, hub, newFakeServer().client("me"), "me", engineOpts{})
	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}

	peer := peerChannel(t, hub, "b", "c1")
	peer.Publish(ctx, string(domain.MessageEventType), []byte(`{"content":"no id"}`))
	peer.Publish(ctx, string(domain.MessageEventType), []byte(`not json`))

	if n := len(e.State().Messages); n != 0 {
		t.Errorf("Got %d messages from malformed events, want 0", n)
	}
}

func TestEngine_SwitchConversation(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub(slogt.New(t))
	srv := newFakeServer()
	srv.add("c1", "c1-1", "b", "in one")
	srv.add("c2", "c2-1", "b", "in two")
	cli := srv.client("me")
	e := newTestEngine(t, hub, cli, "me", engineOpts{})

	cli.failMark(errors.New("offline"))
	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}
	cli.failMark(nil)

	if err := e.Open(ctx, "me", "c2"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c2-1"}, ids(e.State().Messages)); diff != "" {
		t.Errorf("Messages mismatch after switch (-want +got):\n%s", diff)
	}

	late := domain.MessageEvent{Message: domain.Message{ID: "late", ConversationID: "c1", SenderID: "b", Content: "late"}}
	peerChannel(t, hub, "b", "c1").Publish(ctx, string(domain.MessageEventType), late)
	peerChannel(t, hub, "b2", "c2").Publish(ctx, string(domain.MessageEventType), late)
	if diff := cmp.Diff([]string{"c2-1"}, ids(e.State().Messages)); diff != "" {
		t.Errorf("An event for c1 reached c2 (-want +got):\n%s", diff)
	}

	// Going back starts from an empty acknowledged set, so c1-1 is tried again.
	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}
	want := [][]string{{"c1-1"}, {"c2-1"}, {"c1-1"}}
	if diff := cmp.Diff(want, srv.markCalls()); diff != "" {
		t.Errorf("MarkRead calls mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_Poll(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	srv.add("c1", "m1", "b", "one")
	e := newTestEngine(t, realtime.NewHub(slogt.New(t)), srv.client("me"), "me", engineOpts{pollInterval: 10 * time.Millisecond})

	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}

	srv.add("c1", "m2", "b", "two")
	eventually(t, "the poll to pick up m2", func() bool { return len(e.State().Messages) == 2 })

	if err := e.Open(ctx, "me", "c2"); err != nil {
		t.Fatal(err)
	}
	n := srv.fetchCount("c1")
	time.Sleep(50 * time.Millisecond)
	if got := srv.fetchCount("c1"); got != n {
		t.Errorf("c1 was fetched %d more times after the switch", got-n)
	}
	if srv.fetchCount("c2") < 2 {
		t.Error("c2 is not being polled")
	}
}

func TestEngine_FetchError(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	cli := srv.client("me")
	e := newTestEngine(t, realtime.NewHub(slogt.New(t)), cli, "me", engineOpts{})

	cli.failFetch(domain.ErrNotFound)
	if err := e.Open(ctx, "me", "c1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Open() error = %v, want ErrNotFound", err)
	}
	if st := e.State(); !errors.Is(st.Err, domain.ErrNotFound) || st.IsLoading {
		t.Errorf("Got state %+v", st)
	}

	cli.failFetch(nil)
	if err := e.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if st := e.State(); st.Err != nil {
		t.Errorf("Err is still %v after a successful refresh", st.Err)
	}
}

func TestEngine_Close(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub(slogt.New(t))
	srv := newFakeServer()
	e := newTestEngine(t, hub, srv.client("me"), "me", engineOpts{})
	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}

	e.Close()

	ev := domain.MessageEvent{Message: domain.Message{ID: "m1", ConversationID: "c1", SenderID: "b", Content: "hi"}}
	peerChannel(t, hub, "b", "c1").Publish(ctx, string(domain.MessageEventType), ev)
	if n := len(e.State().Messages); n != 0 {
		t.Errorf("Got %d messages after Close, want 0", n)
	}
	if err := e.Open(ctx, "me", "c1"); !errors.Is(err, domain.ErrChannelClosed) {
		t.Errorf("Open() after Close = %v, want ErrChannelClosed", err)
	}
	if err := e.SendMessage(ctx, "hi"); err != nil || srv.sendCount() != 0 {
		t.Errorf("SendMessage() after Close = %v with %d sends", err, srv.sendCount())
	}
}

func TestEngine_EndToEnd(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub(slogt.New(t))
	srv := newFakeServer()
	aCli := srv.client("a")

	a := newTestEngine(t, hub, aCli, "a", engineOpts{})
	b := newTestEngine(t, hub, srv.client("b"), "b", engineOpts{})
	if err := a.Open(ctx, "a", "x"); err != nil {
		t.Fatal(err)
	}
	if err := b.Open(ctx, "b", "x"); err != nil {
		t.Fatal(err)
	}

	var pending []domain.Message
	aCli.onSend = func() { pending = a.State().Messages }

	if err := a.SendMessage(ctx, "hello"); err != nil {
		t.Fatal(err)
	}

	if len(pending) != 1 || !domain.IsTempID(pending[0].ID) || pending[0].Status != domain.StatusSending {
		t.Fatalf("Got %+v while sending, want one pending entry", pending)
	}

	gotA := a.State().Messages
	if diff := cmp.Diff([]string{"m1"}, ids(gotA)); diff != "" {
		t.Fatalf("A messages mismatch (-want +got):\n%s", diff)
	}
	if gotA[0].Status != domain.StatusRead || !gotA[0].ReadByUser("b") {
		t.Errorf("Got A's m1 %+v, want read by b", gotA[0])
	}

	gotB := b.State().Messages
	if diff := cmp.Diff([]string{"m1"}, ids(gotB)); diff != "" {
		t.Fatalf("B messages mismatch (-want +got):\n%s", diff)
	}
	if gotB[0].Content != "hello" || !gotB[0].ReadByUser("b") {
		t.Errorf("Got B's m1 %+v", gotB[0])
	}

	if diff := cmp.Diff([][]string{{"m1"}}, srv.markCalls()); diff != "" {
		t.Errorf("MarkRead calls mismatch (-want +got):\n%s", diff)
	}
}

// gatedClient holds the next Fetch after it has read the server, until the
// test releases it.
type gatedClient struct {
	*fakeClient

	mu    sync.Mutex
	taken chan struct{}
	gate  chan struct{}
}

func (g *gatedClient) hold() (taken, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.taken, g.gate = make(chan struct{}), make(chan struct{})
	return g.taken, g.gate
}

func (g *gatedClient) Fetch(ctx context.Context, conversationID string) ([]domain.Message, error) {
	out, err := g.fakeClient.Fetch(ctx, conversationID)

	g.mu.Lock()
	taken, gate := g.taken, g.gate
	g.taken, g.gate = nil, nil
	g.mu.Unlock()

	if gate != nil {
		close(taken)
		<-gate
	}
	return out, err
}

func TestEngine_SlowRefreshKeepsNewerMessages(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub(slogt.New(t))
	srv := newFakeServer()
	cli := &gatedClient{fakeClient: srv.client("me")}
	e := newTestEngine(t, hub, cli, "me", engineOpts{})

	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}

	taken, release := cli.hold()
	done := make(chan error, 1)
	go func() { done <- e.Refresh(ctx) }()
	<-taken

	srv.add("c1", "m9", "b", "late")
	ev := domain.MessageEvent{Message: domain.Message{ID: "m9", ConversationID: "c1", SenderID: "b", Content: "late", CreatedAt: t0}}
	if err := peerChannel(t, hub, "b", "c1").Publish(ctx, string(domain.MessageEventType), ev); err != nil {
		t.Fatal(err)
	}
	if err := e.SendMessage(ctx, "mine"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"m9", "m1"}, ids(e.State().Messages)); diff != "" {
		t.Fatalf("Messages before refresh completes mismatch (-want +got):\n%s", diff)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"m9", "m1"}, ids(e.State().Messages)); diff != "" {
		t.Errorf("Messages after slow refresh mismatch (-want +got):\n%s", diff)
	}

	if err := e.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"m9", "m1"}, ids(e.State().Messages)); diff != "" {
		t.Errorf("Messages after next refresh mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_RetryAfterClose(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	cli := srv.client("me")
	e := newTestEngine(t, realtime.NewHub(slogt.New(t)), cli, "me", engineOpts{notifier: &notifications{}})

	if err := e.Open(ctx, "me", "c1"); err != nil {
		t.Fatal(err)
	}
	cli.failSend(errors.New("offline"))
	e.SendMessage(ctx, "hello")
	cli.failSend(nil)
	failedID := e.State().Messages[0].ID
	sends := srv.sendCount()

	e.Close()

	if err := e.RetryMessage(ctx, failedID); err != nil {
		t.Errorf("RetryMessage() after Close = %v", err)
	}
	if n := srv.sendCount(); n != sends {
		t.Errorf("Got %d sends after Close, want %d", n, sends)
	}
	if st := e.State().Messages[0].Status; st != domain.StatusFailed {
		t.Errorf("Got status %q, want failed", st)
	}
}
