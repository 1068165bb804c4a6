// Package presence keeps the roster of online users in sync with a realtime
// presence channel across connects, drops and reconnects.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
	"go.uber.org/multierr"
)

// Session identifies the signed-in user announced on the presence channel.
type Session struct {
	UserID   string
	Name     string
	Username string
	Image    string
	// Token authenticates the realtime connection when the transport
	// requires one.
	Token string
}

type Options struct {
	Logger *slog.Logger
	// Channel is the presence channel name. Defaults to domain.GlobalPresenceChannel.
	Channel string
	Now     func() time.Time
}

// Store owns one realtime connection at a time and the roster derived from
// it. Handlers left over from a previous connection are recognised by their
// generation and ignored.
type Store struct {
	dialer  realtime.Dialer
	logger  *slog.Logger
	channel string
	now     func() time.Time
	changes chan struct{}

	// lifecycle serializes Initialize and Cleanup. At most one connection
	// is owned at a time.
	lifecycle sync.Mutex

	mu            sync.Mutex
	gen           uint64
	conn          realtime.Connection
	cancel        context.CancelFunc
	session       Session
	stateSub      realtime.Subscription
	presenceSub   realtime.Subscription
	roster        map[string]domain.PresenceUser
	connUsers     map[string]string
	currentStatus domain.PresenceStatus
	connected     bool
	connErr       string
}

func NewStore(dialer realtime.Dialer, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Channel == "" {
		opts.Channel = domain.GlobalPresenceChannel
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		dialer:        dialer,
		logger:        opts.Logger,
		channel:       opts.Channel,
		now:           opts.Now,
		changes:       make(chan struct{}, 1),
		roster:        make(map[string]domain.PresenceUser),
		connUsers:     make(map[string]string),
		currentStatus: domain.PresenceOnline,
	}
}

// Initialize connects as the session's user. It does nothing for a session
// without a user id and tears down any previous connection first.
func (s *Store) Initialize(ctx context.Context, session Session) error {
	if session.UserID == "" {
		s.logger.Debug("Skipping presence, no user in session")
		return nil
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.cleanup(ctx); err != nil {
		s.logger.Warn("Failed to clean up previous presence connection", "error", err)
	}

	conn, err := s.dialer.Dial(ctx, realtime.DialOptions{ClientID: session.UserID, Token: session.Token})
	if err != nil {
		s.mu.Lock()
		s.connErr = err.Error()
		s.mu.Unlock()
		s.notify()
		return fmt.Errorf("dial: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.conn = conn
	s.cancel = cancel
	s.session = session
	s.connErr = ""
	s.currentStatus = domain.PresenceOnline
	s.mu.Unlock()

	sub := conn.OnStateChange(func(sc realtime.StateChange) {
		s.handleState(runCtx, gen, conn, sc)
	})

	s.mu.Lock()
	if s.gen == gen {
		s.stateSub = sub
	}
	s.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *Store) handleState(ctx context.Context, gen uint64, conn realtime.Connection, sc realtime.StateChange) {
	switch sc.Current {
	case realtime.StateConnected:
		s.onConnected(ctx, gen, conn)

	case realtime.StateDisconnected, realtime.StateSuspended, realtime.StateClosed:
		s.setConnected(gen, false, "")

	case realtime.StateFailed:
		msg := "connection failed"
		if sc.Reason != nil {
			msg = sc.Reason.Error()
		}
		s.logger.Error("Presence connection failed", "error", msg)
		s.setConnected(gen, false, msg)
	}
}

// onConnected runs on every (re)connect: listeners are registered once per
// connection, the user is announced, and the roster is replaced with the
// fetched member set to make up for events missed while offline.
func (s *Store) onConnected(ctx context.Context, gen uint64, conn realtime.Connection) {
	p := conn.Channel(s.channel).Presence()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	subscribe := s.presenceSub == nil
	s.mu.Unlock()

	if subscribe {
		sub, err := p.Subscribe("", func(m realtime.PresenceMessage) { s.handlePresence(gen, m) })
		if err != nil {
			s.logger.Error("Failed to subscribe to presence", "error", err)
		} else {
			s.mu.Lock()
			if s.gen == gen {
				s.presenceSub = sub
			}
			s.mu.Unlock()
		}
	}

	if err := s.EnterPresence(ctx, s.selfPayload(domain.PresenceOnline)); err != nil {
		s.logger.Error("Failed to enter presence", "error", err)
	}

	members, err := p.Get(ctx)
	if err != nil {
		s.logger.Error("Failed to get presence members", "error", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.roster = make(map[string]domain.PresenceUser, len(members))
		s.connUsers = make(map[string]string, len(members))
		for _, m := range members {
			payload, ok := s.decode(m)
			if !ok {
				continue
			}
			u := s.toUser(m, payload)
			s.roster[u.ID] = u
			s.connUsers[m.ConnectionID] = u.ID
		}
	}
	s.currentStatus = domain.PresenceOnline
	s.connected = true
	s.connErr = ""
	s.mu.Unlock()

	s.logger.Info("Presence connected", "members", len(members))
	s.notify()
}

func (s *Store) handlePresence(gen uint64, m realtime.PresenceMessage) {
	payload, ok := s.decode(m)
	if !ok && m.Action != realtime.PresenceLeave {
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}

	switch m.Action {
	case realtime.PresenceEnter, realtime.PresencePresent:
		u := s.toUser(m, payload)
		s.roster[u.ID] = u
		s.connUsers[m.ConnectionID] = u.ID

	case realtime.PresenceUpdate:
		id := userKey(m, payload)
		u, ok := s.roster[id]
		if !ok {
			s.mu.Unlock()
			s.logger.Debug("Dropping presence update for unknown user", "user_id", id)
			return
		}
		s.roster[id] = s.merge(u, payload)

	case realtime.PresenceLeave:
		id := payload.ID
		if id == "" {
			id = s.connUsers[m.ConnectionID]
		}
		if id == "" {
			id = m.ClientID
		}
		delete(s.roster, id)
		delete(s.connUsers, m.ConnectionID)
	}
	s.mu.Unlock()

	s.notify()
}

func (s *Store) decode(m realtime.PresenceMessage) (domain.PresencePayload, bool) {
	var p domain.PresencePayload
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return p, true
	}
	if err := json.Unmarshal(m.Data, &p); err != nil {
		s.logger.Warn("Dropping malformed presence payload", "client_id", m.ClientID, "action", m.Action, "error", err)
		return p, false
	}
	if p.Status != "" && !p.Status.Valid() {
		s.logger.Warn("Dropping presence payload with unknown status", "client_id", m.ClientID, "status", p.Status)
		return p, false
	}
	return p, true
}

func userKey(m realtime.PresenceMessage, p domain.PresencePayload) string {
	if p.ID != "" {
		return p.ID
	}
	return m.ClientID
}

func (s *Store) toUser(m realtime.PresenceMessage, p domain.PresencePayload) domain.PresenceUser {
	u := domain.PresenceUser{
		ID:           userKey(m, p),
		ClientID:     m.ClientID,
		ConnectionID: m.ConnectionID,
		Name:         p.Name,
		Username:     p.Username,
		Image:        p.Image,
		Status:       p.Status,
		LastSeen:     p.Timestamp,
		Data:         p.Data,
	}
	if u.Status == "" {
		u.Status = domain.PresenceOnline
	}
	if u.LastSeen.IsZero() {
		u.LastSeen = s.now()
	}
	return u
}

// merge applies a partial update. Fields missing from p keep their value.
func (s *Store) merge(u domain.PresenceUser, p domain.PresencePayload) domain.PresenceUser {
	if p.Status != "" {
		u.Status = p.Status
	}
	if p.Timestamp.IsZero() {
		u.LastSeen = s.now()
	} else {
		u.LastSeen = p.Timestamp
	}
	if len(p.Data) > 0 {
		u.Data = p.Data
	}
	if p.Name != "" {
		u.Name = p.Name
	}
	if p.Username != "" {
		u.Username = p.Username
	}
	if p.Image != "" {
		u.Image = p.Image
	}
	return u
}

func (s *Store) selfPayload(status domain.PresenceStatus) domain.PresencePayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	return domain.PresencePayload{
		ID:        s.session.UserID,
		Name:      s.session.Name,
		Username:  s.session.Username,
		Image:     s.session.Image,
		Status:    status,
		Timestamp: s.now(),
	}
}

func (s *Store) setConnected(gen uint64, connected bool, connErr string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	if connErr != "" {
		s.connErr = connErr
	}
	s.mu.Unlock()

	s.notify()
}

// UpdateStatus announces a new status for the current user. The roster entry
// changes when the update comes back on the presence channel.
func (s *Store) UpdateStatus(ctx context.Context, status domain.PresenceStatus) error {
	if !status.Valid() {
		return domain.ErrInvalidRequest.WithMessage(fmt.Sprintf("Unknown presence status %q", status))
	}

	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.mu.Unlock()

	if conn == nil || !connected {
		return domain.ErrNotConnected
	}

	if err := conn.Channel(s.channel).Presence().Update(ctx, s.selfPayload(status)); err != nil {
		s.logger.Error("Failed to update presence status", "status", status, "error", err)
		return fmt.Errorf("update status: %w", err)
	}

	s.mu.Lock()
	s.currentStatus = status
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Store) EnterPresence(ctx context.Context, data domain.PresencePayload) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return domain.ErrNotConnected
	}
	return conn.Channel(s.channel).Presence().Enter(ctx, data)
}

func (s *Store) LeavePresence(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Channel(s.channel).Presence().Leave(ctx)
}

// Cleanup leaves presence, removes the listeners, closes the connection and
// resets the store. Without a connection it does nothing.
func (s *Store) Cleanup(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	return s.cleanup(ctx)
}

func (s *Store) cleanup(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	stateSub, presenceSub, cancel := s.stateSub, s.presenceSub, s.cancel

	s.gen++
	s.conn = nil
	s.cancel = nil
	s.stateSub = nil
	s.presenceSub = nil
	s.session = Session{}
	s.roster = make(map[string]domain.PresenceUser)
	s.connUsers = make(map[string]string)
	s.currentStatus = domain.PresenceOnline
	s.connected = false
	s.connErr = ""
	s.mu.Unlock()

	var err error
	if conn.State() == realtime.StateConnected {
		err = multierr.Append(err, conn.Channel(s.channel).Presence().Leave(ctx))
	}
	if presenceSub != nil {
		presenceSub.Unsubscribe()
	}
	conn.Channel(s.channel).Presence().Unsubscribe()
	if stateSub != nil {
		stateSub.Unsubscribe()
	}
	err = multierr.Append(err, conn.Close())
	if cancel != nil {
		cancel()
	}

	s.notify()
	return err
}

// Changes signals after any state change. Signals are coalesced, so a reader
// should re-read the state it cares about.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// OnlineUsers returns the roster ordered by user id.
func (s *Store) OnlineUsers() []domain.PresenceUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.PresenceUser, 0, len(s.roster))
	for _, u := range s.roster {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.PresenceUser) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Store) OnlineUserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roster)
}

func (s *Store) UserByID(id string) (domain.PresenceUser, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.roster[id]
	return u, ok
}

func (s *Store) UsersByStatus(status domain.PresenceStatus) []domain.PresenceUser {
	return slices.DeleteFunc(s.OnlineUsers(), func(u domain.PresenceUser) bool { return u.Status != status })
}

func (s *Store) CurrentUserStatus() domain.PresenceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStatus
}

func (s *Store) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ConnectionError is the reason of the last failed connection, or "".
func (s *Store) ConnectionError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connErr
}
