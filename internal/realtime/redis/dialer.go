// Package redis implements the realtime transport on Redis pub/sub. Presence
// sets live in hashes keyed by connection id.
package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Options struct {
	// Prefix namespaces every key and pub/sub channel. Defaults to "rt".
	Prefix string
	// HeartbeatInterval is the period of the health check and of presence
	// refreshes. Defaults to 10s.
	HeartbeatInterval time.Duration
	// SuspendAfter is how long a connection stays disconnected before it is
	// reported as suspended. Defaults to 2m.
	SuspendAfter time.Duration
	// MemberTTL is the age after which a presence member that stopped
	// refreshing is dropped. Defaults to three heartbeats.
	MemberTTL time.Duration
	// ConnectAttempts bounds the ping retries made by Connect. Defaults to 5.
	ConnectAttempts uint64
	Logger          *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "rt"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.SuspendAfter <= 0 {
		o.SuspendAfter = 2 * time.Minute
	}
	if o.MemberTTL <= 0 {
		o.MemberTTL = 3 * o.HeartbeatInterval
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dialer opens realtime connections over a shared Redis client. Closing a
// connection does not close the client.
type Dialer struct {
	cli  *redis.Client
	opts Options
}

func NewDialer(cli *redis.Client, opts Options) *Dialer {
	opts.setDefaults()
	return &Dialer{cli: cli, opts: opts}
}

// Dial does not check opts.Token: sockets are authenticated before they reach
// the transport.
func (d *Dialer) Dial(_ context.Context, opts realtime.DialOptions) (realtime.Connection, error) {
	if opts.ClientID == "" {
		return nil, domain.ErrUnauthorizedError.WithMessage("Client id is required")
	}

	id := uuid.NewString()
	return &Conn{
		StateTracker: realtime.NewStateTracker(),
		cli:          d.cli,
		opts:         d.opts,
		logger:       d.opts.Logger.With("connection_id", id, "client_id", opts.ClientID),
		id:           id,
		clientID:     opts.ClientID,
		channels:     make(map[string]*channel),
		subs:         make(map[string][]*sub),
		attached:     make(map[string]*attachment),
		entered:      make(map[string]realtime.PresenceMessage),
	}, nil
}
