package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
	"github.com/gorilla/websocket"
)

type Options struct {
	// URL of the gateway, e.g. ws://localhost:8080/ws.
	URL    string
	Dialer *websocket.Dialer
	// ConnectAttempts bounds the retries made by Connect. Defaults to 5.
	ConnectAttempts uint64
	// ReconnectInterval is the first backoff step after the socket drops.
	// Defaults to 500ms, doubling up to 30s.
	ReconnectInterval time.Duration
	// SuspendAfter is how long a connection stays disconnected before it is
	// reported as suspended. Defaults to 2m.
	SuspendAfter time.Duration
	// RequestTimeout bounds the wait for the server's answer. Defaults to 10s.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.ConnectAttempts == 0 {
		o.ConnectAttempts = 5
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 500 * time.Millisecond
	}
	if o.SuspendAfter <= 0 {
		o.SuspendAfter = 2 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type Dialer struct {
	opts Options
}

func NewDialer(opts Options) *Dialer {
	opts.setDefaults()
	return &Dialer{opts: opts}
}

// Dial prepares a connection authenticated with opts.Token, which the
// gateway checks on every (re)connect.
func (d *Dialer) Dial(_ context.Context, opts realtime.DialOptions) (realtime.Connection, error) {
	if opts.Token == "" {
		return nil, domain.ErrUnauthorizedError.WithMessage("Realtime token is required")
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)

	return &Conn{
		StateTracker: realtime.NewStateTracker(),
		opts:         d.opts,
		logger:       d.opts.Logger.With("client_id", opts.ClientID),
		clientID:     opts.ClientID,
		header:       header,
		pending:      make(map[uint64]chan Frame),
		channels:     make(map[string]*channel),
		subs:         make(map[string][]*sub),
		presenceSubs: make(map[string][]*sub),
		entered:      make(map[string]json.RawMessage),
	}, nil
}
