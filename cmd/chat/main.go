package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ReilBleem13/ShopChat/internal/chat"
	"github.com/ReilBleem13/ShopChat/internal/config"
	"github.com/ReilBleem13/ShopChat/internal/domain"
	"github.com/ReilBleem13/ShopChat/internal/persistence"
	"github.com/ReilBleem13/ShopChat/internal/presence"
	"github.com/ReilBleem13/ShopChat/internal/realtime"
	rtredis "github.com/ReilBleem13/ShopChat/internal/realtime/redis"
	"github.com/ReilBleem13/ShopChat/internal/realtime/ws"
	"github.com/ReilBleem13/ShopChat/internal/repository/cache"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

type options struct {
	conversation string
	user         string
	name         string
	transport    string
}

func main() {
	var opts options
	flag.StringVar(&opts.conversation, "conversation", "", "conversation id to open")
	flag.StringVar(&opts.user, "user", "", "your user id")
	flag.StringVar(&opts.name, "name", "", "display name shown to others")
	flag.StringVar(&opts.transport, "transport", "ws", "realtime transport: ws or redis")
	flag.Parse()

	if opts.conversation == "" || opts.user == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		slog.Error("Chat stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, opts options, logger *slog.Logger) error {
	api := persistence.New(cfg.APIURL, cfg.Token, persistence.WithLogger(logger))

	dialer, token, err := newDialer(ctx, cfg, api, opts.transport, logger)
	if err != nil {
		return err
	}
	if opts.transport == "redis" {
		defer cache.Close()
	}

	conn, err := dialer.Dial(ctx, realtime.DialOptions{ClientID: opts.user, Token: token})
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	if err := conn.Connect(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("connect realtime: %w", err)
	}

	out := os.Stdout

	store := presence.NewStore(dialer, presence.Options{Logger: logger})
	if err := store.Initialize(ctx, presence.Session{UserID: opts.user, Name: opts.name, Token: token}); err != nil {
		logger.Warn("Failed to initialize presence", "error", err)
	}

	engine := chat.NewEngine(api, conn, chat.Options{
		Logger:       logger,
		PollInterval: cfg.PollInterval,
		Notifier: chat.NotifierFunc(func(n chat.Notification) {
			fmt.Fprintf(out, "! %s (%s): %v\n", n.Text, n.MessageID, n.Err)
		}),
	})
	if err := engine.Open(ctx, opts.user, opts.conversation); err != nil {
		logger.Warn("Failed to load conversation", "conversation_id", opts.conversation, "error", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return render(ctx, out, logger, engine, store)
	})
	eg.Go(func() error {
		return readInput(ctx, os.Stdin, out, logger, engine, store)
	})

	err = eg.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		err = nil
	}

	engine.Close()
	return multierr.Combine(err, store.Cleanup(context.Background()), conn.Close())
}

func newDialer(ctx context.Context, cfg *config.ClientConfig, api *persistence.Client, transport string, logger *slog.Logger) (realtime.Dialer, string, error) {
	switch transport {
	case "redis":
		if err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
			return nil, "", err
		}
		return rtredis.NewDialer(cache.Client(), rtredis.Options{Logger: logger}), "", nil

	case "ws":
		u, err := gatewayURL(cfg.APIURL)
		if err != nil {
			return nil, "", err
		}
		token, err := api.RealtimeToken(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("get realtime token: %w", err)
		}
		return ws.NewDialer(ws.Options{URL: u, Logger: logger}), token.Token, nil
	}
	return nil, "", fmt.Errorf("unknown transport %q", transport)
}

// render prints messages as they appear or change status, along with the
// typing indicator and roster size. Newly shown messages are acknowledged
// as read.
func render(ctx context.Context, out io.Writer, logger *slog.Logger, engine *chat.Engine, store *presence.Store) error {
	printed := make(map[string]domain.MessageStatus)
	typing := false
	online := -1
	var lastErr string

	for {
		st := engine.State()
		fresh := 0
		for _, m := range st.Messages {
			status, ok := printed[m.ID]
			if ok && status == m.Status {
				continue
			}
			if !ok {
				fresh++
			}
			printed[m.ID] = m.Status
			fmt.Fprintf(out, "[%s] %s: %s  (%s)\n", m.Status, m.SenderID, m.Content, m.ID)
		}
		if fresh > 0 {
			if _, err := engine.AcknowledgeRead(ctx); err != nil {
				logger.Debug("Read acknowledgement failed", "error", err)
			}
		}
		if st.IsTyping != typing {
			typing = st.IsTyping
			if typing {
				fmt.Fprintln(out, "... typing")
			}
		}
		if st.Err != nil && st.Err.Error() != lastErr {
			lastErr = st.Err.Error()
			fmt.Fprintf(out, "! %s\n", lastErr)
		} else if st.Err == nil {
			lastErr = ""
		}
		if n := store.OnlineUserCount(); n != online {
			online = n
			fmt.Fprintf(out, "* %d online\n", n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-engine.Changes():
		case <-store.Changes():
		}
	}
}

func readInput(ctx context.Context, in io.Reader, out io.Writer, logger *slog.Logger, engine *chat.Engine, store *presence.Store) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = l
		}

		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}

		switch cmd.kind {
		case cmdSend:
			if err := engine.SendMessage(ctx, cmd.arg); err != nil {
				logger.Debug("Send failed", "error", err)
			}
		case cmdRetry:
			if err := engine.RetryMessage(ctx, cmd.arg); err != nil {
				logger.Debug("Retry failed", "error", err)
			}
		case cmdStatus:
			status := domain.PresenceStatus(cmd.arg)
			if !status.Valid() {
				fmt.Fprintf(out, "unknown status %q\n", cmd.arg)
				continue
			}
			if err := store.UpdateStatus(ctx, status); err != nil {
				fmt.Fprintf(out, "! status not updated: %v\n", err)
			}
		case cmdWho:
			for _, u := range store.OnlineUsers() {
				name := u.Name
				if name == "" {
					name = u.ID
				}
				fmt.Fprintf(out, "  %s (%s)\n", name, u.Status)
			}
		case cmdHelp:
			fmt.Fprintln(out, "/retry <id>  /status <online|away|busy>  /who  /quit")
		case cmdQuit:
			return errQuit
		}
	}
}
