package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/realtime"
	"github.com/ReilBleem13/ShopChat/internal/realtime/ws"
	"github.com/ReilBleem13/ShopChat/internal/utils"
	"golang.org/x/sync/errgroup"
)

const loadChannel = "chat:load"

var (
	url      = flag.String("url", "ws://127.0.0.1:8080/ws", "gateway url")
	nConns   = flag.Int("conns", 1000, "number of websocket connections")
	parallel = flag.Int("parallel", 50, "connections opened at once")
	secret   = flag.String("secret", os.Getenv("JWT_SECRET"), "secret used to sign realtime tokens")
	interval = flag.Duration("interval", time.Second, "publish interval")
)

func main() {
	flag.Parse()

	if *secret == "" {
		slog.Error("JWT secret is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Load run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	dialer := ws.NewDialer(ws.Options{URL: *url})

	var (
		mu        sync.Mutex
		conns     []realtime.Connection
		delivered atomic.Int64
	)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(*parallel)
	for i := 0; i < *nConns; i++ {
		userID := fmt.Sprintf("load-%d", i)
		eg.Go(func() error {
			token, _, err := utils.GenerateToken(userID, utils.ScopeRealtime, *secret, time.Hour)
			if err != nil {
				return err
			}
			conn, err := dialer.Dial(egCtx, realtime.DialOptions{ClientID: userID, Token: token})
			if err != nil {
				return err
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()

			if err := conn.Connect(egCtx); err != nil {
				return fmt.Errorf("connect %s: %w", userID, err)
			}
			_, err = conn.Channel(loadChannel).Subscribe("", func(realtime.Message) {
				delivered.Add(1)
			})
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	slog.Info("All connections established", "count", len(conns))

	if len(conns) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	publisher := conns[0].Channel(loadChannel)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var seq, last int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			seq++
			if err := publisher.Publish(ctx, "tick", map[string]int64{"seq": seq}); err != nil {
				slog.Warn("Failed to publish", "seq", seq, "error", err)
				continue
			}
			n := delivered.Load()
			slog.Info("Deliveries", "published", seq, "delivered", n, "since_last", n-last)
			last = n
		}
	}
}
