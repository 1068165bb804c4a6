package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/config"
	rtredis "github.com/ReilBleem13/ShopChat/internal/realtime/redis"
	"github.com/ReilBleem13/ShopChat/internal/repository"
	"github.com/ReilBleem13/ShopChat/internal/repository/cache"
	"github.com/ReilBleem13/ShopChat/internal/repository/database"
	"github.com/ReilBleem13/ShopChat/internal/server"
	"github.com/ReilBleem13/ShopChat/internal/service"
	"github.com/ReilBleem13/ShopChat/internal/utils"
)

func main() {
	issueToken := flag.String("issue-token", "", "print an access token for the given user id and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	})))

	if *issueToken != "" {
		token, _, err := utils.GenerateToken(*issueToken, utils.ScopeAPI, cfg.JWT.Secret, cfg.JWT.AccessTTL())
		if err != nil {
			slog.Error("Failed to issue token", "error", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	if err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		return err
	}
	defer cache.Close()
	slog.Info("Redis inited")

	if err := database.NewPostgresClient(ctx, cfg.Database.DSN()); err != nil {
		return err
	}
	defer database.Client().Close()
	slog.Info("Database inited")

	if err := database.Migrate(database.Client()); err != nil {
		return err
	}
	slog.Info("Migrations completed")

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := service.GetHub()
	go hub.Run(hubCtx)

	msgService := service.NewMessageService(repository.NewMessageRepo(database.Client()))
	gateway := service.NewGateway(rtredis.NewDialer(cache.Client(), rtredis.Options{}))
	h := server.NewHandler(msgService, gateway, hub, cfg.JWT.Secret, cfg.JWT.RealtimeTTL())

	opts := []server.Option{
		server.WithShutdownTimeout(time.Duration(cfg.App.ShutdownTimeoutSec) * time.Second),
		server.WithShutdownHook(stopHub),
	}
	if cfg.App.MigrateDownOnExit {
		opts = append(opts, server.WithMigrateDown(func() error {
			return database.MigrateDown(database.Client())
		}))
	}

	return server.NewServer(cfg.JWT.Secret, h, opts...).Run(":" + cfg.App.Port)
}
