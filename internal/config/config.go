package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	App      App
	Database Database
	Redis    Redis
	JWT      JWT
	Log      Log
}

type App struct {
	Port               string `env:"PORT" env-default:"8080"`
	MigrateDownOnExit  bool   `env:"MIGRATE_DOWN_ON_EXIT" env-default:"false"`
	ShutdownTimeoutSec int    `env:"SHUTDOWN_TIMEOUT_SEC" env-default:"10"`
}

type JWT struct {
	Secret              string `env:"JWT_SECRET" env-required:"true"`
	AccessExpirationMin int    `env:"JWT_ACCESS_EXP_MIN" env-required:"true"`
	RealtimeExpiration  int    `env:"JWT_REALTIME_EXP_MIN" env-default:"15"`
}

func (j JWT) AccessTTL() time.Duration {
	return time.Duration(j.AccessExpirationMin) * time.Minute
}

func (j JWT) RealtimeTTL() time.Duration {
	return time.Duration(j.RealtimeExpiration) * time.Minute
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

type Database struct {
	Host     string `env:"POSTGRES_HOST" env-required:"true"`
	Port     string `env:"POSTGRES_PORT" env-required:"true"`
	User     string `env:"POSTGRES_USER" env-required:"true"`
	DBName   string `env:"POSTGRES_DB" env-required:"true"`
	Password string `env:"POSTGRES_PASSWORD" env-required:"true"`
	SSLMode  string `env:"POSTGRES_SSLMODE" env-default:"disable"`
}

func (d Database) DSN() string {
	return fmt.Sprintf(
		`host=%s port=%s user=%s password=%s dbname=%s sslmode=%s`,
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

type Log struct {
	Level string `env:"LOG_LEVEL" env-default:"info"`
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ClientConfig configures the terminal chat client.
type ClientConfig struct {
	APIURL       string        `env:"CHAT_API_URL" env-default:"http://localhost:8080"`
	Token        string        `env:"CHAT_TOKEN"`
	PollInterval time.Duration `env:"CHAT_POLL_INTERVAL" env-default:"30s"`
	Redis        Redis
	Log          Log
}

// Load reads the server configuration. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment variables: %w", err)
	}
	return cfg, nil
}

func LoadClient() (*ClientConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &ClientConfig{}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("read environment variables: %w", err)
	}
	return cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
