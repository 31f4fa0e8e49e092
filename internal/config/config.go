package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr             string        `env:"ADDR,default=:8080"`
	DSN              string        `env:"DB_DSN"`
	JWTSecret        string        `env:"JWT_SECRET,required=true"`
	RedisAddr        string        `env:"REDIS_ADDR,default=localhost:6379"`
	LogLevel         string        `env:"LOG_LEVEL,default=info"`
	LogFormat        string        `env:"LOG_FORMAT,default=text"`
	TokenTTL         time.Duration `env:"TOKEN_TTL,default=24h"`
	StoreTimeout     time.Duration `env:"STORE_TIMEOUT,default=5s"`
	MaxMessageSize   int64         `env:"MAX_MESSAGE_SIZE,default=65536"`
	SendBuffer       int           `env:"SEND_BUFFER,default=256"`
	MaxGroupPeers    int           `env:"MAX_GROUP_PEERS,default=6"`
	MaxContentLength int           `env:"MAX_CONTENT_LENGTH,default=4000"`
	AllowedOrigins   string        `env:"ALLOWED_ORIGINS"`

	// Memory selects the in-memory store; set from the CLI, not the environment.
	Memory bool
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Memory && c.DSN == "" {
		return errors.New("DB_DSN is not set")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive, got %d", c.SendBuffer)
	}
	if c.MaxGroupPeers < 1 {
		return fmt.Errorf("MAX_GROUP_PEERS must be at least 1, got %d", c.MaxGroupPeers)
	}
	if c.MaxMessageSize < 512 {
		return fmt.Errorf("MAX_MESSAGE_SIZE too small: %d", c.MaxMessageSize)
	}
	return nil
}

// Origins returns the comma separated ALLOWED_ORIGINS as a list. Empty means any origin.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c Config) Logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
