package config

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DSN", "postgres://localhost/chat")

	cfg, err := Load()
	req.NoError(err)
	req.Equal(":8080", cfg.Addr)
	req.Equal("localhost:6379", cfg.RedisAddr)
	req.Equal(24*time.Hour, cfg.TokenTTL)
	req.Equal(6, cfg.MaxGroupPeers)
	req.Equal(256, cfg.SendBuffer)
	req.NoError(cfg.Validate())
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "placeholder")
	require.NoError(t, os.Unsetenv("JWT_SECRET"))

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{SendBuffer: 16, MaxGroupPeers: 6, MaxMessageSize: 4096}

	t.Run("dsn required without memory store", func(t *testing.T) {
		require.Error(t, base.Validate())
	})

	t.Run("memory store needs no dsn", func(t *testing.T) {
		cfg := base
		cfg.Memory = true
		require.NoError(t, cfg.Validate())
	})

	t.Run("group peers must be positive", func(t *testing.T) {
		cfg := base
		cfg.Memory = true
		cfg.MaxGroupPeers = 0
		require.Error(t, cfg.Validate())
	})
}

func TestOrigins(t *testing.T) {
	cfg := Config{AllowedOrigins: " https://a.example , ,https://b.example"}
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins())
	require.Empty(t, Config{}.Origins())
}

func TestLogger_Level(t *testing.T) {
	logger := Config{LogLevel: "debug"}.Logger()
	require.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	logger = Config{LogLevel: "warn", LogFormat: "json"}.Logger()
	require.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}
