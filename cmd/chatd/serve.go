package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"realtime-chat/internal/chat"
	"realtime-chat/internal/config"
	"realtime-chat/internal/db"
	myMiddleware "realtime-chat/internal/middleware"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/user"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		addr   string
		memory bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			cfg.Memory = memory
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, cfg.Logger())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "http service address (overrides ADDR)")
	cmd.Flags().BoolVar(&memory, "memory", false, "keep all state in memory; no Postgres or Redis")

	return cmd
}

// backend is the persistence a server instance runs on.
type backend struct {
	store  chat.Store
	convs  chat.ConversationStore
	users  user.Store
	ping   func(ctx context.Context) error
	listen func(ctx context.Context, hub *chat.Hub) (chat.MembershipNotifier, error)
	close  func()
}

func memoryBackend() *backend {
	mem := chat.NewMemoryStore()
	return &backend{
		store: mem,
		convs: mem,
		users: mem,
		ping:  func(context.Context) error { return nil },
		listen: func(_ context.Context, hub *chat.Hub) (chat.MembershipNotifier, error) {
			return hub, nil
		},
		close: func() {},
	}
}

func postgresBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (*backend, error) {
	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	log.Info("Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		database.Close()
		return nil, err
	}
	log.Info("Database schema initialized")

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Info("Connected to Redis", "addr", cfg.RedisAddr)

	repo := chat.NewRepository(database.Conn)
	return &backend{
		store: repo,
		convs: repo,
		users: user.NewRepository(database.Conn),
		ping:  database.Conn.PingContext,
		listen: func(ctx context.Context, hub *chat.Hub) (chat.MembershipNotifier, error) {
			membership := chat.NewRedisMembership(rdb, hub, log)
			go func() {
				if err := membership.Listen(ctx); err != nil {
					log.Error("Membership listener stopped", "error", err)
				}
			}()
			return membership, nil
		},
		close: func() {
			rdb.Close()
			database.Close()
		},
	}, nil
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var (
		be  *backend
		err error
	)
	if cfg.Memory {
		log.Warn("Running with the in-memory store; data is lost on exit")
		be = memoryBackend()
	} else if be, err = postgresBackend(ctx, cfg, log); err != nil {
		return err
	}
	defer be.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := chat.NewMetrics(reg)

	registry := presence.NewRegistry(be.store, log)
	hub := chat.NewHub(registry, metrics, log)
	go hub.Run(ctx)

	notifier, err := be.listen(ctx, hub)
	if err != nil {
		return err
	}

	service := chat.NewService(be.store, hub, registry, metrics, log, chat.Options{
		StoreTimeout:     cfg.StoreTimeout,
		MaxGroupPeers:    cfg.MaxGroupPeers,
		MaxContentLength: cfg.MaxContentLength,
	})

	userService := user.NewService(be.users, cfg.JWTSecret, cfg.TokenTTL)
	userHandler := user.NewHandler(userService, log)
	wsHandler := chat.NewHandler(service, chat.NewAuthenticator(userService, be.store), chat.HandlerOptions{
		AllowedOrigins: cfg.Origins(),
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
	}, log)
	conversations := chat.NewConversationAPI(be.convs, notifier, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := be.ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// The websocket handler authenticates before upgrading.
	r.Get("/ws", wsHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		conversations.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", "addr", cfg.Addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	<-hub.Done()

	// Let every session finish its offline write before the store closes.
	if err := wsHandler.Wait(shutdownCtx); err != nil {
		log.Warn("Sessions still closing at shutdown", "error", err)
	}
	return nil
}
