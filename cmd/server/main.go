package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"galaxy-chat/internal/chat"
	"galaxy-chat/internal/config"
	"galaxy-chat/internal/db"
	myMiddleware "galaxy-chat/internal/middleware"
	"galaxy-chat/internal/upload"
	"galaxy-chat/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ server terminated: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to Database
	database, err := db.NewDatabase(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer database.Close()
	logger.Info("✅ connected to database", "driver", cfg.DBDriver)

	if err := database.AutoMigrate(); err != nil {
		return err
	}
	logger.Info("✅ database schema initialized")

	// 3. Connect to Redis when configured; presence broadcasts go through it
	var relay chat.Relay
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer redisClient.Close()
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("✅ connected to Redis", "addr", cfg.RedisAddr)
		relay = chat.NewRedisRelay(redisClient, logger)
	}

	// 4. Users
	userService := user.NewService(user.NewRepository(database), cfg.JWTSecret, cfg.TokenTTL)
	userHandler := user.NewHandler(userService, logger)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Uploads & Chat
	uploads := upload.NewService(database, cfg.MaxUploadBytes)
	uploadHandler := upload.NewHandler(uploads, logger)

	hub := chat.NewHub(chat.NewRepository(database), relay, logger)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()
	chatHandler := chat.NewHandler(hub, uploads, cfg.MaxUploadBytes, logger)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Chat backend running 🚀"))
	})
	r.Post("/api/auth/signup", userHandler.Signup)
	r.Post("/api/auth/signin", userHandler.Signin)
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/auth/me", userHandler.Me)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Post("/api/chat/send", chatHandler.SendMessage)
		r.Post("/api/chat/read/{messageId}", chatHandler.MarkRead)
		r.Get("/api/chat/{id}", chatHandler.GetChatHistory)
		r.Get("/api/contacts", chatHandler.GetContacts)
		r.Get("/api/presence/{id}", chatHandler.GetPresence)
		r.Get("/api/files/{id}", uploadHandler.Download)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("🚀 server starting", "addr", *addr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	stop()
	<-hubDone
	return nil
}
