package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"proconnect/internal/chat"
	"proconnect/internal/config"
	"proconnect/internal/db"
	"proconnect/internal/middleware"
	"proconnect/internal/registry"
	"proconnect/internal/user"
	"proconnect/pkg/logger"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfg.DatabaseDSN == "" {
		log.Fatal("DB_DSN is not set")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Platform layer
	database, err := db.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	if err := database.AutoMigrate(); err != nil {
		log.Fatal("migration failed", zap.Error(err))
	}
	log.Info("connected to postgres")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	log.Info("connected to redis")

	// User directory + auth
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret, cfg.JWTExpiration)
	userHandler := user.NewHandler(userService, log)

	// Messaging core
	store := chat.NewSQLStore(database.Conn)
	reg := registry.New()
	unread := chat.NewUnreadCounter(store, chat.NewRedisCache(redisClient), cfg.UnreadCacheTTL, log)
	broker := chat.NewRedisBroker(redisClient, "chat-events", log)
	defer broker.Close()

	gateway := chat.NewGateway(ctx, store, reg, unread, broker, log)
	gateway.SetLimits(cfg.SendBufferSize, cfg.MaxMessageSize)
	if err := gateway.Run(); err != nil {
		log.Fatal("failed to start gateway", zap.Error(err))
	}

	chatHandler := chat.NewHandler(gateway, store, unread, log)
	authMiddleware := middleware.NewAuthMiddleware(userService)

	// Routes
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logging(log))

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Routes(r)
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
	}

	go func() {
		log.Info("server starting", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}
