package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wooffyapp/wooffy/internal/ai"
	"github.com/wooffyapp/wooffy/internal/api"
	"github.com/wooffyapp/wooffy/internal/circuitbreaker"
	"github.com/wooffyapp/wooffy/internal/config"
	"github.com/wooffyapp/wooffy/internal/events"
	"github.com/wooffyapp/wooffy/internal/jobs"
	"github.com/wooffyapp/wooffy/internal/mailer"
	"github.com/wooffyapp/wooffy/internal/metrics"
	"github.com/wooffyapp/wooffy/internal/observ"
	"github.com/wooffyapp/wooffy/internal/redis"
	"github.com/wooffyapp/wooffy/internal/store"
	"github.com/wooffyapp/wooffy/internal/verify"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting wooffy api",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	if cfg.APIToken == "" {
		logger.Warn("API_TOKEN not set, terminal-facing routes will reject every request")
	}

	// Initialize database connection
	ctx := context.Background()
	dbConfig := store.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := store.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := store.NewRepository(database, logger)

	// Redis backs the chat rate limiter and redemption idempotency keys.
	// Both degrade gracefully when it is down.
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and chat limits disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var chatLimiter *redis.RateLimiter
	var apiLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		chatLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.ChatRateLimit,
			Window: 1 * time.Minute,
		})
		// Coarse per-client ceiling across the API; the verification
		// lockout handles credential guessing separately.
		apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  100,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Email sender: SES in real environments, log-only in development.
	// Either way it sits behind a circuit breaker so an outbound outage
	// cannot stall the reminder jobs.
	var sender mailer.Sender
	if cfg.SESFromEmail != "" {
		sesSender, err := mailer.NewSESSender(ctx, mailer.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES email sender: %w", err)
		}
		sender = sesSender
	} else {
		logger.Warn("SES_FROM_EMAIL not set, emails will be logged only")
		sender = mailer.NewLogSender(logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("email"), logger)
	protectedSender := mailer.NewProtectedSender(sender, breaker, logger)

	// Optional SNS publisher for redemption analytics events.
	var publisher *events.Publisher
	if cfg.SNSTopicARN != "" {
		publisher, err = events.NewPublisher(ctx, cfg.SNSTopicARN, cfg.AWSRegion)
		if err != nil {
			logger.Warn("sns publisher unavailable, redemption events disabled",
				zap.Error(err),
			)
			publisher = nil
		}
	}

	// Optional AI features: chat proxy and care alerts.
	var chatService *ai.ChatService
	var tips jobs.TipGenerator
	if cfg.AIEnabled {
		aiClient, err := ai.NewClient(ai.Config{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create AI client: %w", err)
		}
		chatService = ai.NewChatService(aiClient, repo, logger)
		tips = aiClient
		logger.Info("ai features enabled", zap.String("model", cfg.OpenAIModel))
	}

	verifier := verify.NewService(repo, logger)
	jobRunner := jobs.New(repo, protectedSender, tips, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, verifier, repo, jobRunner)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}
	if publisher != nil {
		handler = handler.WithEvents(publisher)
	}
	if chatService != nil {
		handler = handler.WithChat(chatService, chatLimiter)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.IPKeyFunc))

		// Terminal-facing routes require the business bearer token.
		r.Group(func(r chi.Router) {
			r.Use(api.AuthMiddleware(cfg.APIToken, logger))
			r.Post("/verify", handler.Verify)
			r.Post("/redemptions", handler.CreateRedemption)
			r.Post("/ai/chat", handler.Chat)
		})

		r.Get("/notifications", handler.ListNotifications)

		// Scheduler-triggered jobs, reachable only inside the network.
		r.Post("/jobs/expiry-reminders", handler.RunExpiryReminders)
		r.Post("/jobs/birthday-reminders", handler.RunBirthdayReminders)
		r.Post("/jobs/ai-alerts", handler.RunAIAlert)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
