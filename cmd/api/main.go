package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"nexusbiz/internal/auth"
	"nexusbiz/internal/cache"
	"nexusbiz/internal/config"
	"nexusbiz/internal/database"
	"nexusbiz/internal/events"
	"nexusbiz/internal/features"
	"nexusbiz/internal/handler"
	"nexusbiz/internal/lifecycle"
	"nexusbiz/internal/metrics"
	"nexusbiz/internal/middleware"
	"nexusbiz/internal/notify"
	"nexusbiz/internal/realtime"
	"nexusbiz/internal/registry"
	"nexusbiz/internal/service"
	"nexusbiz/internal/tracing"
)

func main() {
	configFile := flag.String("config", os.Getenv("CONFIG_FILE"), "YAML config file path")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "nexusbiz").Logger()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger = newLogger(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "nexusbiz").Logger()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	}); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	flags := features.NewManager()
	flags.Register(features.ExpirySweeper, cfg.Features.ExpirySweeper, "periodic expiry sweep over active groups")
	flags.Register(features.PushNotifications, cfg.Features.PushNotifications, "deliver lifecycle notices to devices")
	flags.Register(features.RealtimeSource, cfg.Features.RealtimeSource, "subscribe to the backend change feed (read at startup)")

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	var kv cache.Cache = cache.NewInMemoryCache()
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rc.Close()
		kv = rc
	}

	hub := events.NewHub(logger)
	defer hub.Close()

	engine := lifecycle.New(lifecycle.WithExpiryGrace(cfg.Lifecycle.ExpiryGrace))

	var transport notify.Transport = notify.NewLogTransport(logger)
	if len(cfg.Kafka.Brokers) > 0 {
		kt := notify.NewKafkaTransport(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kt.Close()
		transport = kt
	}
	dispatcher := notify.NewDispatcher(transport, kv, logger)

	opts := []service.Option{service.WithDispatcher(dispatcher), service.WithFeatures(flags)}
	if cfg.Registry.BaseURL != "" {
		opts = append(opts, service.WithRegistry(registry.New(registry.Config{
			BaseURL:  cfg.Registry.BaseURL,
			Token:    cfg.Registry.Token,
			Timeout:  cfg.Registry.Timeout,
			CacheTTL: cfg.Registry.CacheTTL,
		}, kv)))
	}
	svc := service.NewService(db, engine, hub, logger, opts...)

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize:   cfg.Security.MaxRequestBodySize,
		WebhookSecret: cfg.Security.WebhookSecret,
		Logger:        logger,
	})
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Window)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.TracingMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Security.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(verifier.Middleware)
	if cfg.RateLimit.Enabled {
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())
	h.Register(r)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Bool("tls", cfg.Server.EnableTLS).
			Str("database", cfg.Database.Path).Msg("starting server")
		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return svc.Run(gctx) })
	if cfg.RateLimit.Enabled {
		g.Go(func() error { return rateLimiter.Run(gctx, cfg.RateLimit.Window) })
	}
	g.Go(func() error { return svc.RunSweeper(gctx, cfg.Lifecycle.SweepInterval) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	if flags.IsEnabled(features.RealtimeSource) {
		client := realtime.NewClient(realtime.Config{
			URL:       cfg.Realtime.URL,
			APIKey:    cfg.Realtime.APIKey,
			Schema:    cfg.Realtime.Schema,
			Tables:    cfg.Realtime.Tables,
			Heartbeat: cfg.Realtime.Heartbeat,
		}, svc, logger)
		g.Go(func() error { return client.Run(gctx) })
	}

	return g.Wait()
}
