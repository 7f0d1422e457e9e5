package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"fleetwatch/internal/api"
	"fleetwatch/internal/auth"
	"fleetwatch/internal/config"
	"fleetwatch/internal/ingest"
	"fleetwatch/internal/metrics"
	"fleetwatch/internal/notify"
	"fleetwatch/internal/ratelimit"
	"fleetwatch/internal/realtime"
	"fleetwatch/internal/rulesync"
	"fleetwatch/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting fleetwatch",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"postgres", cfg.PostgresDSN != "",
		"redis", cfg.RedisAddr != "",
		"signature_check", cfg.SignatureCheck)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	var st store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(cfg.PostgresDSN, logger)
		if err != nil {
			logger.Error("failed to open postgres", "error", err)
			os.Exit(1)
		}
		st = pg
	} else {
		logger.Warn("no postgres DSN configured, using in-memory store")
		st = store.NewMemoryStore()
	}
	defer st.Close()

	var counter ratelimit.Counter
	if cfg.RedisAddr != "" {
		redisCounter, err := ratelimit.NewRedisCounter(ratelimit.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisCounter.Close()
		counter = redisCounter
	} else {
		logger.Warn("no redis configured, rate quotas are per-instance")
		counter = ratelimit.NewMemoryCounter()
	}

	m := metrics.NewMetrics()
	broadcaster := realtime.NewBroadcaster(nc, m, logger)
	authenticator := auth.NewAuthenticator(st, cfg.CredentialCacheSize, logger)
	syncEngine := rulesync.NewEngine(st, broadcaster, logger)

	validator, err := ingest.NewSchemaValidator()
	if err != nil {
		logger.Error("failed to compile event schema", "error", err)
		os.Exit(1)
	}
	pipeline := ingest.NewPipeline(st, validator, broadcaster, m, logger)

	dispatcher := notify.NewDispatcher(st, []notify.Channel{
		notify.NewDatabaseChannel(st),
		notify.NewMailChannel(&notify.LogMailer{Logger: logger}),
	}, m, logger)
	dispatcher.Run(ctx)
	if _, err := realtime.SubscribeAlerts(ctx, nc, dispatcher, logger); err != nil {
		logger.Error("failed to subscribe to alert signals", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(api.Deps{
		Store:         st,
		Authenticator: authenticator,
		Enroller:      auth.NewEnroller(cfg.EnrollmentKey),
		Verifier:      auth.NewVerifier(cfg.SignatureSecret, cfg.SignatureCheck),
		Limiter:       ratelimit.NewLimiter(counter),
		SyncEngine:    syncEngine,
		Pipeline:      pipeline,
		Authorizer:    realtime.NewAuthorizer(),
		Commands:      broadcaster,
		OperatorToken: cfg.OperatorToken,
		Metrics:       m,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	cancel()
	dispatcher.Wait()
	logger.Info("stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
