package main // entry point of the event access service

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

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/event-access/internal/config"
	"github.com/iliyamo/event-access/internal/database"
	"github.com/iliyamo/event-access/internal/handler"
	"github.com/iliyamo/event-access/internal/middleware"
	"github.com/iliyamo/event-access/internal/observability"
	"github.com/iliyamo/event-access/internal/queue"
	"github.com/iliyamo/event-access/internal/repository"
	"github.com/iliyamo/event-access/internal/router"
	"github.com/iliyamo/event-access/internal/service"
)

func main() {
	_ = godotenv.Load() // a missing .env is fine; the real environment wins anyway
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel).With("env", cfg.Env)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	accessCfg, err := config.LoadAccessConfig()
	if err != nil {
		return err
	}
	eventsCfg, err := config.LoadEventsConfig()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservabilityConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, obsCfg.ServiceName, obsCfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "err", err)
		}
	}()

	db, err := database.Open(database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		logger.Warn("redis unreachable; rate limiting and response cache disabled")
	} else {
		defer rdb.Close()
	}

	publisher, closePublisher := newPublisher(eventsCfg, logger)
	defer closePublisher()
	if eventsCfg.Broker == "rabbitmq" && eventsCfg.AuditEnabled {
		audit := queue.AuditConsumer{URL: eventsCfg.RabbitURL, Path: eventsCfg.AuditLogPath, Logger: logger}
		go func() {
			if err := audit.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("audit consumer stopped", "err", err)
			}
		}()
	}

	tokens := repository.NewTokenRepo(db)
	ledger := repository.NewAttendanceRepo(db)
	resources := repository.NewResourceRepo(db)
	teams := repository.NewEntityRepo(db)
	txr := repository.NewTxRunner(db)

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithRetry(service.RetryPolicy{
			MaxRetries:     accessCfg.StoreRetryMax,
			BaseDelay:      accessCfg.StoreRetryBase,
			MaxDelay:       20 * accessCfg.StoreRetryBase,
			AttemptTimeout: accessCfg.StoreTimeout,
		}),
	}
	if publisher != nil {
		opts = append(opts, service.WithPublisher(publisher))
	}
	issuer := service.NewTokenIssuer(txr, tokens, service.IssuerConfig{
		TTL:             accessCfg.TokenTTL,
		Checkpoints:     accessCfg.Checkpoints,
		MaxAttempts:     accessCfg.IssueMaxAttempts,
		RevokeOnReissue: accessCfg.RevokeOnReissue,
	}, opts...)
	verifier := service.NewTokenVerifier(txr, tokens, ledger, teams, opts...)
	allocator := service.NewResourceAllocator(txr, resources, opts...)
	sweeper := service.NewTokenSweeper(tokens, accessCfg.TokenRetention, accessCfg.SweepInterval, opts...)
	go sweeper.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))

	rateLimit := middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, logger)
	cache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb)

	router.RegisterRoutes(e, db)
	router.RegisterCheckin(e, handler.NewCheckinHandler(issuer, verifier, teams), cfg.JWTSecret, cfg.VerifierKeyHash, rateLimit)
	router.RegisterAllocation(e, handler.NewAllocationHandler(allocator, teams), cfg.JWTSecret, rateLimit, cache)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "checkpoints", accessCfg.Checkpoints, "event_broker", eventsCfg.Broker)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// newPublisher selects the event broker.  The returned closer is never nil.
func newPublisher(cfg config.EventsConfig, logger *slog.Logger) (service.EventPublisher, func()) {
	switch cfg.Broker {
	case "kafka":
		p := queue.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		return p, func() { _ = p.Close() }
	case "rabbitmq":
		p := queue.NewRabbitPublisher(cfg.RabbitURL, logger)
		return p, func() { _ = p.Close() }
	default:
		logger.Info("event publishing disabled")
		return nil, func() {}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
