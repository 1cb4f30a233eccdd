// Package main запускает HTTP-сервер сервиса paygate.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/paygate/internal/config"
	"github.com/mmeshcher/paygate/internal/events"
	"github.com/mmeshcher/paygate/internal/gateway"
	"github.com/mmeshcher/paygate/internal/handler"
	"github.com/mmeshcher/paygate/internal/lock"
	"github.com/mmeshcher/paygate/internal/metrics"
	"github.com/mmeshcher/paygate/internal/middleware"
	"github.com/mmeshcher/paygate/internal/repository"
	"github.com/mmeshcher/paygate/internal/service"
	"github.com/mmeshcher/paygate/internal/token"
)

type store interface {
	service.Repository
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger initialization error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	var repo store
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, orders are kept in memory")
		repo = repository.NewMemoryRepository()
	}

	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisAddr != "" {
		rdb := lock.NewRedisClient(cfg.RedisAddr)
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL, logger)
		sugar.Infow("using redis order locks", "addr", cfg.RedisAddr)
	}

	var publisher service.EventPublisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), 0, logger, m)
		sugar.Infow("publishing payment events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	var (
		gw     service.Gateway
		tokens service.TokenSource
	)
	if cfg.GatewayBaseURL != "" {
		client := gateway.NewClient(cfg.GatewayBaseURL, gateway.Credentials{
			ConsumerKey:    cfg.ConsumerKey,
			ConsumerSecret: cfg.ConsumerSecret,
		}, cfg.GatewayTimeout, m)
		gw = client
		tokens = token.NewCache(client, logger, token.Options{
			SafetyMargin: cfg.TokenSafetyMargin,
			AuthTimeout:  cfg.GatewayTimeout,
			Metrics:      m,
		})
	} else {
		sugar.Warn("GATEWAY_BASE_URL is not set, order submission is disabled")
	}

	svc := service.NewService(repo, gw, tokens, service.Options{
		OrderPrefix:    cfg.OrderPrefix,
		CallbackURL:    cfg.CallbackURL,
		IPNURL:         cfg.IPNURL,
		NotificationID: cfg.IPNID,
		PollInterval:   cfg.PollInterval,
		PollMinAge:     cfg.PollMinAge,
		PollBatch:      cfg.PollBatch,
		StatusRetries:  2,
		Locker:         locker,
		Publisher:      publisher,
		Logger:         logger,
		Metrics:        m,
	})

	h := handler.NewHandler(svc, logger, middleware.NewCallbackAuth(cfg.CallbackSecret),
		handler.WithMetrics(m.Handler()),
		handler.WithHealthCheck(repo.Ping),
	)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Регистрация URL уведомлений и фоновый опрос зависших заказов
	g.Go(func() error {
		svc.EnsureNotificationID(ctx)
		svc.RunStatusPolling(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting paygate server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	err = g.Wait()

	if closeErr := svc.Close(); closeErr != nil {
		sugar.Errorw("close service", "error", closeErr)
	}

	if err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
