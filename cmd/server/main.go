package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nucleuslabs/adsgateway/internal/ads"
	"github.com/nucleuslabs/adsgateway/internal/auth"
	"github.com/nucleuslabs/adsgateway/internal/cache"
	"github.com/nucleuslabs/adsgateway/internal/config"
	"github.com/nucleuslabs/adsgateway/internal/metrics"
	"github.com/nucleuslabs/adsgateway/internal/quota"
	"github.com/nucleuslabs/adsgateway/internal/scheduler"
	"github.com/nucleuslabs/adsgateway/internal/server"
	"github.com/nucleuslabs/adsgateway/internal/tracing"
)

func newLogger(level, environment string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	if err := tracing.Init(cfg.JaegerEndpoint, cfg.ServiceName, cfg.Environment); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return err
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	governor := quota.NewGovernor(rdb, logger, cfg.BronzeReserve)
	if st := governor.Status(ctx); st.GlobalDaily == 0 {
		// First boot against an empty store; a peer may already have set the
		// daily budget.
		if err := governor.ResetGlobal(ctx, cfg.GlobalDailyQuota); err != nil {
			return err
		}
	}

	metricSet := metrics.New()

	cacheMgr := cache.NewManager(rdb, cfg.LRUSize, logger)
	cacheMgr.Instrument(metricSet)
	sched := scheduler.New(cfg.Workers, logger)
	sched.Start()
	metricSet.ObserveQueueDepth(func() float64 {
		return float64(sched.Stats().QueueSize)
	})

	breaker := ads.NewBreakerClient(&ads.MockClient{}, logger)
	breaker.Instrument(metricSet)

	manager := ads.NewManager(breaker, cacheMgr, governor, sched, logger, ads.ManagerConfig{
		ReadCost:         cfg.ReadCost,
		WriteCost:        cfg.WriteCost,
		OperationTimeout: cfg.OperationTimeout,
		Retry: ads.RetryPolicy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
		},
		Metrics: metricSet,
	})

	srv := server.New(server.Options{
		Manager:   manager,
		Governor:  governor,
		Cache:     cacheMgr,
		Scheduler: sched,
		Verifier:  auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, logger),
		Metrics:   metricSet,
		Redis:     rdb,
		Logger:    logger,
		DevTokens: cfg.DevTokens,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		sched.Stop(cfg.ShutdownTimeout)
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	// Stop taking requests, then drain the scheduler so in-flight operations
	// get charged and cached before the process exits.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	sched.Stop(cfg.ShutdownTimeout)

	logger.Info("shutdown complete")
	return nil
}
