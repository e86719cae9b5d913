package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"event-store/api"
	"event-store/chain"
	"event-store/query"
	"event-store/relay"
	"event-store/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := setupTracing(ctx, cfg)
	if err != nil {
		logger.Fatalf("tracing: %v", err)
	}

	store, err := storage.Open(storage.Config{Dir: cfg.DataDir, SegmentBytes: cfg.SegmentBytes, Logger: logger})
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}
	sequencer := chain.NewSequencer(store, logger)

	apiCfg := api.Config{
		Appender:       sequencer,
		Querier:        query.NewEngine(store, cfg.QueryMaxLimit, logger),
		Verifier:       chain.NewVerifier(store, logger),
		Log:            store,
		RequestTimeout: cfg.RequestTimeout,
	}

	var rc *redis.Client
	if cfg.RedisConn != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisConn))
		apiCfg.Deduper = api.NewRedisDeduper(rc, cfg.IdempotencyTTL)
		apiCfg.AppendLimiter = api.NewRedisLimiter(rc, "eventstore:rl:", cfg.AppendRatePerMin)
		apiCfg.QueryLimiter = api.NewRedisLimiter(rc, "eventstore:rl:", cfg.QueryRatePerMin)
	} else {
		apiCfg.AppendLimiter = api.NewMemoryLimiter(cfg.AppendRatePerMin)
		apiCfg.QueryLimiter = api.NewMemoryLimiter(cfg.QueryRatePerMin)
	}

	var sinks []relay.Sink
	if cfg.RelayRedisChannel != "" {
		sinks = append(sinks, relay.NewRedisSink(rc, cfg.RelayRedisChannel))
	}
	if cfg.RelayQueue != "" {
		qs, err := relay.NewQueueSink(cfg.StorageConnStr, cfg.RelayQueue)
		if err != nil {
			logger.Fatalf("relay queue: %v", err)
		}
		sinks = append(sinks, qs)
	}
	var rl *relay.Relay
	if len(sinks) > 0 {
		rl, err = relay.New(relay.Config{
			Checkpoint:   filepath.Join(cfg.DataDir, "relay.checkpoint"),
			Batch:        cfg.RelayBatch,
			RetryInitial: cfg.RelayRetryInitial,
			RetryMax:     cfg.RelayRetryMax,
			PollInterval: cfg.RelayPollInterval,
		}, store, sequencer.Subscribe(), logger, sinks...)
		if err != nil {
			logger.Fatalf("relay: %v", err)
		}
		rl.Start()
		apiCfg.Relay = rl
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := registerStoreMetrics(reg, store, rl); err != nil {
		logger.Fatalf("metrics: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(api.RequestID())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderContentEncoding, "Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "eventstore",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health"
		},
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))

	api.Register(e, apiCfg, logger)

	go func() {
		logger.WithFields(log.Fields{
			"addr":     cfg.listenAddr(),
			"data_dir": cfg.DataDir,
			"events":   store.Len(),
			"sinks":    len(sinks),
		}).Info("event store listening")
		if err := e.Start(cfg.listenAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	if rl != nil {
		if err := rl.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("relay shutdown")
		}
	}
	if err := store.Close(); err != nil {
		logger.WithError(err).Error("closing event log")
	}
	if rc != nil {
		if err := rc.Close(); err != nil {
			logger.WithError(err).Warn("closing redis client")
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown")
	}
}
