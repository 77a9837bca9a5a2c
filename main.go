package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/api"
	"prism-board/audit"
	"prism-board/board"
	"prism-board/config"
	"prism-board/events"
	"prism-board/realtime"
	"prism-board/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		repo   board.Repository
		checks []api.HealthCheck
	)
	if cfg.PG.DSN != "" {
		if err := storage.Migrate(cfg.PG.DSN); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		pool, err := storage.NewPool(ctx, cfg.PG.DSN, cfg.PG.MaxConns)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		pg := storage.NewPostgres(pool)
		repo = pg
		checks = append(checks, pg.Ping)
	} else {
		log.Warn("PG_DSN not set, boards are kept in memory")
		repo = storage.NewMemory()
	}

	redisOpts, err := config.ParseRedis(cfg.Redis.ConnectionString)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()
	checks = append(checks, func(ctx context.Context) error { return rc.Ping(ctx).Err() })

	hub := realtime.NewHub(rc, logger, cfg.Redis.ViewerBuffer)
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	var sink audit.Sink
	var auditLog api.AuditLog
	if cfg.Storage.AuditTable != "" {
		ts, err := audit.NewTableSink(cfg.Storage.ConnectionString, cfg.Storage.AuditTable)
		if err != nil {
			log.Fatalf("audit table: %v", err)
		}
		sink, auditLog = ts, ts
	} else {
		ms := audit.NewMemorySink()
		sink, auditLog = ms, ms
	}

	bus := events.NewBus(events.Config{
		Workers:        cfg.Events.Workers,
		Buffer:         cfg.Events.Buffer,
		HandoffTimeout: cfg.Events.HandoffTimeout,
		HandlerTimeout: cfg.Events.HandlerTimeout,
	}, logger,
		realtime.NewBroadcaster(rc),
		audit.NewWriter(sink, board.NewDirectory(repo)),
	)
	if cfg.Storage.DeadLetterQueue != "" {
		dl, err := events.NewQueueDeadLetter(cfg.Storage.ConnectionString, cfg.Storage.DeadLetterQueue)
		if err != nil {
			log.Fatalf("dead letter queue: %v", err)
		}
		bus.WithDeadLetter(dl)
	}
	bus.Start()

	svc := board.NewService(repo, bus, board.Config{
		MaxAttempts:  cfg.Move.MaxAttempts,
		RetryInitial: cfg.Move.RetryInitial,
		RetryMax:     cfg.Move.RetryMax,
	}, logger)

	var auth *api.Auth
	if cfg.Auth.TestMode {
		auth = api.NewTestAuth([]byte(cfg.Auth.TestSecret))
	} else {
		jwks, err := keyfunc.Get(cfg.Auth.JWKSURL(), keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(jwks, cfg.Auth.Audience, cfg.Auth.Issuer(), cfg.Auth.KeyCacheTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Decompress())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	api.Register(e, svc, auditLog, auth, api.NewRedisDeduper(rc, cfg.Redis.DeduperTTL), logger, checks...)
	realtime.Register(e, hub, auth, logger)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	if err := bus.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("event bus shutdown")
	}
	stopHub()
	<-hubDone
}
