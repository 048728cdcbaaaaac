package main

import (
	"context"
	"errors"
	"fmt"
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
	"prism-board/config"
	"prism-board/coordinator"
	"prism-board/events"
	"prism-board/storage"
	"prism-board/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	logger.SetLevel(log.GetLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		opts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	store, closeStore, err := openStore(cfg, rc)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeStore()

	hub := stream.NewHub(64)

	// With Redis every instance receives events through the boards.* channels,
	// including its own, so the hub is fed by the subscription only.
	var publishers []events.Publisher
	if rc != nil {
		publishers = append(publishers, events.NewRedisPublisher(rc))
		go stream.SubscribeBoards(ctx, logger, rc, time.Second, hub.Deliver)
	} else {
		publishers = append(publishers, hub)
	}
	if cfg.EventsQueue != "" {
		qp, err := events.NewQueuePublisher(cfg.StorageConnectionString, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("events queue: %v", err)
		}
		publishers = append(publishers, qp)
	}
	dispatcher := events.NewDispatcher(events.DispatcherConfig{
		Lanes:          cfg.PublishWorkers,
		Buffer:         cfg.PublishBuffer,
		HandoffTimeout: cfg.PublishHandoffTimeout,
	}, logger, publishers...)
	defer dispatcher.Close()

	coord := coordinator.New(store, coordinator.MemberAuthorizer{}, dispatcher, logger, coordinator.Config{
		SourcePolicy: cfg.MoveSourcePolicy,
	})

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set, Idempotency-Key replays are not detected")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			echo.HeaderContentEncoding, api.SocketIDHeader, api.IdempotencyHeader,
		},
	}))
	e.Use(api.DecodeRequestBody())

	api.Register(e, coord, auth, deduper, logger)
	stream.Register(e, hub, auth, coord, logger, stream.Config{Keepalive: cfg.SSEKeepalive})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("shutdown")
		}
	}()

	logger.WithFields(log.Fields{
		"addr":   cfg.ListenAddr,
		"store":  cfg.StoreDriver,
		"redis":  rc != nil,
		"policy": cfg.MoveSourcePolicy.String(),
	}).Info("board service starting")
	if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}

func openStore(cfg config.Config, rc *redis.Client) (storage.Store, func(), error) {
	var (
		base      storage.Store
		closeBase = func() {}
	)
	switch cfg.StoreDriver {
	case config.DriverTables:
		t, err := storage.NewTables(cfg.StorageConnectionString, cfg.BoardsTable)
		if err != nil {
			return nil, nil, err
		}
		base = t
	default:
		db, err := storage.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		base = db
		closeBase = func() { _ = db.Close() }
	}
	if rc != nil && cfg.SnapshotCacheTTL > 0 {
		return storage.NewCache(base, rc, cfg.SnapshotCacheTTL), closeBase, nil
	}
	return base, closeBase, nil
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	if cfg.AuthTestMode {
		issuer := ""
		if cfg.Auth0Domain != "" {
			issuer = "https://" + cfg.Auth0Domain + "/"
		}
		return api.NewTestAuth([]byte(cfg.TestJWTSecret), cfg.Auth0Audience, issuer), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.Auth0Audience, "https://"+cfg.Auth0Domain+"/"), nil
}
