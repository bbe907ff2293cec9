package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/pelusa-v/pelusa-rtc/internal/auth"
	"github.com/pelusa-v/pelusa-rtc/internal/bus"
	"github.com/pelusa-v/pelusa-rtc/internal/calls"
	"github.com/pelusa-v/pelusa-rtc/internal/chat"
	"github.com/pelusa-v/pelusa-rtc/internal/config"
	"github.com/pelusa-v/pelusa-rtc/internal/handlers"
	"github.com/pelusa-v/pelusa-rtc/internal/metrics"
	"github.com/pelusa-v/pelusa-rtc/internal/presence"
)

type App struct {
	logger  *slog.Logger
	config  *config.Config
	http    *fiber.App
	manager *chat.Manager
	metrics *metrics.Metrics

	stopLoop context.CancelFunc
	loopDone chan struct{}
	closers  []func() error
}

// NewApp wires the stores, bus, coordinator and routes selected by cfg.
func NewApp(logger *slog.Logger, cfg *config.Config) (*App, error) {
	app := &App{logger: logger, config: cfg, metrics: metrics.New()}

	store, book, err := app.openStores()
	if err != nil {
		app.close()
		return nil, err
	}
	b, err := app.openBus()
	if err != nil {
		app.close()
		return nil, err
	}

	manager, err := chat.NewManager(chat.Options{
		Store:             store,
		Calls:             book,
		Bus:               b,
		Metrics:           app.metrics,
		Logger:            logger,
		SweepInterval:     cfg.Presence.SweepInterval,
		StoreTimeout:      cfg.Store.Timeout,
		HistorySize:       cfg.Transport.HistorySize,
		NotifyUnavailable: cfg.Signaling.NotifyUnavailable,
	})
	if err != nil {
		app.close()
		return nil, fmt.Errorf("build coordinator: %w", err)
	}
	app.manager = manager

	app.http = fiber.New(fiber.Config{
		AppName:               "pelusa-rtc",
		DisableStartupMessage: true,
	})
	app.http.Use(recover.New())
	app.http.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowCredentials: cfg.Server.AllowOrigins != "*",
	}))
	app.http.Use(handlers.RequestLogger(logger))

	handlers.New(handlers.Options{
		Manager:    manager,
		Verifier:   auth.NewVerifier(cfg.Auth.JWTSecret),
		Metrics:    app.metrics,
		Logger:     logger,
		CookieName: cfg.Auth.CookieName,
		SendBuffer: cfg.Transport.SendBuffer,
	}).Register(app.http)

	return app, nil
}

func (a *App) openStores() (presence.Store, calls.Book, error) {
	opts := presence.Options{TTL: a.config.Presence.TTL, Retention: a.config.Presence.Retention}
	if a.config.Store.Driver != "redis" {
		a.logger.Info("Using in-memory presence store")
		return presence.NewMemoryStore(opts), calls.NewMemoryBook(nil), nil
	}

	redisOpts, err := redis.ParseURL(a.config.Store.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse store.redisURL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	a.closers = append(a.closers, rdb.Close)

	ctx, cancel := context.WithTimeout(context.Background(), a.config.Store.Timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	a.logger.Info("Using redis presence store", slog.String("addr", redisOpts.Addr), slog.String("prefix", a.config.Store.Prefix))
	return presence.NewRedisStore(rdb, a.config.Store.Prefix, opts), calls.NewRedisBook(rdb, a.config.Store.Prefix, nil), nil
}

func (a *App) openBus() (bus.Bus, error) {
	if a.config.Bus.Driver != "nats" {
		return bus.NewLocal(), nil
	}
	n, err := bus.ConnectNATS(a.config.Bus.NATSURL, a.config.Bus.SubjectPrefix, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, n.Close)
	a.logger.Info("Using NATS bus", slog.String("url", a.config.Bus.NATSURL))
	return n, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stop := context.WithCancel(context.Background())
	a.stopLoop = stop
	a.loopDone = make(chan struct{})
	go func() {
		defer close(a.loopDone)
		a.manager.Start(loopCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.config.Server.Address))
		if err := a.http.Listen(a.config.Server.Address); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown()
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("listen %s: %w", a.config.Server.Address, err)
	}
}

// Shutdown stops accepting connections, stops the event loop and releases
// the store and bus.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	err := a.http.ShutdownWithTimeout(10 * time.Second)
	if a.stopLoop != nil {
		a.stopLoop()
		<-a.loopDone
	}
	a.close()
	a.logger.Info("Server shut down.")
	return err
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	a.closers = nil
}
