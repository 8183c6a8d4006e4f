// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initServices — caches, metrics registry, request logger
//  3. initRouting  — gateways provider, strategy, breaker, prober
//  4. initWayfinder — verification stack + client + HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	wfCache "github.com/permagate/wayfinder/internal/cache"
	"github.com/permagate/wayfinder/internal/config"
	"github.com/permagate/wayfinder/internal/gateways"
	"github.com/permagate/wayfinder/internal/logger"
	"github.com/permagate/wayfinder/internal/metrics"
	"github.com/permagate/wayfinder/internal/routing"
	"github.com/permagate/wayfinder/internal/server"
	"github.com/permagate/wayfinder/internal/wayfinder"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	store     wfCache.Cache

	prom *metrics.Registry

	provider gateways.Provider
	strategy routing.Strategy
	breaker  *routing.CircuitBreaker
	prober   *routing.Prober

	wf  *wayfinder.Wayfinder
	srv *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"routing", a.initRouting},
		{"wayfinder", a.initWayfinder},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Wayfinder exposes the wired client (for embedding and tests).
func (a *App) Wayfinder() *wayfinder.Wayfinder { return a.wf }

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting wayfinder",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("routing_strategy", a.cfg.Routing.Strategy),
		slog.String("verification_strategy", a.cfg.Verification.Strategy),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// srv.Start does not watch ctx, so wait on both.
		errCh := make(chan error, 1)
		go func() { errCh <- a.srv.Start(addr) }()
		select {
		case err := <-errCh:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times; it takes no lock, so concurrent calls race.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging. e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			return raw[:schemeEnd(raw)] + "***" + raw[i:]
		}
	}
	return raw
}

func schemeEnd(raw string) int {
	for i := 0; i+2 < len(raw); i++ {
		if raw[i] == ':' && raw[i+1] == '/' && raw[i+2] == '/' {
			return i + 3
		}
	}
	return 0
}
