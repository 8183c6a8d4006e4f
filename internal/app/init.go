package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	wfCache "github.com/permagate/wayfinder/internal/cache"
	"github.com/permagate/wayfinder/internal/cdb"
	"github.com/permagate/wayfinder/internal/config"
	"github.com/permagate/wayfinder/internal/dns"
	"github.com/permagate/wayfinder/internal/gateways"
	"github.com/permagate/wayfinder/internal/logger"
	"github.com/permagate/wayfinder/internal/metrics"
	"github.com/permagate/wayfinder/internal/roottx"
	"github.com/permagate/wayfinder/internal/routing"
	"github.com/permagate/wayfinder/internal/server"
	"github.com/permagate/wayfinder/internal/verification"
	"github.com/permagate/wayfinder/internal/wayfinder"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the cache backend, metrics registry, and request
// logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.store = wfCache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.store = wfCache.NewMemoryCache()
		a.log.Info("cache backend: memory (in-process)")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	return nil
}

// initRouting builds the gateways provider, the configured routing strategy,
// the per-gateway circuit breaker, and the background prober.
func (a *App) initRouting(ctx context.Context) error {
	inner, err := gateways.NewStaticProviderURLs(a.cfg.Gateways...)
	if err != nil {
		return err
	}

	provider, err := gateways.NewCachedProvider(inner, a.store, a.cfg.Cache.GatewaysTTL, a.log)
	if err != nil {
		return err
	}
	a.provider = provider

	a.strategy, err = buildStrategy(ctx, a.cfg, provider)
	if err != nil {
		return err
	}

	if a.cfg.CircuitBreaker.Enabled {
		a.breaker = routing.NewCircuitBreaker(routing.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		})
	}

	a.prober = routing.NewProber(a.baseCtx, provider, nil)

	return nil
}

// initWayfinder wires verification, the client, and the HTTP server.
func (a *App) initWayfinder(ctx context.Context) error {
	trusted, err := parseGateways(a.cfg.TrustedGateways)
	if err != nil {
		return err
	}

	rootSource, err := a.buildRootSource(ctx, trusted)
	if err != nil {
		return err
	}

	verif, err := buildVerification(a.cfg, trusted, rootSource)
	if err != nil {
		return err
	}

	wf, err := wayfinder.New(wayfinder.Options{
		Strategy:        a.strategy,
		StrategyName:    a.cfg.Routing.Strategy,
		Verification:    verif,
		Breaker:         a.breaker,
		GaslessResolver: dns.NewResolver(a.store),
		Log:             a.log,
		Metrics:         a.prom,
		RequestLogger:   a.reqLogger,
		Trace:           a.cfg.Telemetry.Enabled,
		TraceSampleRate: a.cfg.Telemetry.SampleRate,
		MaxRetries:      a.cfg.Routing.MaxRetries,
	})
	if err != nil {
		return err
	}
	a.wf = wf

	var prom *metrics.Registry
	if a.cfg.Telemetry.Enabled {
		prom = a.prom
	}
	a.srv = server.New(server.Config{
		Wayfinder:   wf,
		Prober:      a.prober,
		Metrics:     prom,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	})

	return nil
}

// buildStrategy maps the configured strategy name onto a routing.Strategy.
func buildStrategy(ctx context.Context, cfg *config.Config, provider gateways.Provider) (routing.Strategy, error) {
	switch cfg.Routing.Strategy {
	case "random":
		return routing.NewRandomStrategy(provider, nil), nil

	case "round-robin":
		return routing.NewRoundRobinStrategy(ctx, provider)

	case "fastest-ping":
		return routing.NewFastestPingStrategy(provider,
			routing.WithPingTimeout(cfg.Routing.PingTimeout),
			routing.WithPingConcurrency(cfg.Routing.PingConcurrency),
		), nil

	case "static":
		gw, err := gateways.ParseGateway(cfg.Routing.StaticGateway)
		if err != nil {
			return nil, err
		}
		return routing.NewStaticStrategy(gw)

	case "preferred":
		gw, err := gateways.ParseGateway(cfg.Routing.StaticGateway)
		if err != nil {
			return nil, err
		}
		return routing.NewPreferredWithFallbackStrategy(gw, routing.NewRandomStrategy(provider, nil), nil, 0)

	default:
		return nil, fmt.Errorf("unknown routing strategy: %s", cfg.Routing.Strategy)
	}
}

// buildVerification maps the configured verification name onto a strategy.
func buildVerification(cfg *config.Config, trusted []gateways.Gateway, rootSource roottx.Source) (*wayfinder.VerificationOptions, error) {
	if cfg.Verification.Strategy == "none" {
		return nil, nil
	}

	opts := verification.Options{
		TrustedGateways: trusted,
		MaxConcurrency:  cfg.Verification.MaxConcurrency,
		Timeout:         cfg.Verification.Timeout,
		Quorum:          cfg.Verification.Quorum,
		RootSource:      rootSource,
	}

	var (
		strategy verification.Strategy
		err      error
	)
	switch cfg.Verification.Strategy {
	case "hash":
		strategy, err = verification.NewHashStrategy(opts)
	case "data-root":
		strategy, err = verification.NewDataRootStrategy(opts)
	case "signature":
		strategy, err = verification.NewSignatureStrategy(opts)
	default:
		err = fmt.Errorf("unknown verification strategy: %s", cfg.Verification.Strategy)
	}
	if err != nil {
		return nil, err
	}

	return &wayfinder.VerificationOptions{
		Strategy:      strategy,
		Strict:        cfg.Verification.Strict,
		StrictSources: cfg.Verification.StrictSources,
	}, nil
}

// buildRootSource chains the trusted-gateway header lookup with an optional
// CDB64 index, memoized through the configured cache backend.
func (a *App) buildRootSource(ctx context.Context, trusted []gateways.Gateway) (roottx.Source, error) {
	var sources []roottx.Source

	if a.cfg.CDB64ManifestURL != "" {
		manifest, err := fetchManifest(ctx, a.cfg.CDB64ManifestURL)
		if err != nil {
			// A broken index must not take the daemon down; header lookups
			// still work.
			a.log.Warn("cdb64 manifest unavailable",
				slog.String("url", a.cfg.CDB64ManifestURL),
				slog.String("error", err.Error()),
			)
		} else {
			reader, err := cdb.NewPartitionedReader(manifest, cdb.WithLogger(a.log))
			if err != nil {
				return nil, err
			}
			src, err := roottx.NewCDB64Source(reader)
			if err != nil {
				return nil, err
			}
			sources = append(sources, src)
			a.log.Info("cdb64 index attached",
				slog.Int("partitions", len(manifest.Partitions)),
				slog.Uint64("records", manifest.TotalRecords),
			)
		}
	}

	gwSource, err := roottx.NewTrustedGatewaySource(trusted, nil)
	if err != nil {
		return nil, err
	}
	sources = append(sources, gwSource)

	chain, err := roottx.NewChainSource(sources...)
	if err != nil {
		return nil, err
	}
	return roottx.NewCachedSource(chain, a.store, 0), nil
}

func parseGateways(raws []string) ([]gateways.Gateway, error) {
	out := make([]gateways.Gateway, 0, len(raws))
	for _, r := range raws {
		g, err := gateways.ParseGateway(r)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func fetchManifest(ctx context.Context, url string) (*cdb.Manifest, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return cdb.ParseManifest(body)
}
