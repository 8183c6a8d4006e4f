package gateways

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/permagate/wayfinder/internal/cache"
)

const cachedListKey = "wayfinder:gateways"

// CachedProvider caches the inner provider's list for a TTL. On expiry the
// next call refreshes synchronously; concurrent refreshes collapse into one
// in-flight fetch via singleflight, so a thundering herd hits the inner
// provider exactly once.
//
// Any cache.Cache backend works — in-process for the library, Redis when
// daemon replicas should share one view of the registry.
type CachedProvider struct {
	inner Provider
	store cache.Cache
	ttl   time.Duration
	log   *slog.Logger
	group singleflight.Group
}

func NewCachedProvider(inner Provider, store cache.Cache, ttl time.Duration, log *slog.Logger) (*CachedProvider, error) {
	if inner == nil {
		return nil, fmt.Errorf("gateways: inner provider must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("gateways: cache store must not be nil")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("gateways: ttl must be positive, got %s", ttl)
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedProvider{inner: inner, store: store, ttl: ttl, log: log}, nil
}

func (p *CachedProvider) GetGateways(ctx context.Context) ([]Gateway, error) {
	if raw, ok := p.store.Get(ctx, cachedListKey); ok {
		gws, err := unmarshalGateways(raw)
		if err == nil && len(gws) > 0 {
			return gws, nil
		}
		// Corrupt entry: drop it and refetch.
		_ = p.store.Delete(ctx, cachedListKey)
	}

	v, err, _ := p.group.Do(cachedListKey, func() (any, error) {
		gws, err := p.inner.GetGateways(ctx)
		if err != nil {
			return nil, err
		}
		if len(gws) == 0 {
			gws = FallbackGateways()
		}
		if raw, err := marshalGateways(gws); err == nil {
			_ = p.store.Set(ctx, cachedListKey, raw, p.ttl)
		} else {
			p.log.Warn("gateway list not cacheable", slog.String("error", err.Error()))
		}
		return gws, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Gateway), nil
}
