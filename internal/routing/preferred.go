package routing

import (
	"context"
	"net/http"
	"time"

	"github.com/permagate/wayfinder/internal/gateways"
	"github.com/permagate/wayfinder/pkg/wferr"
)

// DefaultPreferredProbeTimeout bounds the preferred gateway's liveness probe.
const DefaultPreferredProbeTimeout = 1000 * time.Millisecond

// PreferredWithFallbackStrategy tries a named preferred origin with a short
// probe and delegates to the inner strategy when the probe fails.
type PreferredWithFallbackStrategy struct {
	preferred    gateways.Gateway
	inner        Strategy
	client       *http.Client
	probeTimeout time.Duration
}

func NewPreferredWithFallbackStrategy(preferred gateways.Gateway, inner Strategy, client *http.Client, probeTimeout time.Duration) (*PreferredWithFallbackStrategy, error) {
	if preferred.URL == nil {
		return nil, &wferr.ConfigError{Field: "routing.preferred", Detail: "gateway origin required"}
	}
	if inner == nil {
		return nil, &wferr.ConfigError{Field: "routing.preferred", Detail: "fallback strategy required"}
	}
	if client == nil {
		client = &http.Client{}
	}
	if probeTimeout <= 0 {
		probeTimeout = DefaultPreferredProbeTimeout
	}
	return &PreferredWithFallbackStrategy{
		preferred:    preferred,
		inner:        inner,
		client:       client,
		probeTimeout: probeTimeout,
	}, nil
}

func (s *PreferredWithFallbackStrategy) SelectGateway(ctx context.Context, hint Hint) (gateways.Gateway, error) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	u := *s.preferred.URL
	u.Path = probePath
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, u.String(), nil)
	if err == nil {
		resp, err := s.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return s.preferred, nil
			}
		}
	}
	return s.inner.SelectGateway(ctx, hint)
}
