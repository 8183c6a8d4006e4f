package routing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/permagate/wayfinder/internal/gateways"
	"github.com/permagate/wayfinder/pkg/wferr"
)

const (
	// DefaultPingTimeout bounds each probe round.
	DefaultPingTimeout = 2000 * time.Millisecond
	// DefaultPingConcurrency is how many candidates are probed at once.
	DefaultPingConcurrency = 5

	probePath = "/ar-io/info"
)

// FastestPingStrategy concurrently probes up to maxConcurrency candidates
// with lightweight HEAD requests against /ar-io/info and returns the first
// that answers 2xx. Pending probes are cancelled as soon as a winner lands;
// ties go to the first response received.
type FastestPingStrategy struct {
	provider       gateways.Provider
	client         *http.Client
	timeout        time.Duration
	maxConcurrency int
}

// FastestPingOption tunes a FastestPingStrategy.
type FastestPingOption func(*FastestPingStrategy)

func WithPingTimeout(d time.Duration) FastestPingOption {
	return func(s *FastestPingStrategy) { s.timeout = d }
}

func WithPingConcurrency(n int) FastestPingOption {
	return func(s *FastestPingStrategy) { s.maxConcurrency = n }
}

func WithPingClient(c *http.Client) FastestPingOption {
	return func(s *FastestPingStrategy) { s.client = c }
}

func NewFastestPingStrategy(provider gateways.Provider, opts ...FastestPingOption) *FastestPingStrategy {
	s := &FastestPingStrategy{
		provider:       provider,
		client:         &http.Client{},
		timeout:        DefaultPingTimeout,
		maxConcurrency: DefaultPingConcurrency,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *FastestPingStrategy) SelectGateway(ctx context.Context, _ Hint) (gateways.Gateway, error) {
	gws, err := candidates(ctx, s.provider)
	if err != nil {
		return gateways.Gateway{}, err
	}
	if len(gws) > s.maxConcurrency {
		gws = gws[:s.maxConcurrency]
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	winner := make(chan gateways.Gateway, len(gws))
	failed := make(chan struct{}, len(gws))

	for _, g := range gws {
		g := g
		go func() {
			if s.probe(probeCtx, g) {
				winner <- g
			} else {
				failed <- struct{}{}
			}
		}()
	}

	for remaining := len(gws); remaining > 0; remaining-- {
		select {
		case g := <-winner:
			return g, nil
		case <-failed:
		case <-probeCtx.Done():
			return gateways.Gateway{}, fmt.Errorf("routing: all pings timed out: %w", wferr.ErrNoGatewayAvailable)
		}
	}
	return gateways.Gateway{}, fmt.Errorf("routing: all pings failed: %w", wferr.ErrNoGatewayAvailable)
}

func (s *FastestPingStrategy) probe(ctx context.Context, g gateways.Gateway) bool {
	u := *g.URL
	u.Path = probePath

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
