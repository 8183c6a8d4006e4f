package routing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/permagate/wayfinder/internal/gateways"
	"github.com/permagate/wayfinder/pkg/wferr"
)

// RandomStrategy picks a uniformly random candidate per call.
type RandomStrategy struct {
	provider gateways.Provider

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomStrategy builds a RandomStrategy. Pass a non-nil rng to make
// selection deterministic in tests; nil uses the shared seeded source.
func NewRandomStrategy(provider gateways.Provider, rng *rand.Rand) *RandomStrategy {
	return &RandomStrategy{provider: provider, rng: rng}
}

func (s *RandomStrategy) SelectGateway(ctx context.Context, _ Hint) (gateways.Gateway, error) {
	gws, err := candidates(ctx, s.provider)
	if err != nil {
		return gateways.Gateway{}, err
	}

	var n int
	if s.rng != nil {
		s.mu.Lock()
		n = s.rng.IntN(len(gws))
		s.mu.Unlock()
	} else {
		n = rand.IntN(len(gws))
	}
	return gws[n], nil
}

// RoundRobinStrategy walks a list snapshot taken at construction with a
// monotonic counter.
type RoundRobinStrategy struct {
	list    []gateways.Gateway
	counter atomic.Uint64
}

// NewRoundRobinStrategy snapshots the provider's current list.
func NewRoundRobinStrategy(ctx context.Context, provider gateways.Provider) (*RoundRobinStrategy, error) {
	gws, err := candidates(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("routing: round robin snapshot: %w", err)
	}
	return &RoundRobinStrategy{list: gws}, nil
}

func (s *RoundRobinStrategy) SelectGateway(context.Context, Hint) (gateways.Gateway, error) {
	n := s.counter.Add(1) - 1
	return s.list[n%uint64(len(s.list))], nil
}

// StaticStrategy always returns one preconfigured origin, ignoring candidates.
type StaticStrategy struct {
	gateway gateways.Gateway
}

func NewStaticStrategy(gw gateways.Gateway) (*StaticStrategy, error) {
	if gw.URL == nil {
		return nil, &wferr.ConfigError{Field: "routing.static", Detail: "gateway origin required"}
	}
	return &StaticStrategy{gateway: gw}, nil
}

func (s *StaticStrategy) SelectGateway(context.Context, Hint) (gateways.Gateway, error) {
	return s.gateway, nil
}
