package gateways

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// RegistrySource lists every gateway known to the on-chain registry, with
// metadata. The fetcher itself lives outside this module; it is injected.
type RegistrySource interface {
	Fetch(ctx context.Context) ([]Gateway, error)
}

// SortBy selects the stake field the registry provider orders by.
type SortBy string

const (
	SortByOperatorStake  SortBy = "operatorStake"
	SortByDelegatedStake SortBy = "totalDelegatedStake"
)

// RegistryProvider filters and orders the registry listing:
//
//  1. Keep gateways with status "joined" and zero consecutive failed epochs.
//  2. If that leaves nothing, fall back to all joined gateways sorted
//     ascending by failed epochs, keeping the best max(5, ⌈0.3·N⌉).
//  3. Order the survivors by the configured stake field and direction.
//
// An empty final list is replaced by the fallback set.
type RegistryProvider struct {
	source    RegistrySource
	sortBy    SortBy
	ascending bool
}

// NewRegistryProvider builds a provider over source. The default ordering is
// operator stake, descending.
func NewRegistryProvider(source RegistrySource, sortBy SortBy, ascending bool) (*RegistryProvider, error) {
	if source == nil {
		return nil, fmt.Errorf("gateways: registry source must not be nil")
	}
	if sortBy == "" {
		sortBy = SortByOperatorStake
	}
	if sortBy != SortByOperatorStake && sortBy != SortByDelegatedStake {
		return nil, fmt.Errorf("gateways: unknown sort field %q", sortBy)
	}
	return &RegistryProvider{source: source, sortBy: sortBy, ascending: ascending}, nil
}

func (p *RegistryProvider) GetGateways(ctx context.Context) ([]Gateway, error) {
	all, err := p.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("gateways: registry fetch: %w", err)
	}

	var healthy, joined []Gateway
	for _, g := range all {
		if g.Metadata == nil || g.Metadata.Status != StatusJoined {
			continue
		}
		joined = append(joined, g)
		if g.Metadata.FailedConsecutiveEpochs == 0 {
			healthy = append(healthy, g)
		}
	}

	picked := healthy
	if len(picked) == 0 && len(joined) > 0 {
		sort.SliceStable(joined, func(i, j int) bool {
			return joined[i].Metadata.FailedConsecutiveEpochs < joined[j].Metadata.FailedConsecutiveEpochs
		})
		keep := int(math.Max(5, math.Ceil(0.3*float64(len(joined)))))
		if keep > len(joined) {
			keep = len(joined)
		}
		picked = joined[:keep]
	}

	if len(picked) == 0 {
		return FallbackGateways(), nil
	}

	p.sortByStake(picked)
	return picked, nil
}

func (p *RegistryProvider) sortByStake(gws []Gateway) {
	stake := func(g Gateway) uint64 {
		if p.sortBy == SortByDelegatedStake {
			return g.Metadata.TotalDelegatedStake
		}
		return g.Metadata.OperatorStake
	}
	sort.SliceStable(gws, func(i, j int) bool {
		if p.ascending {
			return stake(gws[i]) < stake(gws[j])
		}
		return stake(gws[i]) > stake(gws[j])
	})
}
