// Package routing selects one gateway per request attempt.
//
// Strategies receive the candidate list lazily through an injected
// gateways.Provider; strategies that don't need candidates (Static) ignore
// it. All strategies are safe for concurrent use.
package routing

import (
	"context"

	"github.com/permagate/wayfinder/internal/gateways"
	"github.com/permagate/wayfinder/pkg/wferr"
)

// Hint carries the request-derived routing inputs.
type Hint struct {
	Subdomain string
	Path      string
}

// Strategy picks a single gateway for one attempt, or fails with
// wferr.ErrNoGatewayAvailable.
type Strategy interface {
	SelectGateway(ctx context.Context, hint Hint) (gateways.Gateway, error)
}

// candidates fetches the provider list, mapping emptiness to the routing
// error every strategy reports.
func candidates(ctx context.Context, p gateways.Provider) ([]gateways.Gateway, error) {
	gws, err := p.GetGateways(ctx)
	if err != nil {
		return nil, err
	}
	if len(gws) == 0 {
		return nil, wferr.ErrNoGatewayAvailable
	}
	return gws, nil
}
