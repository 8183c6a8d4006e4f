// Package gateways produces ordered candidate gateway lists for the routing
// strategies.
//
// Providers never return an empty list: when filtering or an upstream source
// leaves nothing, the documented fallback set is substituted — callers treat
// emptiness as fatal, so emptiness is handled here instead.
package gateways

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Gateway is one candidate origin plus, when a registry supplied it, the
// on-chain operator metadata. Only the origin matters for routing; metadata
// is consumed by providers and sorters.
type Gateway struct {
	URL      *url.URL
	Metadata *Metadata
}

// Metadata is the on-chain registry record for a gateway operator.
type Metadata struct {
	OperatorStake           uint64
	TotalDelegatedStake     uint64
	Status                  string // "joined", "leaving", …
	FailedConsecutiveEpochs int
}

// StatusJoined is the registry status of an active gateway.
const StatusJoined = "joined"

func (g Gateway) String() string {
	if g.URL == nil {
		return ""
	}
	return g.URL.String()
}

// MustGateway parses raw into a Gateway or panics. For static configuration
// of known-good constants.
func MustGateway(raw string) Gateway {
	g, err := ParseGateway(raw)
	if err != nil {
		panic(err)
	}
	return g
}

// ParseGateway parses an origin URL ("https://host[:port]") into a Gateway.
func ParseGateway(raw string) (Gateway, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Gateway{}, fmt.Errorf("gateways: parse %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Gateway{}, fmt.Errorf("gateways: %q is not an absolute origin", raw)
	}
	return Gateway{URL: &url.URL{Scheme: u.Scheme, Host: u.Host}}, nil
}

// FallbackGateways is the non-empty set substituted when a provider would
// otherwise come up empty.
func FallbackGateways() []Gateway {
	return []Gateway{
		MustGateway("https://arweave.net"),
		MustGateway("https://permagate.io"),
		MustGateway("https://ar-io.dev"),
	}
}

// Provider yields an ordered sequence of candidate gateways. The ordering is
// stable within one call; routing strategies may read it as a priority.
type Provider interface {
	GetGateways(ctx context.Context) ([]Gateway, error)
}

// StaticProvider returns a fixed list.
type StaticProvider struct {
	list []Gateway
}

func NewStaticProvider(gws ...Gateway) *StaticProvider {
	return &StaticProvider{list: gws}
}

// NewStaticProviderURLs parses raw origins into a StaticProvider.
func NewStaticProviderURLs(raws ...string) (*StaticProvider, error) {
	gws := make([]Gateway, 0, len(raws))
	for _, r := range raws {
		g, err := ParseGateway(r)
		if err != nil {
			return nil, err
		}
		gws = append(gws, g)
	}
	return &StaticProvider{list: gws}, nil
}

func (p *StaticProvider) GetGateways(context.Context) ([]Gateway, error) {
	if len(p.list) == 0 {
		return FallbackGateways(), nil
	}
	out := make([]Gateway, len(p.list))
	copy(out, p.list)
	return out, nil
}

// ── serialization for the cached wrapper ─────────────────────────────────────

type gatewayJSON struct {
	URL      string    `json:"url"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

func marshalGateways(gws []Gateway) ([]byte, error) {
	out := make([]gatewayJSON, len(gws))
	for i, g := range gws {
		out[i] = gatewayJSON{URL: g.String(), Metadata: g.Metadata}
	}
	return json.Marshal(out)
}

func unmarshalGateways(data []byte) ([]Gateway, error) {
	var raw []gatewayJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]Gateway, len(raw))
	for i, gj := range raw {
		g, err := ParseGateway(gj.URL)
		if err != nil {
			return nil, err
		}
		g.Metadata = gj.Metadata
		out[i] = g
	}
	return out, nil
}
