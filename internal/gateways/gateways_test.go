package gateways

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/permagate/wayfinder/internal/cache"
)

func meta(status string, failed int, operator, delegated uint64) *Metadata {
	return &Metadata{
		Status:                  status,
		FailedConsecutiveEpochs: failed,
		OperatorStake:           operator,
		TotalDelegatedStake:     delegated,
	}
}

func gw(t *testing.T, raw string, m *Metadata) Gateway {
	t.Helper()
	g, err := ParseGateway(raw)
	if err != nil {
		t.Fatalf("ParseGateway(%q): %v", raw, err)
	}
	g.Metadata = m
	return g
}

type fakeRegistry struct {
	gws   []Gateway
	err   error
	calls atomic.Int64
}

func (f *fakeRegistry) Fetch(context.Context) ([]Gateway, error) {
	f.calls.Add(1)
	return f.gws, f.err
}

func hosts(gws []Gateway) []string {
	out := make([]string, len(gws))
	for i, g := range gws {
		out[i] = g.URL.Host
	}
	return out
}

func TestStaticProvider(t *testing.T) {
	p, err := NewStaticProviderURLs("https://a.net", "https://b.net")
	if err != nil {
		t.Fatalf("NewStaticProviderURLs: %v", err)
	}
	got, err := p.GetGateways(context.Background())
	if err != nil {
		t.Fatalf("GetGateways: %v", err)
	}
	if len(got) != 2 || got[0].URL.Host != "a.net" || got[1].URL.Host != "b.net" {
		t.Errorf("GetGateways = %v", hosts(got))
	}
}

func TestStaticProvider_EmptyFallsBack(t *testing.T) {
	p := NewStaticProvider()
	got, err := p.GetGateways(context.Background())
	if err != nil {
		t.Fatalf("GetGateways: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("empty static provider must return the fallback set")
	}
}

func TestParseGateway_Rejects(t *testing.T) {
	for _, raw := range []string{"", "not a url", "example.net", "//x"} {
		if _, err := ParseGateway(raw); err == nil {
			t.Errorf("ParseGateway(%q): expected error", raw)
		}
	}
}

func TestRegistryProvider_HealthyFilterAndSort(t *testing.T) {
	reg := &fakeRegistry{gws: []Gateway{
		gw(t, "https://small.net", meta(StatusJoined, 0, 10, 0)),
		gw(t, "https://leaving.net", meta("leaving", 0, 999, 0)),
		gw(t, "https://big.net", meta(StatusJoined, 0, 500, 0)),
		gw(t, "https://flaky.net", meta(StatusJoined, 3, 900, 0)),
	}}

	p, err := NewRegistryProvider(reg, SortByOperatorStake, false)
	if err != nil {
		t.Fatalf("NewRegistryProvider: %v", err)
	}
	got, err := p.GetGateways(context.Background())
	if err != nil {
		t.Fatalf("GetGateways: %v", err)
	}

	want := []string{"big.net", "small.net"}
	if fmt.Sprint(hosts(got)) != fmt.Sprint(want) {
		t.Errorf("GetGateways = %v, want %v", hosts(got), want)
	}
}

func TestRegistryProvider_FallbackToLeastFailed(t *testing.T) {
	// No gateway has zero failed epochs; the provider takes the best
	// max(5, ceil(0.3*N)) joined gateways ordered by failed epochs.
	var list []Gateway
	for i := 1; i <= 10; i++ {
		list = append(list, gw(t, fmt.Sprintf("https://g%d.net", i),
			meta(StatusJoined, i, uint64(100-i), 0)))
	}
	reg := &fakeRegistry{gws: list}

	p, err := NewRegistryProvider(reg, SortByOperatorStake, false)
	if err != nil {
		t.Fatalf("NewRegistryProvider: %v", err)
	}
	got, err := p.GetGateways(context.Background())
	if err != nil {
		t.Fatalf("GetGateways: %v", err)
	}

	// max(5, ceil(3)) = 5 survivors: g1..g5 (fewest failed epochs), then
	// sorted by operator stake descending — g1 has the highest stake.
	if len(got) != 5 {
		t.Fatalf("kept %d gateways, want 5", len(got))
	}
	if got[0].URL.Host != "g1.net" {
		t.Errorf("first = %s, want g1.net", got[0].URL.Host)
	}
}

func TestRegistryProvider_DelegatedAscending(t *testing.T) {
	reg := &fakeRegistry{gws: []Gateway{
		gw(t, "https://x.net", meta(StatusJoined, 0, 1, 300)),
		gw(t, "https://y.net", meta(StatusJoined, 0, 1, 100)),
	}}
	p, err := NewRegistryProvider(reg, SortByDelegatedStake, true)
	if err != nil {
		t.Fatalf("NewRegistryProvider: %v", err)
	}
	got, _ := p.GetGateways(context.Background())
	if got[0].URL.Host != "y.net" {
		t.Errorf("first = %s, want y.net (ascending delegated stake)", got[0].URL.Host)
	}
}

func TestRegistryProvider_EmptyRegistryFallsBack(t *testing.T) {
	p, err := NewRegistryProvider(&fakeRegistry{}, SortByOperatorStake, false)
	if err != nil {
		t.Fatalf("NewRegistryProvider: %v", err)
	}
	got, err := p.GetGateways(context.Background())
	if err != nil {
		t.Fatalf("GetGateways: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("empty registry must yield the fallback set")
	}
}

func TestCachedProvider_CachesForTTL(t *testing.T) {
	reg := &fakeRegistry{gws: []Gateway{gw(t, "https://a.net", meta(StatusJoined, 0, 1, 0))}}
	inner, _ := NewRegistryProvider(reg, SortByOperatorStake, false)

	store := cache.NewMemoryCache()

	p, err := NewCachedProvider(inner, store, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewCachedProvider: %v", err)
	}

	for i := 0; i < 5; i++ {
		got, err := p.GetGateways(context.Background())
		if err != nil {
			t.Fatalf("GetGateways #%d: %v", i, err)
		}
		if len(got) != 1 || got[0].URL.Host != "a.net" {
			t.Fatalf("GetGateways #%d = %v", i, hosts(got))
		}
	}

	if calls := reg.calls.Load(); calls != 1 {
		t.Errorf("inner fetched %d times, want 1", calls)
	}
}

func TestCachedProvider_SingleflightRefresh(t *testing.T) {
	reg := &fakeRegistry{gws: []Gateway{gw(t, "https://a.net", meta(StatusJoined, 0, 1, 0))}}
	inner, _ := NewRegistryProvider(reg, SortByOperatorStake, false)

	store := cache.NewMemoryCache()

	p, err := NewCachedProvider(inner, store, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewCachedProvider: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.GetGateways(context.Background()); err != nil {
				t.Errorf("GetGateways: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := reg.calls.Load(); calls != 1 {
		t.Errorf("inner fetched %d times under contention, want 1", calls)
	}
}

func TestCachedProvider_Validation(t *testing.T) {
	store := cache.NewMemoryCache()
	inner := NewStaticProvider(MustGateway("https://a.net"))

	if _, err := NewCachedProvider(nil, store, time.Hour, nil); err == nil {
		t.Error("nil inner should be rejected")
	}
	if _, err := NewCachedProvider(inner, nil, time.Hour, nil); err == nil {
		t.Error("nil store should be rejected")
	}
	if _, err := NewCachedProvider(inner, store, 0, nil); err == nil {
		t.Error("zero ttl should be rejected")
	}
}

func TestGatewayRoundTripJSON(t *testing.T) {
	in := []Gateway{
		gw(t, "https://a.net", meta(StatusJoined, 0, 7, 9)),
		gw(t, "http://localhost:1984", nil),
	}
	raw, err := marshalGateways(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := unmarshalGateways(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 || out[0].String() != in[0].String() || out[1].String() != in[1].String() {
		t.Errorf("round trip = %v", hosts(out))
	}
	if out[0].Metadata == nil || out[0].Metadata.OperatorStake != 7 {
		t.Errorf("metadata lost: %+v", out[0].Metadata)
	}
}
