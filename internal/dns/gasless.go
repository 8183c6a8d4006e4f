// Package dns resolves gasless names: DNS domains whose TXT record binds the
// domain to a transaction ID without an on-chain registration.
//
// Lookups go through Google's DNS-over-HTTPS JSON API. The target TXT payload
// has the form "ARTX <43-char base64url id>". Answers are cached for
// 15 minutes.
package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/permagate/wayfinder/internal/cache"
	"github.com/permagate/wayfinder/pkg/wferr"
)

const (
	resolveEndpoint    = "https://dns.google/resolve"
	defaultTXTCacheTTL = 15 * time.Minute
	lookupTimeout      = 10 * time.Second
)

var artxRe = regexp.MustCompile(`ARTX ([A-Za-z0-9_-]{43})`)

// Resolver answers gasless-name lookups.
type Resolver struct {
	client   *http.Client
	store    cache.Cache
	endpoint string
	ttl      time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClient overrides the HTTP client.
func WithClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithEndpoint overrides the DoH endpoint (tests).
func WithEndpoint(u string) Option {
	return func(r *Resolver) { r.endpoint = u }
}

// WithTTL overrides the answer cache TTL.
func WithTTL(d time.Duration) Option {
	return func(r *Resolver) { r.ttl = d }
}

// NewResolver builds a Resolver caching answers in store.
func NewResolver(store cache.Cache, opts ...Option) *Resolver {
	r := &Resolver{
		client:   &http.Client{Timeout: lookupTimeout},
		store:    store,
		endpoint: resolveEndpoint,
		ttl:      defaultTXTCacheTTL,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// dohResponse is the subset of the JSON API response we read.
type dohResponse struct {
	Answer []struct {
		Data string `json:"data"`
	} `json:"Answer"`
}

// ResolveTxID returns the transaction ID bound to domain, or ErrNotFound
// when no ARTX record exists.
func (r *Resolver) ResolveTxID(ctx context.Context, domain string) (string, error) {
	key := "gasless:" + domain
	if r.store != nil {
		if raw, ok := r.store.Get(ctx, key); ok {
			return string(raw), nil
		}
	}

	q := url.Values{}
	q.Set("name", domain)
	q.Set("type", "TXT")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("dns: build query for %s: %w", domain, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dns: resolve %s: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dns: resolve %s: status %d", domain, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("dns: read answer for %s: %w", domain, err)
	}

	var parsed dohResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("dns: parse answer for %s: %w", domain, err)
	}

	for _, ans := range parsed.Answer {
		// TXT data may arrive quoted and split into segments.
		data := strings.ReplaceAll(ans.Data, `"`, "")
		if m := artxRe.FindStringSubmatch(data); m != nil {
			txID := m[1]
			if r.store != nil {
				_ = r.store.Set(ctx, key, []byte(txID), r.ttl)
			}
			return txID, nil
		}
	}

	return "", fmt.Errorf("dns: %s has no ARTX record: %w", domain, wferr.ErrNotFound)
}
