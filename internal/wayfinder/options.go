package wayfinder

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/permagate/wayfinder/internal/dns"
	"github.com/permagate/wayfinder/internal/events"
	"github.com/permagate/wayfinder/internal/logger"
	"github.com/permagate/wayfinder/internal/metrics"
	"github.com/permagate/wayfinder/internal/routing"
	"github.com/permagate/wayfinder/internal/verification"
	"github.com/permagate/wayfinder/pkg/wferr"
)

// Routing retry defaults.
const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 1000 * time.Millisecond
)

// VerificationOptions selects and scopes a verification strategy.
type VerificationOptions struct {
	// Strategy computes and compares the expected value. Nil disables
	// verification entirely.
	Strategy verification.Strategy

	// Strict couples the client stream to the verdict: end-of-stream is
	// withheld until verification succeeds and failures surface as stream
	// errors.
	Strict bool

	// StrictSources propagates root-transaction lookup failures as
	// verification failures. When false (default) they degrade the request
	// to "verification skipped".
	StrictSources bool
}

// Options configures a Wayfinder instance.
type Options struct {
	// Strategy picks a gateway per attempt. Required.
	Strategy routing.Strategy

	// StrategyName labels routing metrics.
	StrategyName string

	// HTTPClient performs the payload fetches. Defaults to a redirect-
	// following client with no global timeout (streams can be long-lived).
	HTTPClient *http.Client

	// Verification applies to every request unless overridden per request.
	// Nil disables verification.
	Verification *VerificationOptions

	// Breaker, when set, skips gateways whose circuit is open and feeds
	// results back after every attempt.
	Breaker *routing.CircuitBreaker

	// GaslessResolver resolves ar://<domain> names via DNS TXT. Nil rejects
	// such identifiers.
	GaslessResolver *dns.Resolver

	// Events is the instance emitter. A fresh one is created when nil.
	Events *events.Emitter

	// Log is the structured logger. slog.Default() when nil.
	Log *slog.Logger

	// Metrics, when set, receives routing/verification counters.
	Metrics *metrics.Registry

	// RequestLogger, when set, records one entry per completed request.
	RequestLogger *logger.Logger

	// Trace enables the x-wayfinder-trace-id request header.
	Trace bool

	// TraceSampleRate is the fraction [0,1] of requests that carry the trace
	// header when Trace is on. Default 1.0.
	TraceSampleRate float64

	// MaxRetries bounds the routing loop. Default 3.
	MaxRetries int

	// RetryBackoff is the fixed wait between attempts. Default 1 s.
	RetryBackoff time.Duration
}

func (o *Options) validate() error {
	if o.Strategy == nil {
		return &wferr.ConfigError{Field: "routingStrategy", Detail: "required"}
	}
	if o.StrategyName == "" {
		o.StrategyName = "custom"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Events == nil {
		o.Events = events.NewEmitter()
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.TraceSampleRate <= 0 || o.TraceSampleRate > 1 {
		o.TraceSampleRate = 1.0
	}
	if o.Verification != nil && o.Verification.Strategy == nil {
		return &wferr.ConfigError{Field: "verificationStrategy", Detail: "strategy required when verification is configured"}
	}
	return nil
}

// RequestOptions override instance settings for one request. A non-nil
// Verification block fully replaces the instance-level block — fields are
// never merged.
type RequestOptions struct {
	Verification *VerificationOptions
}
