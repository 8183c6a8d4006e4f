// Package wayfinder composes routing, resolution, and verification into the
// client: Request turns an ar:// URL into a verified HTTP response.
package wayfinder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/permagate/wayfinder/internal/arurl"
	"github.com/permagate/wayfinder/internal/events"
	"github.com/permagate/wayfinder/internal/logger"
	"github.com/permagate/wayfinder/internal/routing"
	"github.com/permagate/wayfinder/internal/tap"
	"github.com/permagate/wayfinder/internal/verification"
	"github.com/permagate/wayfinder/pkg/wferr"
)

// HeaderComponent identifies wayfinder traffic to gateways.
const HeaderComponent = "x-ar-io-component"

// HeaderTraceID carries the per-request trace ID when tracing is enabled.
const HeaderTraceID = "x-wayfinder-trace-id"

// HeaderResolvedID is set by gateways on resolved name requests.
const HeaderResolvedID = "x-arns-resolved-id"

const componentName = "wayfinder"

// Wayfinder is a long-lived client. It is safe for concurrent use.
type Wayfinder struct {
	opts Options
}

// Response wraps the routed gateway response. Body is the client branch of
// the verification tee; reading it to EOF (and closing it) releases all
// per-request resources.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       io.ReadCloser

	// Gateway is the host that served the request.
	Gateway string
	// URL is the concrete gateway URL the request was routed to.
	URL string
	// TxID is the transaction the response was verified against; empty when
	// verification was skipped.
	TxID string
}

// New validates opts and builds a Wayfinder.
func New(opts Options) (*Wayfinder, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Wayfinder{opts: opts}, nil
}

// Events returns the instance emitter for subscriptions.
func (w *Wayfinder) Events() *events.Emitter { return w.opts.Events }

// Request resolves, routes, fetches, and (when configured) verifies rawURL.
// Non-ar:// URLs pass straight through to the HTTP client.
func (w *Wayfinder) Request(ctx context.Context, rawURL string, reqOpts ...RequestOptions) (*Response, error) {
	requestID := uuid.New().String()
	emitter := w.opts.Events.Child(requestID)
	start := time.Now()

	normalized := arurl.Normalize(rawURL)
	if !strings.HasPrefix(normalized, arurl.Scheme) {
		emitter.Emit(events.Event{Type: events.RoutingSkipped, Identifier: rawURL})
		return w.passthrough(ctx, rawURL, requestID)
	}

	parsed, err := arurl.Parse(normalized)
	if err != nil {
		return nil, err
	}

	// Per-request verification overrides replace the instance block wholesale.
	verif := w.opts.Verification
	for _, ro := range reqOpts {
		if ro.Verification != nil {
			verif = ro.Verification
		}
	}

	// Gasless domains resolve to a transaction before routing.
	if parsed.Kind == arurl.KindDomain {
		parsed, err = w.resolveGasless(ctx, parsed)
		if err != nil {
			return nil, err
		}
	}

	emitter.Emit(events.Event{Type: events.RoutingStarted, Identifier: normalized})

	resp, gw, redirect, err := w.route(ctx, normalized, parsed, emitter, requestID)
	if err != nil {
		if w.opts.Metrics != nil {
			w.opts.Metrics.RecordRequest(parsed.Kind.String(), "routing_failed")
		}
		return nil, err
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Gateway:    gw,
		URL:        redirect,
	}

	// A redirect equal to the input means routing was a no-op; nothing to
	// verify against a different origin.
	if redirect == rawURL {
		emitter.Emit(events.Event{Type: events.VerificationSkipped, Identifier: normalized})
		out.Body = w.instrument(resp.Body, parsed, gw, resp.StatusCode, requestID, start, "skipped")
		return out, nil
	}

	txID := resp.Header.Get(HeaderResolvedID)
	if txID == "" {
		txID = arurl.FirstPathSegment(resp.Request.URL.Path)
	}
	if verif == nil || !arurl.IsTxID(txID) {
		emitter.Emit(events.Event{Type: events.VerificationSkipped, Identifier: normalized})
		out.Body = w.instrument(resp.Body, parsed, gw, resp.StatusCode, requestID, start, "skipped")
		if w.opts.Metrics != nil {
			w.opts.Metrics.RecordRequest(parsed.Kind.String(), "ok_unverified")
		}
		return out, nil
	}

	out.TxID = txID
	out.Body = w.verifyStream(ctx, resp, txID, verif, emitter, parsed, gw, requestID, start)
	if w.opts.Metrics != nil {
		w.opts.Metrics.RecordRequest(parsed.Kind.String(), "ok")
	}
	return out, nil
}

// route runs the retry loop: resolve the hint, select a gateway, fetch.
func (w *Wayfinder) route(
	ctx context.Context,
	normalized string,
	parsed *arurl.Parsed,
	emitter *events.Emitter,
	requestID string,
) (*http.Response, string, string, error) {

	hint := routing.Hint{Subdomain: parsed.Subdomain, Path: parsed.Path}

	var lastErr error
	attempts := 0

	for attempt := 0; attempt < w.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.opts.RetryBackoff):
			case <-ctx.Done():
				return nil, "", "", ctx.Err()
			}
		}
		attempts++

		gw, err := w.opts.Strategy.SelectGateway(ctx, hint)
		if err != nil {
			lastErr = err
			w.recordAttempt("select_failed")
			continue
		}
		host := gw.URL.Host

		if w.opts.Breaker != nil && !w.opts.Breaker.Allow(host) {
			w.opts.Log.Warn("circuit breaker open, skipping gateway",
				slog.String("request_id", requestID),
				slog.String("gateway", host),
			)
			lastErr = fmt.Errorf("circuit open for %s: %w", host, wferr.ErrNoGatewayAvailable)
			w.recordAttempt("circuit_open")
			w.publishBreaker(host)
			continue
		}

		redirect := arurl.Resolve(parsed.Subdomain, parsed.Path, gw.URL)
		emitter.Emit(events.Event{
			Type:       events.RoutingSucceeded,
			Identifier: normalized,
			Gateway:    host,
			URL:        redirect.String(),
		})

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, redirect.String(), nil)
		if err != nil {
			lastErr = err
			w.recordAttempt("bad_url")
			continue
		}
		req.Header.Set(HeaderComponent, componentName)
		if w.opts.Trace && rand.Float64() < w.opts.TraceSampleRate {
			req.Header.Set(HeaderTraceID, requestID)
		}

		resp, err := w.opts.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			w.recordAttempt("transport_error")
			if w.opts.Breaker != nil {
				w.opts.Breaker.RecordFailure(host)
				w.publishBreaker(host)
			}
			w.opts.Log.Warn("gateway attempt failed",
				slog.String("request_id", requestID),
				slog.String("gateway", host),
				slog.String("error", err.Error()),
			)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("gateway %s: status %d", host, resp.StatusCode)
			w.recordAttempt(fmt.Sprintf("http_%d", resp.StatusCode))
			if w.opts.Breaker != nil {
				w.opts.Breaker.RecordFailure(host)
				w.publishBreaker(host)
			}
			continue
		}

		w.recordAttempt("success")
		if w.opts.Breaker != nil {
			w.opts.Breaker.RecordSuccess(host)
			w.publishBreaker(host)
		}
		if w.opts.Metrics != nil {
			w.opts.Metrics.RecordGatewaySelected(host)
		}
		return resp, host, redirect.String(), nil
	}

	if lastErr == nil {
		lastErr = wferr.ErrNoGatewayAvailable
	}
	return nil, "", "", &wferr.RoutingExhausted{Attempts: attempts, Err: lastErr}
}

// verifyStream tees the response body, runs the verification strategy on the
// verify branch, and returns the instrumented client branch.
func (w *Wayfinder) verifyStream(
	ctx context.Context,
	resp *http.Response,
	txID string,
	verif *VerificationOptions,
	emitter *events.Emitter,
	parsed *arurl.Parsed,
	gwHost string,
	requestID string,
	start time.Time,
) io.ReadCloser {

	total := resp.ContentLength

	var tapOpts []tap.Option
	if verif.Strict {
		tapOpts = append(tapOpts, tap.Strict())
	}
	tapOpts = append(tapOpts, tap.WithProgress(func(processed int64) {
		emitter.Emit(events.Event{
			Type:           events.VerificationProgress,
			TxID:           txID,
			TotalBytes:     total,
			ProcessedBytes: processed,
		})
	}))

	t := tap.New(resp.Body, total, tapOpts...)
	strategyName := verif.Strategy.Name()

	outcome := make(chan string, 1)
	go func() {
		err := verif.Strategy.VerifyData(ctx, verification.Args{
			Data:          t.Verify(),
			TxID:          txID,
			ContentLength: total,
			Headers:       resp.Header,
		})
		// Keep the tee draining whatever the verdict was.
		_, _ = io.Copy(io.Discard, t.Verify())

		switch {
		case err == nil:
			t.FinishVerification(nil)
			emitter.Emit(events.Event{Type: events.VerificationSucceeded, TxID: txID, TotalBytes: total})
			w.recordVerification(strategyName, "succeeded", start)
			w.resolveVerdict(requestID, "succeeded")
			outcome <- "succeeded"

		case w.degradeToSkipped(verif, err):
			t.FinishVerification(nil)
			emitter.Emit(events.Event{Type: events.VerificationSkipped, TxID: txID})
			w.recordVerification(strategyName, "skipped", start)
			w.opts.Log.Warn("verification degraded to skipped",
				slog.String("request_id", requestID),
				slog.String("tx_id", txID),
				slog.String("error", err.Error()),
			)
			w.resolveVerdict(requestID, "skipped")
			outcome <- "skipped"

		default:
			t.FinishVerification(err)
			var vf *wferr.VerificationFailed
			reason := string(wferr.ReasonSourceError)
			if errors.As(err, &vf) {
				reason = string(vf.Reason)
			}
			emitter.Emit(events.Event{Type: events.VerificationFailed, TxID: txID, Reason: reason, Err: err})
			w.recordVerification(strategyName, "failed", start)
			w.resolveVerdict(requestID, "failed")
			outcome <- "failed"
		}
	}()

	client := t.Client()
	return w.instrumentWithOutcome(client, t, parsed, gwHost, resp.StatusCode, requestID, start, outcome)
}

// degradeToSkipped reports whether a verification error should downgrade to
// "skipped": source/lookup failures do unless strict sources are demanded.
func (w *Wayfinder) degradeToSkipped(verif *VerificationOptions, err error) bool {
	if verif.StrictSources {
		return false
	}
	var vf *wferr.VerificationFailed
	if errors.As(err, &vf) {
		return vf.Reason == wferr.ReasonSourceError
	}
	return errors.Is(err, wferr.ErrNotFound) || errors.Is(err, wferr.ErrAllSourcesFailed)
}

func (w *Wayfinder) recordAttempt(outcome string) {
	if w.opts.Metrics != nil {
		w.opts.Metrics.RecordRoutingAttempt(w.opts.StrategyName, outcome)
	}
}

func (w *Wayfinder) recordVerification(strategy, outcome string, start time.Time) {
	if w.opts.Metrics != nil {
		w.opts.Metrics.RecordVerification(strategy, outcome, time.Since(start))
	}
}

// resolveVerdict delivers a late verification verdict to the request logger,
// upgrading an entry the stream close may already have logged as "pending".
func (w *Wayfinder) resolveVerdict(requestID, verdict string) {
	if w.opts.RequestLogger == nil {
		return
	}
	if id, err := uuid.Parse(requestID); err == nil {
		w.opts.RequestLogger.Resolve(id, verdict)
	}
}

func (w *Wayfinder) publishBreaker(host string) {
	if w.opts.Metrics != nil && w.opts.Breaker != nil {
		w.opts.Metrics.SetCircuitBreaker(host, int64(w.opts.Breaker.State(host)))
	}
}

// resolveGasless rewrites a domain identifier into its bound transaction.
func (w *Wayfinder) resolveGasless(ctx context.Context, parsed *arurl.Parsed) (*arurl.Parsed, error) {
	if w.opts.GaslessResolver == nil {
		return nil, &wferr.ParseError{Input: parsed.Name, Detail: "gasless domains require a DNS resolver"}
	}
	txID, err := w.opts.GaslessResolver.ResolveTxID(ctx, parsed.Name)
	if err != nil {
		return nil, err
	}
	suffix := parsed.Path
	if suffix == "/" {
		suffix = ""
	}
	return arurl.Parse(arurl.Scheme + txID + suffix)
}

// passthrough hands a non-ar:// URL to the underlying client untouched.
func (w *Wayfinder) passthrough(ctx context.Context, rawURL, requestID string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       resp.Body,
		URL:        rawURL,
	}, nil
}

// instrument wraps body so completion records metrics and the request log.
func (w *Wayfinder) instrument(
	body io.ReadCloser,
	parsed *arurl.Parsed,
	gwHost string,
	status int,
	requestID string,
	start time.Time,
	verdict string,
) io.ReadCloser {
	return &countingBody{
		inner: body,
		done: func(n int64) {
			w.finishRequest(parsed, gwHost, status, requestID, start, verdict, n)
		},
	}
}

// instrumentWithOutcome defers the verification label until the verifier
// reports, falling back to "pending" if the body closes first.
func (w *Wayfinder) instrumentWithOutcome(
	body io.ReadCloser,
	t *tap.Tap,
	parsed *arurl.Parsed,
	gwHost string,
	status int,
	requestID string,
	start time.Time,
	outcome chan string,
) io.ReadCloser {
	return &countingBody{
		inner: body,
		done: func(n int64) {
			label := logger.VerdictPending
			select {
			case label = <-outcome:
			default:
				if t.Cancelled() {
					label = "cancelled"
				}
			}
			w.finishRequest(parsed, gwHost, status, requestID, start, label, n)
		},
	}
}

func (w *Wayfinder) finishRequest(
	parsed *arurl.Parsed,
	gwHost string,
	status int,
	requestID string,
	start time.Time,
	verdict string,
	bytes int64,
) {
	if w.opts.Metrics != nil {
		w.opts.Metrics.AddBytesStreamed(bytes)
	}
	if w.opts.RequestLogger == nil {
		return
	}
	id, err := uuid.Parse(requestID)
	if err != nil {
		id = uuid.New()
	}
	identifier := parsed.Name
	if parsed.Kind == arurl.KindTxID {
		identifier = parsed.TxID
	}
	w.opts.RequestLogger.Log(logger.RequestLog{
		ID:           id,
		Identifier:   identifier,
		Kind:         parsed.Kind.String(),
		Gateway:      gwHost,
		Status:       uint16(status),
		BytesServed:  bytes,
		LatencyMs:    uint32(time.Since(start).Milliseconds()),
		Verification: verdict,
		CreatedAt:    start,
	})
}

// countingBody counts delivered bytes and fires done exactly once when the
// stream ends (EOF, error, or Close).
type countingBody struct {
	inner io.ReadCloser
	n     int64
	done  func(n int64)
	once  sync.Once
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	b.n += int64(n)
	if err != nil {
		b.finish()
	}
	return n, err
}

func (b *countingBody) Close() error {
	err := b.inner.Close()
	b.finish()
	return err
}

func (b *countingBody) finish() {
	b.once.Do(func() {
		if b.done != nil {
			b.done(b.n)
		}
	})
}
