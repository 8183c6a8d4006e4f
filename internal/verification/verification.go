// Package verification checks that bytes served by a routed gateway match
// what independent trusted gateways attest to.
//
// Three strategies exist: digest comparison (x-ar-io-digest), Merkle
// data-root reconstruction (x-ar-io-data-root), and full signature
// verification of the transaction header. Every strategy consumes the verify
// branch of the response tee while fetching its expected value in parallel
// from the trusted set.
package verification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/permagate/wayfinder/internal/gateways"
	"github.com/permagate/wayfinder/internal/roottx"
	"github.com/permagate/wayfinder/pkg/wferr"
)

// Trusted-gateway attestation headers.
const (
	HeaderDigest   = "x-ar-io-digest"
	HeaderDataRoot = "x-ar-io-data-root"
)

// Defaults shared by the strategies.
const (
	DefaultTimeout        = 60 * time.Second
	DefaultMaxConcurrency = 5
	DefaultQuorum         = 1
)

// Args carries one request's verify-branch stream and its identity.
type Args struct {
	// Data is the verify branch of the response tee. Strategies must drain it.
	Data io.Reader
	// TxID is the transaction the stream claims to be.
	TxID string
	// ContentLength is the declared stream length, -1 if unknown.
	ContentLength int64
	// Headers are the response headers from the routed gateway.
	Headers http.Header
}

// Strategy computes an expected value from trusted gateways and compares it
// against the observed stream. A nil return means the bytes are genuine.
type Strategy interface {
	Name() string
	VerifyData(ctx context.Context, args Args) error
}

// Options is the shared strategy configuration.
type Options struct {
	TrustedGateways []gateways.Gateway
	Client          *http.Client
	// MaxConcurrency bounds parallel trusted fetches. Default 5.
	MaxConcurrency int
	// Timeout bounds the whole expected-value fetch. Default 60 s.
	Timeout time.Duration
	// Quorum is how many agreeing trusted answers settle the expected value.
	// Default 1.
	Quorum int
	// RootSource, when set, redirects data-item verification at the
	// enclosing root transaction.
	RootSource roottx.Source
}

func (o *Options) validate() error {
	if len(o.TrustedGateways) == 0 {
		return &wferr.ConfigError{Field: "verification.trustedGateways", Detail: "at least one trusted gateway required"}
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Quorum <= 0 {
		o.Quorum = DefaultQuorum
	}
	if o.Quorum > len(o.TrustedGateways) {
		return &wferr.ConfigError{Field: "verification.quorum", Detail: "quorum exceeds trusted gateway count"}
	}
	return nil
}

// failed wraps reason and cause into the error kind the tap and event bus
// understand.
func failed(txID string, reason wferr.Reason, err error) error {
	return &wferr.VerificationFailed{TxID: txID, Reason: reason, Err: err}
}

// headQuorum asks every trusted gateway for one response header on
// HEAD /<txID> and returns the first value reaching quorum agreement.
// Two distinct non-empty answers are a trust conflict. Gateways that error
// or omit the header are skipped.
func headQuorum(ctx context.Context, o *Options, txID, header string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	type answer struct {
		value string
		err   error
	}
	results := make(chan answer, len(o.TrustedGateways))

	g, fetchCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.MaxConcurrency)
	for _, gw := range o.TrustedGateways {
		gw := gw
		g.Go(func() error {
			u := *gw.URL
			u.Path = "/" + txID
			v, err := headHeader(fetchCtx, o.Client, &u, header)
			results <- answer{value: v, err: err}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	counts := make(map[string]int)
	var lastErr error
	for {
		select {
		case a, ok := <-results:
			if !ok {
				if lastErr == nil {
					lastErr = fmt.Errorf("no trusted gateway supplied %s", header)
				}
				return "", failed(txID, wferr.ReasonSourceError, lastErr)
			}
			if a.err != nil {
				lastErr = a.err
				continue
			}
			if a.value == "" {
				continue
			}
			counts[a.value]++
			if len(counts) > 1 {
				return "", failed(txID, wferr.ReasonTrustConflict,
					fmt.Errorf("trusted gateways disagree on %s", header))
			}
			if counts[a.value] >= o.Quorum {
				return a.value, nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", failed(txID, wferr.ReasonTimeout, ctx.Err())
			}
			return "", failed(txID, wferr.ReasonCancelled, ctx.Err())
		}
	}
}

func headHeader(ctx context.Context, client *http.Client, u *url.URL, header string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s: status %d", u.Host, resp.StatusCode)
	}
	return resp.Header.Get(header), nil
}

// rootInfo resolves the root transaction when a RootSource is configured;
// without one the stream is assumed to be a root transaction.
func rootInfo(ctx context.Context, o *Options, txID string) (*roottx.Info, error) {
	if o.RootSource == nil {
		return &roottx.Info{RootTransactionID: txID, IsDataItem: false}, nil
	}
	info, err := o.RootSource.GetRootTransaction(ctx, txID)
	if err != nil {
		return nil, failed(txID, wferr.ReasonSourceError, err)
	}
	return info, nil
}

// NoneStrategy disables verification while keeping the pipeline shape: the
// verify branch is drained so the tee never stalls.
type NoneStrategy struct{}

func (NoneStrategy) Name() string { return "none" }

func (NoneStrategy) VerifyData(_ context.Context, args Args) error {
	_, err := io.Copy(io.Discard, args.Data)
	return err
}
