package verification

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/permagate/wayfinder/internal/roottx"
	"github.com/permagate/wayfinder/pkg/wferr"
)

var b64url = base64.RawURLEncoding

// HashStrategy verifies a stream by comparing its SHA-256 against the digest
// trusted gateways attest to.
//
// For a root transaction the expected digest comes from the x-ar-io-digest
// header on HEAD /<txID>. For a data item nested in a bundle, trusted
// gateways are instead asked for the byte-range window of the root
// transaction that holds the item's payload, and the expected digest is
// computed from those bytes.
type HashStrategy struct {
	opts Options
}

func NewHashStrategy(opts Options) (*HashStrategy, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &HashStrategy{opts: opts}, nil
}

func (s *HashStrategy) Name() string { return "hash" }

func (s *HashStrategy) VerifyData(ctx context.Context, args Args) error {
	info, err := rootInfo(ctx, &s.opts, args.TxID)
	if err != nil {
		return err
	}

	// Fetch the expected digest while the stream hashes below.
	expectedCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		var expected string
		var err error
		if info.IsDataItem {
			expected, err = s.rangeDigestQuorum(ctx, info, args)
		} else {
			expected, err = headQuorum(ctx, &s.opts, args.TxID, HeaderDigest)
		}
		if err != nil {
			errCh <- err
			return
		}
		expectedCh <- expected
	}()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, args.Data); err != nil {
		return failed(args.TxID, wferr.ReasonCancelled, err)
	}
	observed := b64url.EncodeToString(hasher.Sum(nil))

	select {
	case expected := <-expectedCh:
		if subtle.ConstantTimeCompare([]byte(observed), []byte(expected)) != 1 {
			return failed(args.TxID, wferr.ReasonDigestMismatch,
				fmt.Errorf("stream digest %s, trusted digest %s", observed, expected))
		}
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return failed(args.TxID, wferr.ReasonCancelled, ctx.Err())
	}
}

// rangeDigestQuorum computes the expected digest of a data item by reading
// its payload window from the root transaction on trusted gateways. Each
// gateway's window is hashed locally; quorum and conflict rules match the
// header path.
func (s *HashStrategy) rangeDigestQuorum(ctx context.Context, info *roottx.Info, args Args) (string, error) {
	if info.RootDataOffset == nil || args.ContentLength < 0 {
		return "", failed(args.TxID, wferr.ReasonSourceError,
			fmt.Errorf("data item %s: missing payload window", args.TxID))
	}
	start := *info.RootDataOffset
	end := start + uint64(args.ContentLength) - 1

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	type answer struct {
		digest string
		err    error
	}
	results := make(chan answer, len(s.opts.TrustedGateways))

	g, rangeCtx := errgroup.WithContext(fetchCtx)
	g.SetLimit(s.opts.MaxConcurrency)
	for _, gw := range s.opts.TrustedGateways {
		gw := gw
		g.Go(func() error {
			d, err := s.rangeDigest(rangeCtx, gw.URL.String()+"/"+info.RootTransactionID, start, end)
			results <- answer{digest: d, err: err}
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
					lastErr = fmt.Errorf("no trusted gateway served the item window")
				}
				return "", failed(args.TxID, wferr.ReasonSourceError, lastErr)
			}
			if a.err != nil {
				lastErr = a.err
				continue
			}
			counts[a.digest]++
			if len(counts) > 1 {
				return "", failed(args.TxID, wferr.ReasonTrustConflict,
					fmt.Errorf("trusted gateways disagree on item bytes"))
			}
			if counts[a.digest] >= s.opts.Quorum {
				return a.digest, nil
			}
		case <-fetchCtx.Done():
			if fetchCtx.Err() == context.DeadlineExceeded {
				return "", failed(args.TxID, wferr.ReasonTimeout, fetchCtx.Err())
			}
			return "", failed(args.TxID, wferr.ReasonCancelled, fetchCtx.Err())
		}
	}
}

func (s *HashStrategy) rangeDigest(ctx context.Context, rawURL string, start, end uint64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return "", &wferr.RangeNotSatisfied{URL: rawURL, Status: resp.StatusCode, Want: int(end - start + 1)}
	}

	hasher := sha256.New()
	n, err := io.Copy(hasher, resp.Body)
	if err != nil {
		return "", err
	}
	if uint64(n) != end-start+1 {
		return "", &wferr.RangeNotSatisfied{URL: rawURL, Status: resp.StatusCode, Want: int(end - start + 1), Got: int(n)}
	}
	return b64url.EncodeToString(hasher.Sum(nil)), nil
}
