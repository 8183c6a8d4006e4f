package verification

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/permagate/wayfinder/pkg/wferr"
)

// SignatureStrategy verifies the transaction's owner signature and binds the
// observed stream to the signed data root.
//
// The signed header is fetched from trusted gateways (GET /tx/<txID>). The
// signature covers the deep hash of the canonical signing payload; the
// stream is then bound by rebuilding its Merkle data root and matching the
// signed data_root and data_size. Only format-2 transactions are supported —
// format 1 predates chunked data roots and cannot bind a stream.
type SignatureStrategy struct {
	opts Options
}

func NewSignatureStrategy(opts Options) (*SignatureStrategy, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &SignatureStrategy{opts: opts}, nil
}

func (s *SignatureStrategy) Name() string { return "signature" }

// txHeader is the signed transaction header served by gateways.
type txHeader struct {
	Format    int      `json:"format"`
	ID        string   `json:"id"`
	LastTx    string   `json:"last_tx"`
	Owner     string   `json:"owner"`
	Tags      []txTag  `json:"tags"`
	Target    string   `json:"target"`
	Quantity  string   `json:"quantity"`
	DataSize  string   `json:"data_size"`
	DataRoot  string   `json:"data_root"`
	Reward    string   `json:"reward"`
	Signature string   `json:"signature"`
}

type txTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *SignatureStrategy) VerifyData(ctx context.Context, args Args) error {
	info, err := rootInfo(ctx, &s.opts, args.TxID)
	if err != nil {
		return err
	}
	if info.IsDataItem {
		return failed(args.TxID, wferr.ReasonSourceError,
			fmt.Errorf("signature verification requires a layer-1 transaction"))
	}

	headerCh := make(chan *txHeader, 1)
	errCh := make(chan error, 1)
	go func() {
		hdr, err := s.fetchHeader(ctx, args.TxID)
		if err != nil {
			errCh <- err
			return
		}
		headerCh <- hdr
	}()

	hasher := NewChunkHasher()
	size, err := io.Copy(hasher, args.Data)
	if err != nil {
		return failed(args.TxID, wferr.ReasonCancelled, err)
	}

	var hdr *txHeader
	select {
	case hdr = <-headerCh:
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return failed(args.TxID, wferr.ReasonCancelled, ctx.Err())
	}

	if err := verifyHeaderSignature(args.TxID, hdr); err != nil {
		return err
	}

	// Bind the stream to the signed data root.
	if fmt.Sprintf("%d", size) != hdr.DataSize {
		return failed(args.TxID, wferr.ReasonDigestMismatch,
			fmt.Errorf("stream is %d bytes, signed data_size is %s", size, hdr.DataSize))
	}
	root := hasher.Root()
	observed := b64url.EncodeToString(root[:])
	if observed != hdr.DataRoot {
		return failed(args.TxID, wferr.ReasonDigestMismatch,
			fmt.Errorf("stream data root %s, signed data root %s", observed, hdr.DataRoot))
	}
	return nil
}

// fetchHeader walks the trusted gateways for the signed header.
func (s *SignatureStrategy) fetchHeader(ctx context.Context, txID string) (*txHeader, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var lastErr error
	for _, gw := range s.opts.TrustedGateways {
		u := gw.URL.String() + "/tx/" + txID
		req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, u, nil)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := s.opts.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("%s: status %d", gw.URL.Host, resp.StatusCode)
			continue
		}
		var hdr txHeader
		if err := json.Unmarshal(body, &hdr); err != nil {
			lastErr = err
			continue
		}
		return &hdr, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no trusted gateways configured")
	}
	return nil, failed(txID, wferr.ReasonSourceError, lastErr)
}

// verifyHeaderSignature checks the owner's RSA-PSS signature over the
// canonical format-2 signing payload and that the transaction ID is the
// SHA-256 of the signature.
func verifyHeaderSignature(txID string, hdr *txHeader) error {
	if hdr.Format != 2 {
		return failed(txID, wferr.ReasonSourceError,
			fmt.Errorf("unsupported transaction format %d", hdr.Format))
	}

	owner, err := b64url.DecodeString(hdr.Owner)
	if err != nil {
		return failed(txID, wferr.ReasonSourceError, fmt.Errorf("bad owner: %w", err))
	}
	sig, err := b64url.DecodeString(hdr.Signature)
	if err != nil {
		return failed(txID, wferr.ReasonSourceError, fmt.Errorf("bad signature: %w", err))
	}
	target, err := b64url.DecodeString(hdr.Target)
	if err != nil {
		return failed(txID, wferr.ReasonSourceError, fmt.Errorf("bad target: %w", err))
	}
	lastTx, err := b64url.DecodeString(hdr.LastTx)
	if err != nil {
		return failed(txID, wferr.ReasonSourceError, fmt.Errorf("bad last_tx: %w", err))
	}
	dataRoot, err := b64url.DecodeString(hdr.DataRoot)
	if err != nil {
		return failed(txID, wferr.ReasonSourceError, fmt.Errorf("bad data_root: %w", err))
	}

	// The ID is the SHA-256 of the signature bytes.
	wantID, err := b64url.DecodeString(txID)
	if err != nil {
		return failed(txID, wferr.ReasonSourceError, err)
	}
	gotID := sha256.Sum256(sig)
	if subtle.ConstantTimeCompare(gotID[:], wantID) != 1 {
		return failed(txID, wferr.ReasonDigestMismatch,
			fmt.Errorf("transaction id does not match signature"))
	}

	tags := deepHashItem{List: make([]deepHashItem, 0, len(hdr.Tags))}
	for _, tag := range hdr.Tags {
		name, err := b64url.DecodeString(tag.Name)
		if err != nil {
			return failed(txID, wferr.ReasonSourceError, fmt.Errorf("bad tag name: %w", err))
		}
		value, err := b64url.DecodeString(tag.Value)
		if err != nil {
			return failed(txID, wferr.ReasonSourceError, fmt.Errorf("bad tag value: %w", err))
		}
		tags.List = append(tags.List, listItem(blobItem(name), blobItem(value)))
	}

	payload := deepHash(listItem(
		blobItem([]byte("2")),
		blobItem(owner),
		blobItem(target),
		blobItem([]byte(hdr.Quantity)),
		blobItem([]byte(hdr.Reward)),
		blobItem(lastTx),
		tags,
		blobItem([]byte(hdr.DataSize)),
		blobItem(dataRoot),
	))

	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(owner), E: 65537}
	digest := sha256.Sum256(payload[:])
	pssOpts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOpts); err != nil {
		return failed(txID, wferr.ReasonDigestMismatch,
			fmt.Errorf("owner signature invalid: %w", err))
	}
	return nil
}
