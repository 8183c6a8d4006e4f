package verification

import (
	"context"
	"fmt"
	"io"

	"github.com/permagate/wayfinder/pkg/wferr"
)

// DataRootStrategy verifies a stream by rebuilding the transaction's Merkle
// data root chunk by chunk and comparing it to the x-ar-io-data-root value
// trusted gateways attest to.
//
// The data root is a property of layer-1 transactions. Data items nested in
// bundles carry no independent chunk tree, so this strategy refuses them —
// configure the hash strategy when bundled content must be verifiable.
type DataRootStrategy struct {
	opts Options
}

func NewDataRootStrategy(opts Options) (*DataRootStrategy, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &DataRootStrategy{opts: opts}, nil
}

func (s *DataRootStrategy) Name() string { return "data-root" }

func (s *DataRootStrategy) VerifyData(ctx context.Context, args Args) error {
	info, err := rootInfo(ctx, &s.opts, args.TxID)
	if err != nil {
		return err
	}
	if info.IsDataItem {
		return failed(args.TxID, wferr.ReasonSourceError,
			fmt.Errorf("data-root verification requires a layer-1 transaction"))
	}

	expectedCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		expected, err := headQuorum(ctx, &s.opts, args.TxID, HeaderDataRoot)
		if err != nil {
			errCh <- err
			return
		}
		expectedCh <- expected
	}()

	hasher := NewChunkHasher()
	if _, err := io.Copy(hasher, args.Data); err != nil {
		return failed(args.TxID, wferr.ReasonCancelled, err)
	}
	root := hasher.Root()
	observed := b64url.EncodeToString(root[:])

	select {
	case expected := <-expectedCh:
		if observed != expected {
			return failed(args.TxID, wferr.ReasonDigestMismatch,
				fmt.Errorf("stream data root %s, trusted data root %s", observed, expected))
		}
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return failed(args.TxID, wferr.ReasonCancelled, ctx.Err())
	}
}
