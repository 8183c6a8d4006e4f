package roottx

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/permagate/wayfinder/internal/gateways"
	"github.com/permagate/wayfinder/pkg/wferr"
)

// Response headers carrying root transaction info.
const (
	HeaderRootTransactionID  = "x-ar-io-root-transaction-id"
	HeaderRootDataItemOffset = "x-ar-io-root-data-item-offset"
	HeaderRootDataOffset     = "x-ar-io-root-data-offset"
)

const defaultHeadTimeout = 10 * time.Second

// TrustedGatewaySource asks trusted gateways for root-transaction headers
// with HEAD requests, walking the list in order until one answers.
//
// A 2xx whose root header names a different transaction resolves to a data
// item. A 2xx without the header advances to the next gateway in case a
// better-informed one exists; if every gateway answered 2xx headerless, the
// ID is taken to be a root transaction itself.
type TrustedGatewaySource struct {
	trusted []gateways.Gateway
	client  *http.Client
}

func NewTrustedGatewaySource(trusted []gateways.Gateway, client *http.Client) (*TrustedGatewaySource, error) {
	if len(trusted) == 0 {
		return nil, &wferr.ConfigError{Field: "roottx.trustedGateways", Detail: "at least one trusted gateway required"}
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHeadTimeout}
	}
	return &TrustedGatewaySource{trusted: trusted, client: client}, nil
}

func (s *TrustedGatewaySource) GetRootTransaction(ctx context.Context, txID string) (*Info, error) {
	if _, err := decodeTxID(txID); err != nil {
		return nil, err
	}

	sawOK := false
	var lastErr error

	for _, gw := range s.trusted {
		u := *gw.URL
		u.Path = "/" + txID

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("roottx: %s: status %d", u.Host, resp.StatusCode)
			continue
		}
		sawOK = true

		root := resp.Header.Get(HeaderRootTransactionID)
		if root == "" {
			continue
		}
		if root == txID {
			return &Info{RootTransactionID: txID, IsDataItem: false}, nil
		}

		info := &Info{RootTransactionID: root, IsDataItem: true}
		if v := resp.Header.Get(HeaderRootDataItemOffset); v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				info.RootDataItemOffset = &n
			}
		}
		if v := resp.Header.Get(HeaderRootDataOffset); v != "" {
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				info.RootDataOffset = &n
			}
		}
		return info, nil
	}

	if sawOK {
		return &Info{RootTransactionID: txID, IsDataItem: false}, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("roottx: %w: %w", wferr.ErrAllSourcesFailed, lastErr)
	}
	return nil, wferr.ErrNotFound
}
