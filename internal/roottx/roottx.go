// Package roottx maps a data-item ID to the root transaction that encloses
// it. Verification needs the root: trusted gateways attest to on-chain
// objects, and a nested item is verified through byte ranges of its root.
package roottx

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/permagate/wayfinder/internal/cache"
)

// Info describes where a transaction's bytes live on chain.
type Info struct {
	RootTransactionID  string  `json:"rootTransactionId"`
	RootDataItemOffset *uint64 `json:"rootDataItemOffset,omitempty"`
	RootDataOffset     *uint64 `json:"rootDataOffset,omitempty"`
	IsDataItem         bool    `json:"isDataItem"`
}

// Source resolves a transaction ID to its root. Implementations fail with
// wferr.ErrNotFound when the ID is unknown and wferr.ErrAllSourcesFailed
// when every backend errored.
type Source interface {
	GetRootTransaction(ctx context.Context, txID string) (*Info, error)
}

var b64url = base64.RawURLEncoding

// decodeTxID decodes a 43-char base64url ID into its 32 raw bytes.
func decodeTxID(txID string) ([]byte, error) {
	raw, err := b64url.DecodeString(txID)
	if err != nil {
		return nil, fmt.Errorf("roottx: decode %q: %w", txID, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("roottx: %q decodes to %d bytes, want 32", txID, len(raw))
	}
	return raw, nil
}

// CachedSource memoizes another source's answers. The mapping from item to
// root is immutable, so entries are stored without expiry by default
// (ttl <= 0); pass a positive ttl only to bound a shared Redis keyspace.
type CachedSource struct {
	inner Source
	store cache.Cache
	ttl   time.Duration
}

func NewCachedSource(inner Source, store cache.Cache, ttl time.Duration) *CachedSource {
	return &CachedSource{inner: inner, store: store, ttl: ttl}
}

func (s *CachedSource) GetRootTransaction(ctx context.Context, txID string) (*Info, error) {
	key := "roottx:" + txID
	if raw, ok := s.store.Get(ctx, key); ok {
		var info Info
		if err := json.Unmarshal(raw, &info); err == nil {
			return &info, nil
		}
		_ = s.store.Delete(ctx, key)
	}

	info, err := s.inner.GetRootTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(info); err == nil {
		_ = s.store.Set(ctx, key, raw, s.ttl)
	}
	return info, nil
}
