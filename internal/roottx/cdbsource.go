package roottx

import (
	"bytes"
	"context"
	"fmt"

	"github.com/permagate/wayfinder/internal/cdb"
	"github.com/permagate/wayfinder/pkg/wferr"
)

// Lookuper is the CDB64 read surface this source needs — satisfied by both
// *cdb.Reader and *cdb.PartitionedReader.
type Lookuper interface {
	Lookup(ctx context.Context, key []byte) ([]byte, bool, error)
}

// CDB64Source resolves data-item IDs through a constant-database index keyed
// by the raw 32-byte ID.
type CDB64Source struct {
	index Lookuper
}

func NewCDB64Source(index Lookuper) (*CDB64Source, error) {
	if index == nil {
		return nil, &wferr.ConfigError{Field: "roottx.cdb64", Detail: "index required"}
	}
	return &CDB64Source{index: index}, nil
}

func (s *CDB64Source) GetRootTransaction(ctx context.Context, txID string) (*Info, error) {
	key, err := decodeTxID(txID)
	if err != nil {
		return nil, err
	}

	value, ok, err := s.index.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("roottx: cdb lookup: %w", err)
	}
	if !ok {
		return nil, wferr.ErrNotFound
	}

	rec, err := cdb.DecodeRootRecord(value)
	if err != nil {
		return nil, err
	}

	return &Info{
		RootTransactionID:  b64url.EncodeToString(rec.Root),
		RootDataItemOffset: rec.DataItemOffset,
		RootDataOffset:     rec.DataOffset,
		IsDataItem:         !bytes.Equal(rec.Root, key),
	}, nil
}

// ChainSource tries each source in order: ErrNotFound and transport errors
// both advance to the next; the first answer wins.
type ChainSource struct {
	sources []Source
}

func NewChainSource(sources ...Source) (*ChainSource, error) {
	if len(sources) == 0 {
		return nil, &wferr.ConfigError{Field: "roottx.chain", Detail: "at least one source required"}
	}
	return &ChainSource{sources: sources}, nil
}

func (s *ChainSource) GetRootTransaction(ctx context.Context, txID string) (*Info, error) {
	var lastErr error
	for _, src := range s.sources {
		info, err := src.GetRootTransaction(ctx, txID)
		if err == nil {
			return info, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("roottx: %w: %w", wferr.ErrAllSourcesFailed, lastErr)
}
