package cdb

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultPartitionOpenTimeout = 10 * time.Second

// PartitionedReader routes lookups across up to 256 CDB64 partitions keyed
// by the first byte of the key. Partition files are opened lazily over HTTP
// on first access; concurrent first accesses for the same prefix are
// deduplicated so only a single open is ever in flight.
//
// A partition whose open fails is marked permanently absent for the lifetime
// of the reader: the failure is logged and subsequent lookups against that
// prefix report a miss rather than an error.
type PartitionedReader struct {
	manifest *Manifest
	client   *http.Client
	log      *slog.Logger

	openTimeout time.Duration
	group       singleflight.Group

	mu       sync.RWMutex
	readers  map[byte]*Reader
	absent   map[byte]bool
	byPrefix map[byte]*Partition
}

// PartitionedOption tunes a PartitionedReader.
type PartitionedOption func(*PartitionedReader)

// WithHTTPClient overrides the HTTP client used for partition range reads.
func WithHTTPClient(c *http.Client) PartitionedOption {
	return func(r *PartitionedReader) { r.client = c }
}

// WithOpenTimeout overrides the per-partition open timeout (default 10 s).
func WithOpenTimeout(d time.Duration) PartitionedOption {
	return func(r *PartitionedReader) { r.openTimeout = d }
}

// WithLogger sets the logger for open failures.
func WithLogger(l *slog.Logger) PartitionedOption {
	return func(r *PartitionedReader) { r.log = l }
}

// NewPartitionedReader builds a reader over a parsed manifest. No partition
// is opened until a key with its prefix is looked up.
func NewPartitionedReader(m *Manifest, opts ...PartitionedOption) (*PartitionedReader, error) {
	r := &PartitionedReader{
		manifest:    m,
		client:      &http.Client{Timeout: defaultPartitionOpenTimeout},
		log:         slog.Default(),
		openTimeout: defaultPartitionOpenTimeout,
		readers:     make(map[byte]*Reader),
		absent:      make(map[byte]bool),
		byPrefix:    make(map[byte]*Partition),
	}
	for i := range m.Partitions {
		p := &m.Partitions[i]
		b, err := p.PrefixByte()
		if err != nil {
			return nil, err
		}
		if _, dup := r.byPrefix[b]; dup {
			return nil, fmt.Errorf("cdb: duplicate partition prefix %q", p.Prefix)
		}
		r.byPrefix[b] = p
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Lookup finds key in the partition selected by its first byte. Missing
// partitions — absent from the manifest or failed to open — report a miss.
func (r *PartitionedReader) Lookup(ctx context.Context, key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, fmt.Errorf("cdb: empty key")
	}
	prefix := key[0]

	rd, err := r.partition(ctx, prefix)
	if err != nil || rd == nil {
		return nil, false, err
	}
	return rd.Lookup(ctx, key)
}

// partition returns the open reader for prefix, opening it on first use.
// Returns (nil, nil) when the partition is not in the manifest or has been
// marked absent.
func (r *PartitionedReader) partition(ctx context.Context, prefix byte) (*Reader, error) {
	r.mu.RLock()
	rd, open := r.readers[prefix]
	gone := r.absent[prefix]
	r.mu.RUnlock()
	if open {
		return rd, nil
	}
	if gone {
		return nil, nil
	}

	part, exists := r.byPrefix[prefix]
	if !exists {
		return nil, nil
	}

	v, err, _ := r.group.Do(part.Prefix, func() (any, error) {
		// Recheck under the group: a previous flight may have resolved it.
		r.mu.RLock()
		rd, open := r.readers[prefix]
		gone := r.absent[prefix]
		r.mu.RUnlock()
		if open {
			return rd, nil
		}
		if gone {
			return (*Reader)(nil), nil
		}

		openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.openTimeout)
		defer cancel()

		src, err := OpenHTTPSource(openCtx, part.Location.URL, r.client)
		if err == nil {
			rd, err = Open(openCtx, src)
			if err != nil {
				_ = src.Close()
			}
		}
		if err != nil {
			r.log.Warn("cdb partition open failed; marking absent",
				slog.String("prefix", part.Prefix),
				slog.String("url", part.Location.URL),
				slog.String("error", err.Error()),
			)
			r.mu.Lock()
			r.absent[prefix] = true
			r.mu.Unlock()
			return (*Reader)(nil), nil
		}

		r.mu.Lock()
		r.readers[prefix] = rd
		r.mu.Unlock()
		return rd, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Reader), nil
}

// Close releases every opened partition.
func (r *PartitionedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for prefix, rd := range r.readers {
		if err := rd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.readers, prefix)
	}
	return firstErr
}
