// Package cdb implements the CDB64 constant database: the classic Bernstein
// CDB layout with all offsets and hash values widened to 64 bits, little
// endian. Files are immutable after construction; lookups are O(1) expected
// and lock-free.
//
// Layout:
//
//	header   256 × (table position u64, slot count u64)      = 4096 bytes
//	records  (key len u64, value len u64, key, value)…
//	tables   256 tables of 2·N_i slots of (hash u64, record position u64)
//
// A zero record position marks an empty slot.
package cdb

import (
	"context"
	"encoding/binary"
	"fmt"
)

const (
	headerSize = 4096
	numTables  = 256
	slotSize   = 16 // hash u64 + position u64
	recHdrSize = 16 // key len u64 + value len u64
)

// maxRecordLen caps single key/value lengths so a corrupt file cannot force
// a multi-gigabyte allocation.
const maxRecordLen = 1 << 30

type tablePointer struct {
	pos   uint64
	slots uint64
}

// Reader performs lookups against one CDB64 file through a ByteRangeSource.
// It is safe for concurrent use: after Open the reader is logically immutable.
type Reader struct {
	src    ByteRangeSource
	tables [numTables]tablePointer
}

// Open reads and parses the 4096-byte header.
func Open(ctx context.Context, src ByteRangeSource) (*Reader, error) {
	hdr, err := src.ReadAt(ctx, 0, headerSize)
	if err != nil {
		return nil, fmt.Errorf("cdb: read header: %w", err)
	}

	r := &Reader{src: src}
	for i := 0; i < numTables; i++ {
		r.tables[i] = tablePointer{
			pos:   binary.LittleEndian.Uint64(hdr[i*16:]),
			slots: binary.LittleEndian.Uint64(hdr[i*16+8:]),
		}
	}
	return r, nil
}

// Lookup returns the value stored under key, or (nil, false, nil) when the
// key is absent.
func (r *Reader) Lookup(ctx context.Context, key []byte) ([]byte, bool, error) {
	h := Hash(key)
	tp := r.tables[h%numTables]
	if tp.slots == 0 {
		return nil, false, nil
	}

	slot := (h / numTables) % tp.slots
	for probes := uint64(0); probes < tp.slots; probes++ {
		raw, err := r.src.ReadAt(ctx, tp.pos+slot*slotSize, slotSize)
		if err != nil {
			return nil, false, fmt.Errorf("cdb: read slot: %w", err)
		}
		slotHash := binary.LittleEndian.Uint64(raw)
		recPos := binary.LittleEndian.Uint64(raw[8:])

		if recPos == 0 {
			return nil, false, nil
		}
		if slotHash == h {
			val, ok, err := r.readRecord(ctx, recPos, key)
			if err != nil {
				return nil, false, err
			}
			if ok {
				return val, true, nil
			}
		}
		slot = (slot + 1) % tp.slots
	}
	return nil, false, nil
}

// readRecord reads the record at pos and returns its value if the stored key
// equals key.
func (r *Reader) readRecord(ctx context.Context, pos uint64, key []byte) ([]byte, bool, error) {
	hdr, err := r.src.ReadAt(ctx, pos, recHdrSize)
	if err != nil {
		return nil, false, fmt.Errorf("cdb: read record header: %w", err)
	}
	keyLen := binary.LittleEndian.Uint64(hdr)
	valLen := binary.LittleEndian.Uint64(hdr[8:])

	if keyLen > maxRecordLen || valLen > maxRecordLen {
		return nil, false, fmt.Errorf("cdb: record at %d: implausible lengths (%d, %d)", pos, keyLen, valLen)
	}
	if keyLen != uint64(len(key)) {
		return nil, false, nil
	}

	stored, err := r.src.ReadAt(ctx, pos+recHdrSize, int(keyLen))
	if err != nil {
		return nil, false, fmt.Errorf("cdb: read record key: %w", err)
	}
	for i := range key {
		if stored[i] != key[i] {
			return nil, false, nil
		}
	}

	val, err := r.src.ReadAt(ctx, pos+recHdrSize+keyLen, int(valLen))
	if err != nil {
		return nil, false, fmt.Errorf("cdb: read record value: %w", err)
	}
	return val, true, nil
}

// Close releases the underlying source.
func (r *Reader) Close() error {
	return r.src.Close()
}
