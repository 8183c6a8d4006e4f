package cdb

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// RootRecord is the value stored under a data-item ID key: the enclosing
// root transaction plus the offsets locating the item inside it.
//
// Wire form is a MessagePack map {r: 32 raw bytes, i?: u64, d?: u64}.
type RootRecord struct {
	Root           []byte  `msgpack:"r"`
	DataItemOffset *uint64 `msgpack:"i,omitempty"`
	DataOffset     *uint64 `msgpack:"d,omitempty"`
}

// EncodeRootRecord serializes rec to its MessagePack wire form.
func EncodeRootRecord(rec *RootRecord) ([]byte, error) {
	if len(rec.Root) != 32 {
		return nil, fmt.Errorf("cdb: root id is %d bytes, want 32", len(rec.Root))
	}
	out, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("cdb: encode root record: %w", err)
	}
	return out, nil
}

// DecodeRootRecord parses a MessagePack root record value.
func DecodeRootRecord(value []byte) (*RootRecord, error) {
	var rec RootRecord
	if err := msgpack.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("cdb: decode root record: %w", err)
	}
	if len(rec.Root) != 32 {
		return nil, fmt.Errorf("cdb: decoded root id is %d bytes, want 32", len(rec.Root))
	}
	return &rec, nil
}
