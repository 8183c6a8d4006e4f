package cdb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
)

// memFile is an in-memory io.WriteSeeker for building test databases.
type memFile struct {
	data []byte
	pos  int64
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	return m.pos, nil
}

// buildDB builds a CDB64 file from pairs in insertion order.
func buildDB(t *testing.T, pairs [][2][]byte) []byte {
	t.Helper()

	f := &memFile{}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, kv := range pairs {
		if err := w.Put(kv[0], kv[1]); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return f.data
}

func openDB(t *testing.T, data []byte) *Reader {
	t.Helper()
	r, err := Open(context.Background(), NewMemorySource(data))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func TestHash(t *testing.T) {
	if got := Hash(nil); got != 5381 {
		t.Errorf("Hash(nil) = %d, want 5381", got)
	}
	if Hash([]byte("a")) == Hash([]byte("b")) {
		t.Error("distinct keys should not trivially collide")
	}
	// Reference: h('a') = ((5381<<5)+5381) ^ 'a'.
	if got, want := Hash([]byte("a")), uint64(177573^97); got != want {
		t.Errorf("Hash(a) = %d, want %d", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	var pairs [][2][]byte
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("key-%04d", i))
		v := []byte(fmt.Sprintf("value-%d", i*7))
		pairs = append(pairs, [2][]byte{k, v})
	}

	r := openDB(t, buildDB(t, pairs))
	ctx := context.Background()

	for _, kv := range pairs {
		val, ok, err := r.Lookup(ctx, kv[0])
		if err != nil {
			t.Fatalf("Lookup(%q): %v", kv[0], err)
		}
		if !ok {
			t.Fatalf("Lookup(%q): absent, want present", kv[0])
		}
		if !bytes.Equal(val, kv[1]) {
			t.Fatalf("Lookup(%q) = %q, want %q", kv[0], val, kv[1])
		}
	}

	for _, k := range []string{"key-1000", "missing", ""} {
		if _, ok, err := r.Lookup(ctx, []byte(k)); err != nil || ok {
			t.Errorf("Lookup(%q) = (ok=%v, err=%v), want absent", k, ok, err)
		}
	}
}

func TestRoundTrip_BinaryKeys(t *testing.T) {
	zeros := make([]byte, 32)
	ones := bytes.Repeat([]byte{1}, 32)

	value, err := EncodeRootRecord(&RootRecord{Root: ones})
	if err != nil {
		t.Fatalf("EncodeRootRecord: %v", err)
	}

	r := openDB(t, buildDB(t, [][2][]byte{{zeros, value}}))
	ctx := context.Background()

	got, ok, err := r.Lookup(ctx, zeros)
	if err != nil || !ok {
		t.Fatalf("Lookup(zeros) = (ok=%v, err=%v)", ok, err)
	}
	rec, err := DecodeRootRecord(got)
	if err != nil {
		t.Fatalf("DecodeRootRecord: %v", err)
	}
	if !bytes.Equal(rec.Root, ones) {
		t.Errorf("Root = %x, want 32 ones", rec.Root)
	}
	if rec.DataItemOffset != nil || rec.DataOffset != nil {
		t.Errorf("offsets should be absent, got %v / %v", rec.DataItemOffset, rec.DataOffset)
	}

	if _, ok, _ := r.Lookup(ctx, ones); ok {
		t.Error("Lookup(ones) should be absent")
	}
}

func TestRootRecord_Offsets(t *testing.T) {
	root := bytes.Repeat([]byte{9}, 32)
	itemOff := uint64(1 << 40)
	dataOff := uint64(4096)

	enc, err := EncodeRootRecord(&RootRecord{Root: root, DataItemOffset: &itemOff, DataOffset: &dataOff})
	if err != nil {
		t.Fatalf("EncodeRootRecord: %v", err)
	}
	rec, err := DecodeRootRecord(enc)
	if err != nil {
		t.Fatalf("DecodeRootRecord: %v", err)
	}
	if rec.DataItemOffset == nil || *rec.DataItemOffset != itemOff {
		t.Errorf("DataItemOffset = %v, want %d", rec.DataItemOffset, itemOff)
	}
	if rec.DataOffset == nil || *rec.DataOffset != dataOff {
		t.Errorf("DataOffset = %v, want %d", rec.DataOffset, dataOff)
	}
}

func TestEmptyDB(t *testing.T) {
	r := openDB(t, buildDB(t, nil))
	if _, ok, err := r.Lookup(context.Background(), []byte("anything")); err != nil || ok {
		t.Errorf("empty db lookup = (ok=%v, err=%v), want absent", ok, err)
	}
}

func TestDuplicateKeys_FirstWins(t *testing.T) {
	k := []byte("dup")
	r := openDB(t, buildDB(t, [][2][]byte{
		{k, []byte("first")},
		{k, []byte("second")},
	}))
	val, ok, err := r.Lookup(context.Background(), k)
	if err != nil || !ok {
		t.Fatalf("Lookup = (ok=%v, err=%v)", ok, err)
	}
	if string(val) != "first" {
		t.Errorf("Lookup = %q, want first record in probe order", val)
	}
}

func TestHeaderLayout(t *testing.T) {
	data := buildDB(t, [][2][]byte{{[]byte("k"), []byte("v")}})
	if len(data) < headerSize {
		t.Fatalf("file is %d bytes, want >= %d", len(data), headerSize)
	}
	// One 1-byte key + 1-byte value record directly after the header.
	wantRecords := headerSize + recHdrSize + 2
	wantTotal := wantRecords + 2*slotSize // one table of two slots
	if len(data) != wantTotal {
		t.Errorf("file is %d bytes, want %d", len(data), wantTotal)
	}
}

func TestMemorySource_SafetyLimit(t *testing.T) {
	s := NewMemorySource(nil)
	if _, err := s.ReadAt(context.Background(), MaxSafePosition+1, 1); err == nil {
		t.Error("expected error for position beyond 2^53-1")
	}
}
