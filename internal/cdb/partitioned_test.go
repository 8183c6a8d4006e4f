package cdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/permagate/wayfinder/pkg/wferr"
)

// serveRanges answers HEAD and single-range GET requests over data, counting
// HEAD probes (= partition opens).
func serveRanges(t *testing.T, data []byte, opens *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			if opens != nil {
				opens.Add(1)
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		rng := r.Header.Get("Range")
		if !strings.HasPrefix(rng, "bytes=") {
			http.Error(w, "range required", http.StatusBadRequest)
			return
		}
		parts := strings.SplitN(strings.TrimPrefix(rng, "bytes="), "-", 2)
		start, _ := strconv.ParseInt(parts[0], 10, 64)
		end, _ := strconv.ParseInt(parts[1], 10, 64)
		if start < 0 || end >= int64(len(data)) || start > end {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(data[start : end+1])
	}))
}

func TestHTTPSource_ReadAt(t *testing.T) {
	data := []byte("0123456789")
	srv := serveRanges(t, data, nil)
	defer srv.Close()

	src, err := OpenHTTPSource(context.Background(), srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("OpenHTTPSource: %v", err)
	}
	if src.Size() != uint64(len(data)) {
		t.Errorf("Size = %d, want %d", src.Size(), len(data))
	}

	got, err := src.ReadAt(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "23456" {
		t.Errorf("ReadAt = %q, want 23456", got)
	}
}

func TestHTTPSource_RejectsNon206(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "10")
			return
		}
		// Full-body 200 instead of honoring the range.
		_, _ = w.Write(make([]byte, 10))
	}))
	defer srv.Close()

	src, err := OpenHTTPSource(context.Background(), srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("OpenHTTPSource: %v", err)
	}
	_, err = src.ReadAt(context.Background(), 0, 4)
	var rns *wferr.RangeNotSatisfied
	if !errors.As(err, &rns) {
		t.Fatalf("ReadAt err = %v, want RangeNotSatisfied", err)
	}
	if rns.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", rns.Status)
	}
}

// buildPartitionedFixture builds databases for prefixes 0x00 and 0x01 and a
// manifest pointing at range-serving test servers.
func buildPartitionedFixture(t *testing.T, opens *atomic.Int64) (*Manifest, func()) {
	t.Helper()

	key0 := append([]byte{0x00}, bytes.Repeat([]byte{0xaa}, 31)...)
	key1 := append([]byte{0x01}, bytes.Repeat([]byte{0xbb}, 31)...)

	db0 := buildDB(t, [][2][]byte{{key0, []byte("part0-value")}})
	db1 := buildDB(t, [][2][]byte{{key1, []byte("part1-value")}})

	srv0 := serveRanges(t, db0, opens)
	srv1 := serveRanges(t, db1, opens)

	m := &Manifest{
		Version:      ManifestVersion,
		CreatedAt:    time.Now().UTC(),
		TotalRecords: 2,
		Partitions: []Partition{
			{Prefix: "00", Location: Location{Type: "http", URL: srv0.URL}, RecordCount: 1, Size: uint64(len(db0))},
			{Prefix: "01", Location: Location{Type: "http", URL: srv1.URL}, RecordCount: 1, Size: uint64(len(db1))},
		},
	}
	return m, func() { srv0.Close(); srv1.Close() }
}

func TestPartitionedReader_Lookup(t *testing.T) {
	m, done := buildPartitionedFixture(t, nil)
	defer done()

	pr, err := NewPartitionedReader(m)
	if err != nil {
		t.Fatalf("NewPartitionedReader: %v", err)
	}
	defer pr.Close()

	ctx := context.Background()
	key0 := append([]byte{0x00}, bytes.Repeat([]byte{0xaa}, 31)...)
	key1 := append([]byte{0x01}, bytes.Repeat([]byte{0xbb}, 31)...)

	val, ok, err := pr.Lookup(ctx, key0)
	if err != nil || !ok || string(val) != "part0-value" {
		t.Fatalf("Lookup(key0) = (%q, %v, %v)", val, ok, err)
	}
	val, ok, err = pr.Lookup(ctx, key1)
	if err != nil || !ok || string(val) != "part1-value" {
		t.Fatalf("Lookup(key1) = (%q, %v, %v)", val, ok, err)
	}

	// Prefix 0x02 has no partition in the manifest: miss, not error.
	if _, ok, err := pr.Lookup(ctx, []byte{0x02, 0x00}); err != nil || ok {
		t.Errorf("Lookup(no partition) = (ok=%v, err=%v), want miss", ok, err)
	}
}

// TestPartitionedReader_SingleflightOpen hammers one partition from many
// goroutines; the server must see exactly one open (HEAD).
func TestPartitionedReader_SingleflightOpen(t *testing.T) {
	var opens atomic.Int64
	m, done := buildPartitionedFixture(t, &opens)
	defer done()

	pr, err := NewPartitionedReader(m)
	if err != nil {
		t.Fatalf("NewPartitionedReader: %v", err)
	}
	defer pr.Close()

	key0 := append([]byte{0x00}, bytes.Repeat([]byte{0xaa}, 31)...)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := pr.Lookup(context.Background(), key0); err != nil || !ok {
				t.Errorf("Lookup = (ok=%v, err=%v)", ok, err)
			}
		}()
	}
	wg.Wait()

	if got := opens.Load(); got != 1 {
		t.Errorf("partition opened %d times, want 1", got)
	}
}

// TestPartitionedReader_OpenFailureMarksAbsent points a partition at a dead
// server: lookups degrade to misses, permanently, without re-dialing.
func TestPartitionedReader_OpenFailureMarksAbsent(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusInternalServerError)
	}))
	dead.Close() // connection refused from here on

	m := &Manifest{
		Version: ManifestVersion,
		Partitions: []Partition{
			{Prefix: "00", Location: Location{Type: "http", URL: dead.URL}},
		},
	}
	pr, err := NewPartitionedReader(m, WithOpenTimeout(500*time.Millisecond))
	if err != nil {
		t.Fatalf("NewPartitionedReader: %v", err)
	}
	defer pr.Close()

	for i := 0; i < 3; i++ {
		if _, ok, err := pr.Lookup(context.Background(), []byte{0x00, 0x01}); err != nil || ok {
			t.Fatalf("Lookup #%d = (ok=%v, err=%v), want silent miss", i, ok, err)
		}
	}
}

func TestParseManifest(t *testing.T) {
	good := `{"version":1,"createdAt":"2026-01-02T03:04:05Z","totalRecords":2,
		"partitions":[{"prefix":"a0","location":{"type":"http","url":"https://idx.example/a0.cdb"},"recordCount":2,"size":8192}]}`
	m, err := ParseManifest([]byte(good))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Partitions) != 1 || m.Partitions[0].Prefix != "a0" {
		t.Errorf("unexpected manifest: %+v", m)
	}
	b, err := m.Partitions[0].PrefixByte()
	if err != nil || b != 0xa0 {
		t.Errorf("PrefixByte = (%#x, %v)", b, err)
	}

	bad := []string{
		`{"version":2,"partitions":[]}`,
		`{"version":1,"partitions":[{"prefix":"zz","location":{"type":"http","url":"x"}}]}`,
		`{"version":1,"partitions":[{"prefix":"00","location":{"type":"ftp","url":"x"}}]}`,
		`{"version":1,"partitions":[{"prefix":"00","location":{"type":"http","url":""}}]}`,
		`not json`,
	}
	for _, in := range bad {
		if _, err := ParseManifest([]byte(in)); err == nil {
			t.Errorf("ParseManifest(%q): expected error", in)
		}
	}
}
