package cdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/permagate/wayfinder/pkg/wferr"
)

// MaxSafePosition is the largest file offset the reader accepts. Offsets are
// 64-bit on the wire but are capped at 2^53-1 so indexes stay portable to
// consumers whose runtimes only expose double-precision file positions.
// Files larger than ~8 TB are unsupported.
const MaxSafePosition = 1<<53 - 1

// ByteRangeSource is the only I/O surface the CDB64 reader uses. The reader
// code is identical whether the bytes come from memory, a local file, or HTTP
// range requests.
type ByteRangeSource interface {
	// ReadAt returns exactly size bytes starting at offset, or an error.
	ReadAt(ctx context.Context, offset uint64, size int) ([]byte, error)
	// Size returns the total length of the underlying object in bytes.
	Size() uint64
	Close() error
}

func checkPosition(offset uint64, size int) error {
	if offset > MaxSafePosition || offset+uint64(size) > MaxSafePosition {
		return fmt.Errorf("cdb: position %d exceeds 2^53-1 (files > ~8 TB unsupported)", offset)
	}
	return nil
}

// MemorySource serves ranges from an in-memory byte slice.
type MemorySource struct {
	data []byte
}

func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{data: data}
}

func (s *MemorySource) ReadAt(_ context.Context, offset uint64, size int) ([]byte, error) {
	if err := checkPosition(offset, size); err != nil {
		return nil, err
	}
	end := offset + uint64(size)
	if end > uint64(len(s.data)) {
		return nil, fmt.Errorf("cdb: read [%d,%d) past end of %d-byte source: %w",
			offset, end, len(s.data), io.ErrUnexpectedEOF)
	}
	return s.data[offset:end], nil
}

func (s *MemorySource) Size() uint64 { return uint64(len(s.data)) }

func (s *MemorySource) Close() error { return nil }

// FileSource serves ranges from a local file.
type FileSource struct {
	f    *os.File
	size uint64
}

func OpenFileSource(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cdb: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("cdb: stat %s: %w", path, err)
	}
	return &FileSource{f: f, size: uint64(st.Size())}, nil
}

func (s *FileSource) ReadAt(_ context.Context, offset uint64, size int) ([]byte, error) {
	if err := checkPosition(offset, size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := s.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("cdb: read %s at %d: %w", s.f.Name(), offset, err)
	}
	return buf, nil
}

func (s *FileSource) Size() uint64 { return s.size }

func (s *FileSource) Close() error { return s.f.Close() }

// HTTPSource serves ranges with HTTP Range requests. The server must answer
// 206 Partial Content with exactly the requested byte count; anything else
// fails the read with RangeNotSatisfied.
type HTTPSource struct {
	url    string
	client *http.Client
	size   uint64
}

const defaultHTTPSourceTimeout = 10 * time.Second

// OpenHTTPSource probes url with a HEAD request to learn the object size.
// Pass nil for client to use a default with a 10 s timeout.
func OpenHTTPSource(ctx context.Context, url string, client *http.Client) (*HTTPSource, error) {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPSourceTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cdb: head %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cdb: head %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdb: head %s: status %d", url, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return nil, fmt.Errorf("cdb: head %s: missing content length", url)
	}

	return &HTTPSource{url: url, client: client, size: uint64(resp.ContentLength)}, nil
}

func (s *HTTPSource) ReadAt(ctx context.Context, offset uint64, size int) ([]byte, error) {
	if err := checkPosition(offset, size); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("cdb: range %s: %w", s.url, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(size)-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cdb: range %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, &wferr.RangeNotSatisfied{URL: s.url, Status: resp.StatusCode, Want: size}
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, int64(size)+1))
	if err != nil {
		return nil, fmt.Errorf("cdb: range %s: %w", s.url, err)
	}
	if len(buf) != size {
		return nil, &wferr.RangeNotSatisfied{URL: s.url, Status: resp.StatusCode, Want: size, Got: len(buf)}
	}
	return buf, nil
}

func (s *HTTPSource) Size() uint64 { return s.size }

func (s *HTTPSource) Close() error { return nil }
