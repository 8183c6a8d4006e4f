// Package tap tees a response body into a client branch and a verify branch.
//
// Both branches observe identical bytes in identical order. Delivery is
// backpressured: the pump holds at most one chunk ahead per branch, so a slow
// consumer on either side throttles the upstream read instead of growing a
// buffer. The two branches are otherwise independent — the verify branch
// keeps draining when the caller detaches the client branch, and only an
// explicit cancel (closing the client branch) tears the whole tap down.
//
// In strict mode the client branch withholds its end-of-stream until the
// verification result arrives: success releases a normal EOF, failure turns
// the client stream into an error state.
package tap

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const chunkSize = 64 * 1024

// ErrCancelled is returned on both branches after the client branch is
// closed before upstream EOF.
var ErrCancelled = context.Canceled

// Progress is invoked at every chunk boundary with the running byte count.
type Progress func(processed int64)

// Tap owns the pump goroutine and the two branches.
type Tap struct {
	upstream io.ReadCloser
	total    int64
	strict   bool
	progress Progress

	client *branch
	verify *branch

	processed atomic.Int64

	cancelCh   chan struct{}
	cancelOnce sync.Once

	detachCh   chan struct{}
	detachOnce sync.Once

	// verifyDone carries the verification result exactly once.
	verifyDone chan error
	finishOnce sync.Once
}

// Option configures a Tap.
type Option func(*Tap)

// Strict delays the client branch's EOF until verification completes.
func Strict() Option {
	return func(t *Tap) { t.strict = true }
}

// WithProgress registers the chunk-boundary progress callback.
func WithProgress(p Progress) Option {
	return func(t *Tap) { t.progress = p }
}

// New starts the pump over upstream, which is expected to deliver total
// bytes (total may be -1 when unknown).
func New(upstream io.ReadCloser, total int64, opts ...Option) *Tap {
	t := &Tap{
		upstream:   upstream,
		total:      total,
		cancelCh:   make(chan struct{}),
		detachCh:   make(chan struct{}),
		verifyDone: make(chan error, 1),
	}
	for _, o := range opts {
		o(t)
	}
	t.client = &branch{tap: t, ch: make(chan []byte, 1), isClient: true}
	t.verify = &branch{tap: t, ch: make(chan []byte, 1)}

	go t.pump()
	return t
}

// Client returns the branch handed back to the caller. Closing it cancels
// the upstream read and the verification fetches.
func (t *Tap) Client() io.ReadCloser { return t.client }

// Verify returns the branch consumed by the verification strategy.
func (t *Tap) Verify() io.Reader { return t.verify }

// Processed returns the number of bytes pumped so far.
func (t *Tap) Processed() int64 { return t.processed.Load() }

// FinishVerification records the verification outcome. In strict mode this
// releases (or fails) the client branch's pending end-of-stream. Only the
// first call counts.
func (t *Tap) FinishVerification(err error) {
	t.finishOnce.Do(func() { t.verifyDone <- err })
}

// DetachClient abandons the client branch without cancelling: subsequent
// client reads fail, already-pumped chunks are discarded, and the verify
// branch keeps receiving the full stream.
func (t *Tap) DetachClient() {
	t.detachOnce.Do(func() {
		close(t.detachCh)
		go func() {
			for range t.client.ch {
			}
		}()
	})
}

// Cancelled reports whether the tap was cancelled via the client branch.
func (t *Tap) Cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func (t *Tap) cancel() {
	t.cancelOnce.Do(func() {
		close(t.cancelCh)
		_ = t.upstream.Close()
	})
}

// pump moves chunks from upstream to both branches until EOF, error, or
// cancellation. Each chunk is copied once; the two branches share the copy
// read-only.
func (t *Tap) pump() {
	buf := make([]byte, chunkSize)
	for {
		n, err := t.upstream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			if !t.deliver(t.verify, chunk) {
				return
			}
			if !t.deliverClient(chunk) {
				return
			}

			processed := t.processed.Add(int64(n))
			if t.progress != nil {
				t.progress(processed)
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr := fmt.Errorf("tap: upstream read: %w", err)
				if t.Cancelled() {
					// cancel closed upstream under an in-flight Read.
					readErr = ErrCancelled
				}
				t.verify.fail(readErr)
				t.client.fail(readErr)
			}
			t.verify.closeCh()
			t.client.closeCh()
			return
		}
	}
}

// deliver sends chunk to b, honoring cancellation.
func (t *Tap) deliver(b *branch, chunk []byte) bool {
	select {
	case b.ch <- chunk:
		return true
	case <-t.cancelCh:
		t.verify.fail(ErrCancelled)
		t.client.fail(ErrCancelled)
		t.verify.closeCh()
		t.client.closeCh()
		return false
	}
}

// deliverClient also honors detachment: a detached client's chunks go to the
// drain goroutine started by DetachClient.
func (t *Tap) deliverClient(chunk []byte) bool {
	select {
	case t.client.ch <- chunk:
		return true
	case <-t.detachCh:
		select {
		case t.client.ch <- chunk:
		default:
		}
		return true
	case <-t.cancelCh:
		t.verify.fail(ErrCancelled)
		t.client.fail(ErrCancelled)
		t.verify.closeCh()
		t.client.closeCh()
		return false
	}
}

// branch is one downstream side of the tee.
type branch struct {
	tap      *Tap
	ch       chan []byte
	isClient bool

	pending []byte

	errMu sync.Mutex
	err   error

	chOnce sync.Once

	// eofResolved caches the strict-mode verdict after the first EOF wait.
	eofMu       sync.Mutex
	eofResolved bool
	eofErr      error
}

func (b *branch) fail(err error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
}

func (b *branch) failure() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *branch) closeCh() {
	b.chOnce.Do(func() { close(b.ch) })
}

func (b *branch) Read(p []byte) (int, error) {
	if len(b.pending) > 0 {
		n := copy(p, b.pending)
		b.pending = b.pending[n:]
		return n, nil
	}

	chunk, ok := <-b.ch
	if !ok {
		return 0, b.eof()
	}
	n := copy(p, chunk)
	b.pending = chunk[n:]
	return n, nil
}

// eof decides what a drained branch returns: the pump's error if any, a
// strict-mode verification verdict for the client branch, or plain EOF.
func (b *branch) eof() error {
	if err := b.failure(); err != nil {
		return err
	}
	if !b.isClient || !b.tap.strict {
		return io.EOF
	}

	b.eofMu.Lock()
	defer b.eofMu.Unlock()
	if b.eofResolved {
		return b.eofErr
	}

	select {
	case err := <-b.tap.verifyDone:
		if err == nil {
			b.eofErr = io.EOF
		} else {
			b.eofErr = err
		}
	case <-b.tap.cancelCh:
		b.eofErr = ErrCancelled
	}
	b.eofResolved = true
	return b.eofErr
}

// Close on the client branch is the explicit cancel: it stops the upstream
// read and fails the verify branch. Closing the verify branch is a no-op.
func (b *branch) Close() error {
	if b.isClient {
		b.tap.cancel()
	}
	return nil
}
