package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// syncBuffer is a goroutine-safe sink for the slog JSON lines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(t *testing.T) (*Logger, *syncBuffer) {
	t.Helper()
	sink := &syncBuffer{}
	l, err := New(context.Background(), slog.New(slog.NewJSONHandler(sink, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, sink
}

func waitFor(t *testing.T, sink *syncBuffer, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(sink.String(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("log output never contained %q; got: %s", substr, sink.String())
}

func TestLog_FinalVerdictFlushesImmediately(t *testing.T) {
	l, sink := newTestLogger(t)
	defer l.Close()

	l.Log(RequestLog{ID: uuid.New(), Identifier: "ardrive", Verification: "succeeded"})

	waitFor(t, sink, `"verification":"succeeded"`)
}

// TestResolveAfterLog is the normal daemon order: the body closes (entry
// logged as pending), then the verifier reports.
func TestResolveAfterLog(t *testing.T) {
	l, sink := newTestLogger(t)
	defer l.Close()

	id := uuid.New()
	l.Log(RequestLog{ID: id, Identifier: "ardrive", Verification: VerdictPending})
	l.Resolve(id, "succeeded")

	waitFor(t, sink, `"verification":"succeeded"`)
	if strings.Contains(sink.String(), `"verification":"pending"`) {
		t.Error("entry flushed as pending despite a timely verdict")
	}
}

// TestResolveBeforeLog covers the opposite race: a fast verifier reports
// before the caller finishes draining the body.
func TestResolveBeforeLog(t *testing.T) {
	l, sink := newTestLogger(t)
	defer l.Close()

	id := uuid.New()
	l.Resolve(id, "failed")
	l.Log(RequestLog{ID: id, Identifier: "ardrive", Verification: VerdictPending})

	waitFor(t, sink, `"verification":"failed"`)
}

// TestPendingFlushesAfterGraceWindow: an entry whose verdict never arrives
// goes out as "pending" rather than being held forever.
func TestPendingFlushesAfterGraceWindow(t *testing.T) {
	l, sink := newTestLogger(t)
	defer l.Close()

	l.Log(RequestLog{ID: uuid.New(), Identifier: "ardrive", Verification: VerdictPending})

	waitFor(t, sink, `"verification":"pending"`)
}

// TestCloseFlushesHeldEntries: pending entries flush on shutdown instead of
// being dropped.
func TestCloseFlushesHeldEntries(t *testing.T) {
	l, sink := newTestLogger(t)

	l.Log(RequestLog{ID: uuid.New(), Identifier: "ardrive", Verification: VerdictPending})
	time.Sleep(20 * time.Millisecond) // let run() admit the entry
	_ = l.Close()

	if !strings.Contains(sink.String(), `"identifier":"ardrive"`) {
		t.Errorf("held entry lost on close; got: %s", sink.String())
	}
}

func TestDroppedLogsCounter(t *testing.T) {
	// A logger that was never started cannot drain its channel; fill it.
	l := &Logger{
		entries:  make(chan RequestLog, 1),
		verdicts: make(chan resolution, 1),
		done:     make(chan struct{}),
		baseCtx:  context.Background(),
		log:      slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
	}

	l.Log(RequestLog{ID: uuid.New()})
	l.Log(RequestLog{ID: uuid.New()}) // overflows

	if got := l.DroppedLogs(); got != 1 {
		t.Errorf("DroppedLogs = %d, want 1", got)
	}
}
