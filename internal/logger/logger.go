// Package logger records one entry per completed ar:// request.
//
// The streaming hot path must never block on logging, so Log and Resolve are
// non-blocking channel sends (overflow is dropped; dropped entries are
// counted, dropped verdicts are not). The wrinkle
// this logger exists for: the verification verdict usually trails the client
// stream — the body closes, then the verifier reports. Entries that arrive
// with a "pending" verdict are therefore held for a short grace window during
// which the verifier can resolve them by request ID; whichever side arrives
// first waits for the other, and entries whose verdict never lands flush as
// "pending" when the window elapses.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// channelBuffer sizes both inboxes. A local daemon sees sporadic
	// traffic; overflow means the consumer goroutine died, not load.
	channelBuffer = 1024

	// graceWindow is how long a pending entry waits for its verdict.
	graceWindow = 2 * time.Second

	sweepInterval = 500 * time.Millisecond
)

// VerdictPending marks an entry whose verification outcome is not known yet.
const VerdictPending = "pending"

// RequestLog is one completed ar:// request.
type RequestLog struct {
	ID           uuid.UUID
	Identifier   string // the ar:// authority as given
	Kind         string // txid | name | domain | gateway-path | unknown
	Gateway      string // selected gateway host
	Status       uint16 // upstream HTTP status
	BytesServed  int64
	LatencyMs    uint32
	Verification string // succeeded | failed | skipped | cancelled | pending
	CreatedAt    time.Time
}

// resolution carries a late verification verdict to a held entry.
type resolution struct {
	id      uuid.UUID
	verdict string
}

type held struct {
	entry    RequestLog
	deadline time.Time
}

type earlyVerdict struct {
	verdict  string
	deadline time.Time
}

type Logger struct {
	entries  chan RequestLog
	verdicts chan resolution

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		entries:  make(chan RequestLog, channelBuffer),
		verdicts: make(chan resolution, channelBuffer),
		done:     make(chan struct{}),
		baseCtx:  ctx,
		log:      slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log records a completed request. Entries whose Verification is "pending"
// are held for the grace window awaiting Resolve.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.entries <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// Resolve delivers a late verification verdict for the request with the
// given ID. Safe to call before or after the matching Log; verdicts that
// find no entry within the grace window are discarded.
func (l *Logger) Resolve(id uuid.UUID, verdict string) {
	select {
	case l.verdicts <- resolution{id: id, verdict: verdict}:
	default:
		// The matching entry will flush as "pending"; nothing is lost but
		// the label.
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	// Entries awaiting their verdict, and verdicts awaiting their entry.
	pending := make(map[uuid.UUID]held)
	early := make(map[uuid.UUID]earlyVerdict)

	admit := func(entry RequestLog) {
		if v, ok := early[entry.ID]; ok {
			delete(early, entry.ID)
			entry.Verification = v.verdict
			l.flush(entry)
			return
		}
		if entry.Verification == VerdictPending {
			pending[entry.ID] = held{entry: entry, deadline: time.Now().Add(graceWindow)}
			return
		}
		l.flush(entry)
	}

	settle := func(res resolution) {
		if h, ok := pending[res.id]; ok {
			delete(pending, res.id)
			h.entry.Verification = res.verdict
			l.flush(h.entry)
			return
		}
		early[res.id] = earlyVerdict{verdict: res.verdict, deadline: time.Now().Add(graceWindow)}
	}

	for {
		select {
		case entry := <-l.entries:
			admit(entry)

		case res := <-l.verdicts:
			settle(res)

		case <-ticker.C:
			now := time.Now()
			for id, h := range pending {
				if now.After(h.deadline) {
					delete(pending, id)
					l.flush(h.entry)
				}
			}
			for id, v := range early {
				if now.After(v.deadline) {
					delete(early, id)
				}
			}

		case <-l.done:
			// Drain both inboxes, pair what can still be paired, and flush
			// everything — held entries go out with their current label.
			for {
				select {
				case entry := <-l.entries:
					admit(entry)
					continue
				case res := <-l.verdicts:
					settle(res)
					continue
				default:
				}
				break
			}
			for _, h := range pending {
				l.flush(h.entry)
			}
			return
		}
	}
}

func (l *Logger) flush(e RequestLog) {
	l.log.InfoContext(l.baseCtx, "request",
		slog.String("id", e.ID.String()),
		slog.String("identifier", e.Identifier),
		slog.String("kind", e.Kind),
		slog.String("gateway", e.Gateway),
		slog.Uint64("status", uint64(e.Status)),
		slog.Int64("bytes_served", e.BytesServed),
		slog.Uint64("latency_ms", uint64(e.LatencyMs)),
		slog.String("verification", e.Verification),
		slog.Time("created_at", normalizeTime(e.CreatedAt)),
	)
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
