package routing

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/permagate/wayfinder/internal/gateways"
)

const (
	proberInterval = 30 * time.Second
	proberTimeout  = 5 * time.Second
)

// gatewayStatus holds the last known probe result for one gateway.
type gatewayStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "down"
}

func (s *gatewayStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *gatewayStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// Prober runs background /ar-io/info probes against the provider's current
// candidates and exposes the latest results for the daemon's health surface.
type Prober struct {
	provider gateways.Provider
	client   *http.Client
	baseCtx  context.Context

	mu       sync.Mutex
	statuses map[string]*gatewayStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewProber creates a Prober and immediately starts background probes. The
// first probe round runs synchronously so health is never "unknown" at start.
func NewProber(ctx context.Context, provider gateways.Provider, client *http.Client) *Prober {
	if ctx == nil {
		panic("prober: context must not be nil")
	}
	if client == nil {
		client = &http.Client{Timeout: proberTimeout}
	}
	p := &Prober{
		provider:  provider,
		client:    client,
		baseCtx:   ctx,
		statuses:  make(map[string]*gatewayStatus),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	p.probe()

	p.wg.Add(1)
	go p.run()

	return p
}

// Snapshot is the current health state of the gateway pool.
type Snapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Gateways      map[string]string `json:"gateways"`
}

// Snapshot builds a snapshot from the latest probe results. Overall status is
// "ok" when at least one gateway answers, else "degraded".
func (p *Prober) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	overall := "degraded"
	out := make(map[string]string, len(p.statuses))
	for host, s := range p.statuses {
		st := s.get()
		out[host] = st
		if st == "ok" {
			overall = "ok"
		}
	}
	return Snapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(p.startTime).Seconds()),
		Gateways:      out,
	}
}

// ReadinessOK reports whether at least one gateway is reachable.
func (p *Prober) ReadinessOK() bool {
	return p.Snapshot().Status == "ok"
}

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(proberInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.done:
			return
		}
	}
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(p.baseCtx, proberTimeout)
	defer cancel()

	gws, err := p.provider.GetGateways(ctx)
	if err != nil {
		return
	}

	var wg sync.WaitGroup
	for _, g := range gws {
		g := g
		s := p.status(g.URL.Host)
		wg.Add(1)
		go func() {
			defer wg.Done()
			u := *g.URL
			u.Path = probePath
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				s.set("down")
				return
			}
			resp, err := p.client.Do(req)
			if err != nil {
				s.set("down")
				return
			}
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				s.set("ok")
			} else {
				s.set("down")
			}
		}()
	}
	wg.Wait()
}

func (p *Prober) status(host string) *gatewayStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.statuses[host]
	if !ok {
		s = &gatewayStatus{}
		p.statuses[host] = s
	}
	return s
}
