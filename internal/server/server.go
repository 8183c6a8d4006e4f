// Package server exposes the wayfinder as a local HTTP proxy:
//
//	GET /ar/<identifier>[/path]  resolve, route, verify, and stream the object
//	GET /health                  gateway pool health snapshot
//	GET /readiness               readiness for load balancers
//	GET /metrics                 Prometheus exposition (optional)
//
// The handler streams the client branch of the verification tee, so in
// strict mode a failed verification aborts the download mid-body.
package server

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/permagate/wayfinder/internal/metrics"
	"github.com/permagate/wayfinder/internal/routing"
	"github.com/permagate/wayfinder/internal/wayfinder"
	"github.com/permagate/wayfinder/pkg/wferr"
)

// Server is the daemon's HTTP surface.
type Server struct {
	wf          *wayfinder.Wayfinder
	prober      *routing.Prober
	prom        *metrics.Registry
	corsOrigins []string
	version     string
}

// Config carries the server's collaborators. Prober and Metrics are
// optional.
type Config struct {
	Wayfinder   *wayfinder.Wayfinder
	Prober      *routing.Prober
	Metrics     *metrics.Registry
	CORSOrigins []string
	Version     string
}

func New(cfg Config) *Server {
	return &Server{
		wf:          cfg.Wayfinder,
		prober:      cfg.Prober,
		prom:        cfg.Metrics,
		corsOrigins: cfg.CORSOrigins,
		version:     cfg.Version,
	}
}

// Start starts the HTTP server on addr (e.g. ":8320") and blocks.
func (s *Server) Start(addr string) error {
	srv := &fasthttp.Server{
		Handler: s.Handler(),
		// No WriteTimeout: verified payloads can stream for a long time.
		ReadTimeout:       60 * time.Second,
		StreamRequestBody: true,
	}
	return srv.ListenAndServe(addr)
}

// Handler builds the routed, middleware-wrapped request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.GET("/ar/{identifier:*}", s.handleResolve)
	r.HEAD("/ar/{identifier:*}", s.handleResolve)
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.prom != nil {
		r.GET("/metrics", s.prom.Handler())
	}

	// Outermost first: recover from anything, stamp the request ID, answer
	// preflights, then harden whatever the routes produced.
	return recovery(requestID(cors(s.corsOrigins, contentProtection(r.Handler))))
}

func (s *Server) handleResolve(ctx *fasthttp.RequestCtx) {
	identifier, _ := ctx.UserValue("identifier").(string)
	if identifier == "" {
		wferr.Write(ctx, fasthttp.StatusBadRequest, "missing identifier", wferr.TypeParseError, "invalid_ar_url")
		return
	}

	arURL := "ar://" + identifier
	if qs := string(ctx.URI().QueryString()); qs != "" {
		arURL += "?" + qs
	}

	if s.prom != nil {
		s.prom.IncInFlight()
		defer s.prom.DecInFlight()
	}
	start := time.Now()

	resp, err := s.wf.Request(ctx, arURL)
	if err != nil {
		wferr.WriteError(ctx, err)
		s.observe(ctx, start)
		return
	}

	ctx.SetStatusCode(resp.StatusCode)
	for _, h := range []string{"Content-Type", "Content-Length", "Last-Modified", "ETag"} {
		if v := resp.Headers.Get(h); v != "" {
			ctx.Response.Header.Set(h, v)
		}
	}
	ctx.Response.Header.Set("x-wayfinder-gateway", resp.Gateway)
	if resp.TxID != "" {
		ctx.Response.Header.Set("x-wayfinder-tx-id", resp.TxID)
	}

	// fasthttp closes the stream (it implements io.Closer) once the body has
	// been written or the connection drops.
	ctx.Response.SetBodyStream(resp.Body, -1)
	s.observe(ctx, start)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.prober == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": s.version})
		return
	}
	snap := s.prober.Snapshot()
	writeJSON(ctx, snap)
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.prober == nil || s.prober.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (s *Server) observe(ctx *fasthttp.RequestCtx, start time.Time) {
	if s.prom != nil {
		s.prom.ObserveHTTP("/ar", ctx.Response.StatusCode(), time.Since(start))
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
