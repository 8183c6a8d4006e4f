package server

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/permagate/wayfinder/internal/gateways"
	"github.com/permagate/wayfinder/internal/routing"
	"github.com/permagate/wayfinder/internal/wayfinder"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	strategy, err := routing.NewStaticStrategy(gateways.MustGateway("https://example.net"))
	if err != nil {
		t.Fatalf("NewStaticStrategy: %v", err)
	}
	wf, err := wayfinder.New(wayfinder.Options{Strategy: strategy})
	if err != nil {
		t.Fatalf("wayfinder.New: %v", err)
	}
	return New(Config{Wayfinder: wf, Version: "test"})
}

func TestHealth_NoProber(t *testing.T) {
	s := testServer(t)

	ctx := &fasthttp.RequestCtx{}
	s.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("body = %s", body)
	}
}

func TestReadiness_NoProber(t *testing.T) {
	s := testServer(t)

	ctx := &fasthttp.RequestCtx{}
	s.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}

func TestHandleResolve_MissingIdentifier(t *testing.T) {
	s := testServer(t)

	ctx := &fasthttp.RequestCtx{}
	s.handleResolve(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d, want 400", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "invalid_ar_url") {
		t.Errorf("body = %s", ctx.Response.Body())
	}
}

func TestRecovery_WritesErrorEnvelope(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "internal_error") || !strings.Contains(body, "server_error") {
		t.Errorf("body = %s, want the wayfinder error envelope", body)
	}
}

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	got := string(ctx.Response.Header.Peek("X-Request-ID"))
	if _, err := uuid.Parse(got); err != nil {
		t.Errorf("X-Request-ID = %q, want a generated UUID", got)
	}
}

func TestRequestID_KeepsValidUUID_ReplacesJunk(t *testing.T) {
	handler := requestID(func(ctx *fasthttp.RequestCtx) {})

	valid := uuid.New().String()
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", valid)
	handler(ctx)
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != valid {
		t.Errorf("valid UUID replaced: got %q", got)
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "../../etc/passwd")
	handler(ctx)
	got := string(ctx.Response.Header.Peek("X-Request-ID"))
	if _, err := uuid.Parse(got); err != nil || got == "../../etc/passwd" {
		t.Errorf("junk id propagated: got %q", got)
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	called := false
	handler := cors([]string{"*"}, func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if called {
		t.Error("handler should not run for preflight")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("status = %d, want 204", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestCORS_SpecificOrigins(t *testing.T) {
	handler := cors([]string{"https://app.example"}, func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "https://app.example" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestContentProtection_SandboxesProxiedContent(t *testing.T) {
	handler := contentProtection(func(ctx *fasthttp.RequestCtx) {})

	// Proxied content gets the CSP sandbox.
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/ar/ardrive")
	handler(ctx)
	if got := string(ctx.Response.Header.Peek("Content-Security-Policy")); got != "sandbox" {
		t.Errorf("CSP on /ar/ = %q, want sandbox", got)
	}
	if got := string(ctx.Response.Header.Peek("X-Content-Type-Options")); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}

	// Management endpoints are not sandboxed.
	ctx = &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/health")
	handler(ctx)
	if got := string(ctx.Response.Header.Peek("Content-Security-Policy")); got != "" {
		t.Errorf("CSP on /health = %q, want unset", got)
	}
}
