package server

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/permagate/wayfinder/pkg/wferr"
)

// recovery catches panics in any handler and answers with the wayfinder
// error envelope instead of crashing the daemon. The panic value is logged
// at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				wferr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal server error", wferr.TypeServerError, "internal_error")
			}
		}()
		next(ctx)
	}
}

// requestID ensures every request carries a usable X-Request-ID, echoed on
// the response and stored as the "request_id" user value. A client-supplied
// value is kept only when it parses as a UUID; junk is replaced. The
// wayfinder client assigns its own request ID and does not read this one.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// contentProtection hardens responses that relay stored content. The daemon
// streams whatever the network holds — including hostile HTML — so proxied
// bytes are sandboxed and never sniffed, framed, or granted referrer data.
func contentProtection(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if strings.HasPrefix(string(ctx.Path()), "/ar/") {
			// Verified does not mean trusted to script against this origin.
			h.Set("Content-Security-Policy", "sandbox")
		}
	}
}

// cors answers preflights and stamps the allow headers. The daemon exposes
// only idempotent reads, so the policy is fixed to GET/HEAD.
func cors(origins []string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(ctx *fasthttp.RequestCtx) {
		ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
		ctx.Response.Header.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		ctx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")

		if string(ctx.Method()) == fasthttp.MethodOptions {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}
		next(ctx)
	}
}
