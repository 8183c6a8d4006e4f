package wferr

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"
)

// Error type constants for the JSON envelope.
const (
	TypeParseError     = "parse_error"
	TypeRoutingError   = "routing_error"
	TypeIntegrityError = "integrity_error"
	TypeNotFound       = "not_found"
	TypeServerError    = "server_error"
)

// APIError is the structured error returned to daemon clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteError maps a wayfinder error kind to an HTTP status and writes it.
//
//	ParseError          → 400
//	NotFound            → 404
//	NoGatewayAvailable  → 502
//	RoutingExhausted    → 502
//	VerificationFailed  → 502
//	anything else       → 500
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var pe *ParseError
	if errors.As(err, &pe) {
		Write(ctx, fasthttp.StatusBadRequest, pe.Error(), TypeParseError, "invalid_ar_url")
		return
	}
	if errors.Is(err, ErrNotFound) {
		Write(ctx, fasthttp.StatusNotFound, err.Error(), TypeNotFound, "not_found")
		return
	}
	var vf *VerificationFailed
	if errors.As(err, &vf) {
		Write(ctx, fasthttp.StatusBadGateway, vf.Error(), TypeIntegrityError, string(vf.Reason))
		return
	}
	var re *RoutingExhausted
	if errors.As(err, &re) || errors.Is(err, ErrNoGatewayAvailable) {
		Write(ctx, fasthttp.StatusBadGateway, err.Error(), TypeRoutingError, "routing_exhausted")
		return
	}
	Write(ctx, fasthttp.StatusInternalServerError, err.Error(), TypeServerError, "internal_error")
}
