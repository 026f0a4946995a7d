package server

import (
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/product-cache/internal/metrics"
	"github.com/nulpointcorp/product-cache/pkg/apierr"
)

type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// recovery turns a handler panic into a 500 without crashing the process.
func recovery(logger *slog.Logger) middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler_panic",
						slog.Any("panic", r),
						slog.String("path", string(ctx.Path())),
						slog.String("method", string(ctx.Method())),
					)
					ctx.ResetBody()
					apierr.Write(ctx, fasthttp.StatusInternalServerError,
						"internal server error", apierr.TypeServerError, apierr.CodeInternalError)
				}
			}()
			next(ctx)
		}
	}
}

// requestID ensures every request has an X-Request-ID. The id is echoed in
// the response and stored under the "request_id" user value.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// timing reports the handler duration in X-Response-Time.
func timing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Response-Time", time.Since(start).String())
	}
}

// securityHeaders hardens every response. The API serves no HTML.
func securityHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "0")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
	}
}

// corsHandler allows the given origins, or any origin for nil / ["*"].
// A listed origin is echoed back, since browsers accept a single value.
// OPTIONS preflights are answered with 204 and no body.
func corsHandler(origins []string) middleware {
	allowed := make(map[string]struct{}, len(origins))
	wildcard := len(origins) == 0
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if wildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Add("Vary", "Origin")
				if reqOrigin := string(ctx.Request.Header.Peek("Origin")); reqOrigin != "" {
					if _, ok := allowed[reqOrigin]; ok {
						h.Set("Access-Control-Allow-Origin", reqOrigin)
					}
				}
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// instrument records HTTP metrics for one route.
func instrument(route string, met *metrics.Registry, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	if met == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		met.IncInFlight()
		defer func() {
			met.DecInFlight()
			met.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), len(ctx.Response.Body()))
		}()
		next(ctx)
	}
}

// requireSecret rejects requests whose X-Trigger-Secret header does not
// match secret. The comparison is constant-time.
func requireSecret(secret string, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	want := []byte(secret)
	return func(ctx *fasthttp.RequestCtx) {
		got := ctx.Request.Header.Peek("X-Trigger-Secret")
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			apierr.Write(ctx, fasthttp.StatusUnauthorized,
				"invalid trigger secret", apierr.TypeAuthenticationErr, apierr.CodeUnauthorized)
			return
		}
		next(ctx)
	}
}

// applyMiddleware wraps h so that the first middleware is the outermost:
//
//	applyMiddleware(h, mw1, mw2) → mw1(mw2(h))
func applyMiddleware(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
