package server

import (
	"bytes"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
)

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	handler := recovery(slog.New(slog.NewJSONHandler(&buf, nil)))(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), `"success":false`) {
		t.Errorf("body = %s", ctx.Response.Body())
	}
	if !strings.Contains(buf.String(), "handler_panic") {
		t.Error("panic should be logged")
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if seen == "" || string(ctx.Response.Header.Peek("X-Request-ID")) != seen {
		t.Errorf("generated id %q not echoed", seen)
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", "req-42")
	handler(ctx)
	if seen != "req-42" {
		t.Errorf("client id not preserved, got %q", seen)
	}
}

func TestTimingAndSecurityHeaders(t *testing.T) {
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {}, timing, securityHeaders)
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Error("X-Response-Time missing")
	}
	for h, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
		"Cache-Control":           "no-store",
	} {
		if got := string(ctx.Response.Header.Peek(h)); got != want {
			t.Errorf("%s = %q, want %q", h, got, want)
		}
	}
}

func TestCORS(t *testing.T) {
	listed := []string{"https://a.example", "https://b.example"}
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"default wildcard", nil, "https://x.example", "*"},
		{"explicit wildcard", []string{"*"}, "https://x.example", "*"},
		{"listed origin echoed", listed, "https://b.example", "https://b.example"},
		{"unlisted origin", listed, "https://evil.example", ""},
		{"no origin header", listed, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := corsHandler(tt.origins)(func(ctx *fasthttp.RequestCtx) {})
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.Header.SetMethod("GET")
			if tt.origin != "" {
				ctx.Request.Header.Set("Origin", tt.origin)
			}
			handler(ctx)
			if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != tt.want {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.want)
			}
			if strings.Contains(string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")), ",") {
				t.Error("Access-Control-Allow-Origin must hold a single origin")
			}
		})
	}
}

func TestRequireSecret(t *testing.T) {
	called := 0
	handler := requireSecret("s3cret", func(ctx *fasthttp.RequestCtx) { called++ })

	for _, hdr := range []string{"", "s3cre", "s3cret!", "S3CRET"} {
		ctx := &fasthttp.RequestCtx{}
		if hdr != "" {
			ctx.Request.Header.Set("X-Trigger-Secret", hdr)
		}
		handler(ctx)
		if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
			t.Errorf("%q: status = %d, want 401", hdr, ctx.Response.StatusCode())
		}
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Trigger-Secret", "s3cret")
	handler(ctx)
	if called != 1 {
		t.Errorf("handler called %d times, want 1", called)
	}
}

func TestRequireSecret_EmptySecretRejectsAll(t *testing.T) {
	handler := requireSecret("", func(ctx *fasthttp.RequestCtx) { t.Error("must not be called") })
	ctx := &fasthttp.RequestCtx{}
	handler(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name+"-in")
				next(ctx)
				order = append(order, name+"-out")
			}
		}
	}
	handler := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("a"), mw("b"))
	handler(&fasthttp.RequestCtx{})

	want := []string{"a-in", "b-in", "handler", "b-out", "a-out"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestJWTAuthenticator(t *testing.T) {
	if _, err := NewJWTAuthenticator("short"); err == nil {
		t.Fatal("short secrets must be rejected")
	}
	auth, err := NewJWTAuthenticator(testJWTSecret)
	if err != nil {
		t.Fatal(err)
	}

	tok, err := SignDevToken(testJWTSecret, "user-9", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	sub, err := auth.Authenticate("Bearer " + tok)
	if err != nil || sub != "user-9" {
		t.Fatalf("Authenticate = %q, %v", sub, err)
	}

	noSub, _ := SignDevToken(testJWTSecret, "", time.Minute)
	if _, err := auth.Authenticate("Bearer " + noSub); err == nil {
		t.Error("token without subject must be rejected")
	}
	if _, err := auth.Authenticate(""); err != ErrMissingToken {
		t.Errorf("empty header: err = %v, want ErrMissingToken", err)
	}
}
