package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	return body
}

func TestWrite_Envelope(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusBadRequest, "locationId is required", TypeInvalidRequest, CodeInvalidLocation)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	body := decode(t, ctx)
	if body["success"] != false {
		t.Errorf("success = %v, want false", body["success"])
	}
	e, _ := body["error"].(map[string]any)
	if e["code"] != CodeInvalidLocation || e["type"] != TypeInvalidRequest {
		t.Errorf("error = %v", e)
	}
}

func TestWriteUpstreamError(t *testing.T) {
	tests := []struct {
		upstream   int
		wantStatus int
		wantCode   string
	}{
		{429, 429, CodeRateLimitExceeded},
		{401, 502, CodeUpstreamAuth},
		{503, 502, CodeUpstreamError},
		{0, 502, CodeUpstreamError},
	}
	for _, tt := range tests {
		ctx := &fasthttp.RequestCtx{}
		WriteUpstreamError(ctx, tt.upstream, "boom")
		if ctx.Response.StatusCode() != tt.wantStatus {
			t.Errorf("upstream %d: status = %d, want %d", tt.upstream, ctx.Response.StatusCode(), tt.wantStatus)
		}
		e, _ := decode(t, ctx)["error"].(map[string]any)
		if e["code"] != tt.wantCode {
			t.Errorf("upstream %d: code = %v, want %s", tt.upstream, e["code"], tt.wantCode)
		}
		if tt.upstream == 429 && string(ctx.Response.Header.Peek("Retry-After")) != "60" {
			t.Error("429 must carry Retry-After")
		}
	}
}

func TestWriteUnauthorized(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteUnauthorized(ctx, "missing bearer token")
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Header.Peek("WWW-Authenticate")) == 0 {
		t.Error("missing WWW-Authenticate challenge")
	}
}
