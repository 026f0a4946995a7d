package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/product-cache/internal/metrics"
	"github.com/nulpointcorp/product-cache/internal/upstream"
	"github.com/nulpointcorp/product-cache/internal/warming"
)

const (
	testJWTSecret     = "0123456789abcdef-test"
	testTriggerSecret = "trigger-secret"
)

type fakeWarmer struct {
	mu        sync.Mutex
	calls     []string
	requester string
	res       warming.OnDemandResult
	err       error
}

func (f *fakeWarmer) RunOnDemand(_ context.Context, loc, requester string) (warming.OnDemandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, loc)
	f.requester = requester
	res := f.res
	res.LocationID = loc
	return res, f.err
}

type fakeSweeper struct {
	deleted map[string]int
	err     error
	calls   int
}

func (f *fakeSweeper) SweepAll(context.Context) (map[string]int, error) {
	f.calls++
	return f.deleted, f.err
}

// serve starts the full handler on an in-memory listener.
func serve(t *testing.T, s *Server) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, s.Handler())
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func newTestServer(t *testing.T, w Warmer, sw Sweeper, opts Options) *Server {
	t.Helper()
	if opts.Auth == nil {
		auth, err := NewJWTAuthenticator(testJWTSecret)
		if err != nil {
			t.Fatal(err)
		}
		opts.Auth = auth
	}
	if opts.TriggerSecret == "" {
		opts.TriggerSecret = testTriggerSecret
	}
	return New(context.Background(), w, sw, opts)
}

func do(t *testing.T, c *http.Client, method, path, body string, headers map[string]string) (int, map[string]any, http.Header) {
	t.Helper()
	req, err := http.NewRequest(method, "http://warmer"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	// Router 404s are plain text and decode to nil.
	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out, resp.Header
}

func bearer(t *testing.T, subject string) map[string]string {
	t.Helper()
	tok, err := SignDevToken(testJWTSecret, subject, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return map[string]string{"Authorization": "Bearer " + tok, "Content-Type": "application/json"}
}

func errorCode(body map[string]any) any {
	e, _ := body["error"].(map[string]any)
	return e["code"]
}

func TestWarm_Success(t *testing.T) {
	w := &fakeWarmer{res: warming.OnDemandResult{RunID: uuid.New(), Cached: 48, Errors: 2}}
	c := serve(t, newTestServer(t, w, &fakeSweeper{}, Options{}))

	status, body, hdr := do(t, c, "POST", "/v1/warm", `{"locationId":" 01400943 "}`, bearer(t, "user-7"))
	if status != 200 {
		t.Fatalf("status = %d body = %v", status, body)
	}
	if body["success"] != true || body["skipped"] != false || body["locationId"] != "01400943" {
		t.Errorf("body = %v", body)
	}
	if body["cached"] != float64(48) || body["errors"] != float64(2) {
		t.Errorf("counts = %v / %v", body["cached"], body["errors"])
	}
	if w.requester != "user-7" {
		t.Errorf("requester = %q, want token subject", w.requester)
	}
	if hdr.Get("X-Request-ID") == "" || hdr.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("middleware headers missing")
	}
}

func TestWarm_SkippedOmitsCounts(t *testing.T) {
	w := &fakeWarmer{res: warming.OnDemandResult{Skipped: true, Reason: warming.ReasonCooldown}}
	c := serve(t, newTestServer(t, w, &fakeSweeper{}, Options{}))

	status, body, _ := do(t, c, "POST", "/v1/warm", `{"locationId":"01400943"}`, bearer(t, "user-7"))
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if body["skipped"] != true || body["reason"] != "cooldown" || body["success"] != true {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["cached"]; ok {
		t.Error("skipped response must not carry counts")
	}
}

func TestWarm_Unauthenticated(t *testing.T) {
	w := &fakeWarmer{}
	c := serve(t, newTestServer(t, w, &fakeSweeper{}, Options{}))

	expired, err := SignDevToken(testJWTSecret, "user-7", -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	forged, err := SignDevToken("another-secret-of-16+", "user-7", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	for name, hdr := range map[string]map[string]string{
		"missing": nil,
		"garbage": {"Authorization": "Bearer not-a-jwt"},
		"expired": {"Authorization": "Bearer " + expired},
		"forged":  {"Authorization": "Bearer " + forged},
		"basic":   {"Authorization": "Basic dXNlcjpwYXNz"},
	} {
		status, body, _ := do(t, c, "POST", "/v1/warm", `{"locationId":"01400943"}`, hdr)
		if status != 401 || errorCode(body) != "unauthorized" || body["success"] != false {
			t.Errorf("%s: status = %d body = %v", name, status, body)
		}
	}
	if len(w.calls) != 0 {
		t.Errorf("warmer called %d times for unauthenticated requests", len(w.calls))
	}
}

func TestWarm_BadRequests(t *testing.T) {
	w := &fakeWarmer{}
	c := serve(t, newTestServer(t, w, &fakeSweeper{}, Options{}))

	for _, body := range []string{`{}`, `{"locationId":""}`, `{"locationId":"no spaces"}`, `not json`} {
		status, resp, _ := do(t, c, "POST", "/v1/warm", body, bearer(t, "u"))
		if status != 400 {
			t.Errorf("%s: status = %d body = %v", body, status, resp)
		}
	}
	if len(w.calls) != 0 {
		t.Error("warmer must not run for invalid input")
	}
}

func TestWarm_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"token 401", errors.Join(warming.ErrToken, &upstream.StatusError{Endpoint: "token", StatusCode: 401}), 502, "upstream_auth_failed"},
		{"token 429", errors.Join(warming.ErrToken, &upstream.StatusError{Endpoint: "token", StatusCode: 429}), 429, "rate_limit_exceeded"},
		{"token transport", errors.Join(warming.ErrToken, errors.New("dial tcp")), 502, "upstream_error"},
		{"timeout", context.DeadlineExceeded, 504, "request_timeout"},
		{"store", errors.New("redis: connection refused"), 500, "store_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := serve(t, newTestServer(t, &fakeWarmer{err: tt.err}, &fakeSweeper{}, Options{}))
			status, body, _ := do(t, c, "POST", "/v1/warm", `{"locationId":"01400943"}`, bearer(t, "u"))
			if status != tt.wantStatus || errorCode(body) != tt.wantCode {
				t.Errorf("status = %d code = %v, want %d %s", status, errorCode(body), tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestWarm_DisabledWithoutAuth(t *testing.T) {
	s := New(context.Background(), &fakeWarmer{}, &fakeSweeper{}, Options{})
	c := serve(t, s)
	status, _, _ := do(t, c, "POST", "/v1/warm", `{"locationId":"01400943"}`, nil)
	if status != 404 {
		t.Errorf("status = %d, want 404 when no authenticator is configured", status)
	}
}

func TestAdminWarm(t *testing.T) {
	w := &fakeWarmer{res: warming.OnDemandResult{Cached: 3}}
	c := serve(t, newTestServer(t, w, &fakeSweeper{}, Options{}))

	status, _, _ := do(t, c, "POST", "/admin/warm?locationId=01400943", "", map[string]string{"X-Trigger-Secret": "wrong"})
	if status != 401 {
		t.Fatalf("wrong secret: status = %d", status)
	}

	status, body, _ := do(t, c, "POST", "/admin/warm?locationId=01400943", "", map[string]string{"X-Trigger-Secret": testTriggerSecret})
	if status != 200 || body["cached"] != float64(3) {
		t.Fatalf("status = %d body = %v", status, body)
	}
	if w.requester != adminRequester {
		t.Errorf("requester = %q", w.requester)
	}

	status, _, _ = do(t, c, "POST", "/admin/warm", "", map[string]string{"X-Trigger-Secret": testTriggerSecret})
	if status != 400 {
		t.Errorf("missing locationId: status = %d, want 400", status)
	}
}

func TestAdminSweep(t *testing.T) {
	sw := &fakeSweeper{deleted: map[string]int{"product_search_cache": 1200, "image_cache": 4}}
	c := serve(t, newTestServer(t, &fakeWarmer{}, sw, Options{}))

	status, _, _ := do(t, c, "POST", "/admin/sweep", "", nil)
	if status != 401 || sw.calls != 0 {
		t.Fatalf("no secret: status = %d calls = %d", status, sw.calls)
	}

	status, body, _ := do(t, c, "POST", "/admin/sweep", "", map[string]string{"X-Trigger-Secret": testTriggerSecret})
	if status != 200 || body["success"] != true {
		t.Fatalf("status = %d body = %v", status, body)
	}
	deleted, _ := body["deleted"].(map[string]any)
	if deleted["product_search_cache"] != float64(1200) || deleted["image_cache"] != float64(4) {
		t.Errorf("deleted = %v", deleted)
	}
}

func TestAdminSweep_Error(t *testing.T) {
	sw := &fakeSweeper{deleted: map[string]int{}, err: errors.New("boom")}
	c := serve(t, newTestServer(t, &fakeWarmer{}, sw, Options{}))
	status, body, _ := do(t, c, "POST", "/admin/sweep", "", map[string]string{"X-Trigger-Secret": testTriggerSecret})
	if status != 500 || errorCode(body) != "store_error" {
		t.Errorf("status = %d body = %v", status, body)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	var down bool
	var mu sync.Mutex
	ping := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if down {
			return errors.New("unreachable")
		}
		return nil
	}
	hc := NewHealthChecker(context.Background(), ping, func() map[string]string {
		return map[string]string{"products": "closed"}
	}, nil)
	t.Cleanup(hc.Close)

	c := serve(t, newTestServer(t, &fakeWarmer{}, &fakeSweeper{}, Options{Health: hc}))

	status, body, _ := do(t, c, "GET", "/health", "", nil)
	if status != 200 || body["status"] != "ok" || body["store"] != "ok" {
		t.Fatalf("health = %d %v", status, body)
	}
	if status, _, _ := do(t, c, "GET", "/readiness", "", nil); status != 200 {
		t.Fatalf("readiness = %d", status)
	}

	mu.Lock()
	down = true
	mu.Unlock()
	hc.checkStore()

	status, body, _ = do(t, c, "GET", "/health", "", nil)
	if status != 200 || body["status"] != "degraded" || body["store"] != "down" {
		t.Errorf("health after failure = %d %v", status, body)
	}
	if status, _, _ := do(t, c, "GET", "/readiness", "", nil); status != 503 {
		t.Errorf("readiness after failure = %d, want 503", status)
	}
}

func TestHealth_OpenBreakerDegrades(t *testing.T) {
	hc := NewHealthChecker(context.Background(), nil, func() map[string]string {
		return map[string]string{"token": "closed", "products": "open"}
	}, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" || snap.Store != "ok" {
		t.Errorf("snapshot = %+v", snap)
	}
	if !hc.ReadinessOK() {
		t.Error("an open upstream breaker must not fail readiness")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	met := metrics.New()
	w := &fakeWarmer{}
	c := serve(t, newTestServer(t, w, &fakeSweeper{}, Options{Metrics: met}))

	do(t, c, "POST", "/v1/warm", `{"locationId":"01400943"}`, bearer(t, "u"))

	req, _ := http.NewRequest("GET", "http://warmer/metrics", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || !strings.Contains(string(raw), "warmer_http_requests_total") {
		t.Errorf("metrics status = %d, body missing warmer_http_requests_total", resp.StatusCode)
	}
}

func TestPreflight(t *testing.T) {
	c := serve(t, newTestServer(t, &fakeWarmer{}, &fakeSweeper{}, Options{CORSOrigins: []string{"https://app.example"}}))
	status, _, hdr := do(t, c, "OPTIONS", "/v1/warm", "", map[string]string{"Origin": "https://app.example"})
	if status != 204 {
		t.Errorf("preflight = %d", status)
	}
	if hdr.Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("allow origin = %q", hdr.Get("Access-Control-Allow-Origin"))
	}
}
