package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/product-cache/internal/cache"
	"github.com/nulpointcorp/product-cache/internal/upstream"
)

func newMock(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID, cfg.ClientSecret = "mock-client", "mock-secret"
	}
	srv := httptest.NewServer(newHandler(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)
	return srv
}

func TestMock_WarmsThroughRealClient(t *testing.T) {
	srv := newMock(t, Config{})
	ctx := context.Background()

	tokens := upstream.NewTokenProvider("mock-client", "mock-secret", upstream.WithBaseURL(srv.URL))
	tok, err := tokens.Token(ctx)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	store := cache.NewMemoryStore()
	search := upstream.NewSearchClient(store, upstream.WithBaseURL(srv.URL), upstream.WithResultLimit(5))
	ok, err := search.SearchAndCache(ctx, tok, "01400943", "Ice Cream")
	if err != nil || !ok {
		t.Fatalf("SearchAndCache = %v, %v", ok, err)
	}

	e, err := store.Entry(ctx, cache.Key{LocationID: "01400943", Term: "ice cream"})
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if len(e.Products) != 5 {
		t.Errorf("products = %d, want 5", len(e.Products))
	}
	for _, p := range e.Products {
		if p.RegularPrice == nil {
			t.Errorf("product %s has no regular price", p.ProductID)
		}
	}
}

func TestMock_RejectsBadCredentials(t *testing.T) {
	srv := newMock(t, Config{})
	tokens := upstream.NewTokenProvider("someone", "wrong", upstream.WithBaseURL(srv.URL))
	if _, err := tokens.Token(context.Background()); err == nil {
		t.Fatal("expected a token error")
	}
}

func TestMock_ErrorAndEmptyRates(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"errors", Config{ErrorRate: 1}},
		{"empty", Config{EmptyRate: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newMock(t, tt.cfg)
			ctx := context.Background()

			tok, err := upstream.NewTokenProvider("mock-client", "mock-secret", upstream.WithBaseURL(srv.URL)).Token(ctx)
			if err != nil {
				t.Fatal(err)
			}
			store := cache.NewMemoryStore()
			ok, err := upstream.NewSearchClient(store, upstream.WithBaseURL(srv.URL)).
				SearchAndCache(ctx, tok, "01400943", "milk")
			if err != nil || ok {
				t.Fatalf("SearchAndCache = %v, %v; want soft failure", ok, err)
			}
			if store.Len(cache.Products) != 0 {
				t.Error("a failed search must not write an entry")
			}
		})
	}
}

func TestMock_ProductsRequiresToken(t *testing.T) {
	srv := newMock(t, Config{})
	resp, err := http.Get(srv.URL + "/v1/products?filter.term=milk&filter.locationId=1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
