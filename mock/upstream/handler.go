package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// mockToken is the only bearer token the products endpoint accepts.
const mockToken = "mock-access-token"

var brands = []string{"Kroger", "Simple Truth", "Private Selection", "Heritage Farm", "Comforts"}

var sizes = []string{"xlarge", "large", "medium", "small", "thumbnail"}

// newHandler serves the token and product search endpoints.
func newHandler(cfg Config, log *slog.Logger) http.Handler {
	var searches atomic.Int64
	mux := http.NewServeMux()

	// POST /v1/connect/oauth2/token
	mux.HandleFunc("/v1/connect/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)

		id, secret, ok := r.BasicAuth()
		if !ok || id != cfg.ClientID || secret != cfg.ClientSecret {
			writeError(w, http.StatusUnauthorized, "invalid client credentials")
			return
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
			writeError(w, http.StatusBadRequest, "unsupported grant_type")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": mockToken,
			"token_type":   "bearer",
			"expires_in":   1800,
		})
	})

	// GET /v1/products?filter.term=...&filter.locationId=...&filter.limit=...
	mux.HandleFunc("/v1/products", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		applyLatency(cfg)

		if r.Header.Get("Authorization") != "Bearer "+mockToken {
			writeError(w, http.StatusUnauthorized, "invalid access token")
			return
		}

		q := r.URL.Query()
		term := q.Get("filter.term")
		loc := q.Get("filter.locationId")
		if term == "" || loc == "" {
			writeError(w, http.StatusBadRequest, "filter.term and filter.locationId are required")
			return
		}
		limit, err := strconv.Atoi(q.Get("filter.limit"))
		if err != nil || limit < 1 || limit > 50 {
			limit = 10
		}

		n := searches.Add(1)
		if roll(cfg.ErrorRate) {
			log.Info("search_error_injected", slog.Int64("n", n), slog.String("term", term))
			writeError(w, http.StatusInternalServerError, "mock internal error")
			return
		}
		if roll(cfg.EmptyRate) {
			writeJSON(w, http.StatusOK, searchPage(nil))
			return
		}

		products := make([]map[string]any, limit)
		for i := range products {
			products[i] = fakeProduct(term, loc, i)
		}
		writeJSON(w, http.StatusOK, searchPage(products))
	})

	return mux
}

func searchPage(products []map[string]any) map[string]any {
	if products == nil {
		products = []map[string]any{}
	}
	return map[string]any{
		"data": products,
		"meta": map[string]any{
			"pagination": map[string]int{"start": 0, "limit": len(products), "total": len(products)},
		},
	}
}

// fakeProduct builds one product in the upstream wire shape. Prices are
// sometimes bare numbers and sometimes objects, like the real API.
func fakeProduct(term, loc string, i int) map[string]any {
	upc := fmt.Sprintf("%013d", rand.Int64N(1e13))
	regular := float64(rand.IntN(1500)+99) / 100

	var price any = map[string]float64{"regular": regular}
	if rand.IntN(4) == 0 {
		price = map[string]float64{"regular": regular, "promo": regular * 0.8}
	} else if rand.IntN(4) == 0 {
		price = regular
	}

	stock := "HIGH"
	if rand.IntN(10) == 0 {
		stock = "TEMPORARILY_OUT_OF_STOCK"
	}

	images := make([]map[string]any, 0, len(sizes))
	for _, s := range sizes[rand.IntN(len(sizes)):] {
		images = append(images, map[string]any{
			"size": s,
			"url":  fmt.Sprintf("https://images.example.com/%s/%s.jpg", s, upc),
		})
	}

	return map[string]any{
		"productId":   upc,
		"upc":         upc,
		"brand":       brands[rand.IntN(len(brands))],
		"description": fmt.Sprintf("%s %s #%d", strings.ToUpper(term[:1])+term[1:], "item", i+1),
		"categories":  []string{"Grocery"},
		"aisleLocations": []map[string]string{
			{"description": fmt.Sprintf("Aisle %d", rand.IntN(30)+1), "number": strconv.Itoa(rand.IntN(30) + 1)},
		},
		"images": []map[string]any{
			{"perspective": "front", "featured": true, "sizes": images},
		},
		"items": []map[string]any{
			{
				"itemId":    upc,
				"size":      "1 ct",
				"soldBy":    "UNIT",
				"price":     price,
				"inventory": map[string]string{"stockLevel": stock},
				"fulfillment": map[string]bool{
					"curbside": true, "delivery": true, "inStore": true, "shipToHome": false,
				},
			},
		},
		"locationId": loc,
	}
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func roll(rate float64) bool {
	return rate > 0 && rand.Float64() < rate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"errors": map[string]any{"reason": msg, "code": strconv.Itoa(status)},
	})
}
