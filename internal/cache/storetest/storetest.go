// Package storetest is a conformance suite run against every cache.Store
// backend so they stay interchangeable.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/nulpointcorp/product-cache/internal/cache"
)

// Harness is one backend under test.
type Harness struct {
	Store cache.Store
	// SetAccountLocation seeds the account → location directory.
	SetAccountLocation func(t *testing.T, accountID, locationID string, active bool)
}

// Factory builds a fresh, empty backend for each subtest.
type Factory func(t *testing.T) Harness

var base = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func entry(loc, term string, created time.Time, ttl time.Duration, desc string) *cache.Entry {
	return &cache.Entry{
		LocationID:     loc,
		Term:           term,
		NormalizedTerm: cache.NormalizeTerm(term),
		Source:         cache.SourceProductSearch,
		Products: []cache.Product{{
			ProductID:   "0001111041700",
			UPC:         "0001111041700",
			Brand:       strPtr("Kroger"),
			Description: desc,
			Category:    strPtr("Dairy"),
			Currency:    "USD",
			InStock:     true,
		}},
		Total:     1,
		CreatedAt: created,
		UpdatedAt: created,
		WarmedAt:  created,
		ExpiresAt: created.Add(ttl),
	}
}

// Run executes the suite.
func Run(t *testing.T, newHarness Factory) {
	t.Run("UpsertCreatesEntry", func(t *testing.T) { testUpsertCreates(t, newHarness(t)) })
	t.Run("UpsertIsIdempotent", func(t *testing.T) { testUpsertIdempotent(t, newHarness(t)) })
	t.Run("MissingEntry", func(t *testing.T) { testMissingEntry(t, newHarness(t)) })
	t.Run("StatsMerge", func(t *testing.T) { testStatsMerge(t, newHarness(t)) })
	t.Run("FindStaleProducts", func(t *testing.T) { testFindStaleProducts(t, newHarness(t)) })
	t.Run("FindStaleImages", func(t *testing.T) { testFindStaleImages(t, newHarness(t)) })
	t.Run("DeleteBatch", func(t *testing.T) { testDeleteBatch(t, newHarness(t)) })
	t.Run("ActiveLocations", func(t *testing.T) { testActiveLocations(t, newHarness(t)) })
	t.Run("UnknownCollection", func(t *testing.T) { testUnknownCollection(t, newHarness(t)) })
}

func testUpsertCreates(t *testing.T, h Harness) {
	ctx := context.Background()
	e := entry("01400943", "Whole Milk", base, 72*time.Hour, "Kroger 2% Milk")

	if err := h.Store.UpsertEntry(ctx, e); err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}

	got, err := h.Store.Entry(ctx, cache.Key{LocationID: "01400943", Term: "whole milk"})
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got.HitCount != 0 {
		t.Errorf("HitCount = %d, want 0", got.HitCount)
	}
	if got.Term != "Whole Milk" || got.NormalizedTerm != "whole_milk" {
		t.Errorf("term = %q / %q", got.Term, got.NormalizedTerm)
	}
	if !got.ExpiresAt.Equal(base.Add(72 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", got.ExpiresAt)
	}
	if !got.ExpiresAt.After(got.CreatedAt) {
		t.Errorf("ExpiresAt %v must be after CreatedAt %v", got.ExpiresAt, got.CreatedAt)
	}
	if !reflect.DeepEqual(got.Products, e.Products) {
		t.Errorf("Products = %+v, want %+v", got.Products, e.Products)
	}
}

func testUpsertIdempotent(t *testing.T, h Harness) {
	ctx := context.Background()
	key := cache.Key{LocationID: "01400943", Term: "milk"}

	if err := h.Store.UpsertEntry(ctx, entry("01400943", "milk", base, 24*time.Hour, "first")); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	hitAt := base.Add(time.Minute)
	for i := 0; i < 2; i++ {
		if err := h.Store.RecordHit(ctx, key, hitAt); err != nil {
			t.Fatalf("RecordHit: %v", err)
		}
	}

	second := base.Add(time.Hour)
	if err := h.Store.UpsertEntry(ctx, entry("01400943", "Milk ", second, 72*time.Hour, "second")); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := h.Store.Entry(ctx, key)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if got.HitCount != 2 {
		t.Errorf("HitCount = %d, want 2 (warming must not touch it)", got.HitCount)
	}
	if !got.LastAccessedAt.Equal(hitAt) {
		t.Errorf("LastAccessedAt = %v, want %v", got.LastAccessedAt, hitAt)
	}
	if len(got.Products) != 1 || got.Products[0].Description != "second" {
		t.Errorf("Products not superseded: %+v", got.Products)
	}
	if !got.UpdatedAt.Equal(second) || !got.ExpiresAt.Equal(second.Add(72*time.Hour)) {
		t.Errorf("UpdatedAt/ExpiresAt not superseded: %v / %v", got.UpdatedAt, got.ExpiresAt)
	}

	// Exactly one document for the key: a stale query past both expiries
	// returns a single id.
	ids, err := h.Store.FindStale(ctx, cache.StaleQuery{
		Collection: cache.Products,
		Before:     second.Add(365 * 24 * time.Hour),
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("FindStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != key.ID() {
		t.Errorf("ids = %v, want [%s]", ids, key.ID())
	}
}

func testMissingEntry(t *testing.T, h Harness) {
	ctx := context.Background()
	key := cache.Key{LocationID: "nope", Term: "ghost"}

	if _, err := h.Store.Entry(ctx, key); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Entry err = %v, want ErrNotFound", err)
	}
	if err := h.Store.RecordHit(ctx, key, base); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("RecordHit err = %v, want ErrNotFound", err)
	}
	if _, err := h.Store.Stats(ctx, "nope"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Stats err = %v, want ErrNotFound", err)
	}
}

func testStatsMerge(t *testing.T, h Harness) {
	ctx := context.Background()

	if err := h.Store.UpsertStats(ctx, &cache.WarmingStats{
		LocationID:   "L1",
		LastWarmedAt: base,
		ItemsWarmed:  10,
		Errors:       1,
		WarmedBy:     "user-1",
		WarmType:     cache.WarmOnDemand,
	}); err != nil {
		t.Fatalf("UpsertStats: %v", err)
	}

	// Older timestamp, no requester: counts overwrite, time and requester stay.
	if err := h.Store.UpsertStats(ctx, &cache.WarmingStats{
		LocationID:   "L1",
		LastWarmedAt: base.Add(-time.Hour),
		ItemsWarmed:  7,
		Errors:       0,
		WarmType:     cache.WarmScheduled,
	}); err != nil {
		t.Fatalf("UpsertStats: %v", err)
	}

	got, err := h.Store.Stats(ctx, "L1")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !got.LastWarmedAt.Equal(base) {
		t.Errorf("LastWarmedAt = %v, want %v (must never move backwards)", got.LastWarmedAt, base)
	}
	if got.ItemsWarmed != 7 || got.Errors != 0 || got.WarmType != cache.WarmScheduled {
		t.Errorf("counts not merged: %+v", got)
	}
	if got.WarmedBy != "user-1" {
		t.Errorf("WarmedBy = %q, want user-1", got.WarmedBy)
	}

	later := base.Add(2 * time.Hour)
	if err := h.Store.UpsertStats(ctx, &cache.WarmingStats{LocationID: "L1", LastWarmedAt: later, WarmType: cache.WarmScheduled}); err != nil {
		t.Fatalf("UpsertStats: %v", err)
	}
	got, _ = h.Store.Stats(ctx, "L1")
	if !got.LastWarmedAt.Equal(later) {
		t.Errorf("LastWarmedAt = %v, want %v", got.LastWarmedAt, later)
	}
}

func testFindStaleProducts(t *testing.T, h Harness) {
	ctx := context.Background()
	now := base.Add(48 * time.Hour)

	// expires base+24h, base+36h (stale), base+48h (== now, survives), base+72h.
	for i, ttl := range []time.Duration{36 * time.Hour, 24 * time.Hour, 48 * time.Hour, 72 * time.Hour} {
		e := entry("L1", fmt.Sprintf("term %d", i), base, ttl, "p")
		if err := h.Store.UpsertEntry(ctx, e); err != nil {
			t.Fatalf("UpsertEntry: %v", err)
		}
	}

	ids, err := h.Store.FindStale(ctx, cache.StaleQuery{Collection: cache.Products, Before: now, Limit: 10})
	if err != nil {
		t.Fatalf("FindStale: %v", err)
	}
	want := []string{"L1_term_1", "L1_term_0"} // oldest expiry first
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}

	ids, err = h.Store.FindStale(ctx, cache.StaleQuery{Collection: cache.Products, Before: now, Limit: 1})
	if err != nil {
		t.Fatalf("FindStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != "L1_term_1" {
		t.Fatalf("limited ids = %v", ids)
	}
}

func testFindStaleImages(t *testing.T, h Harness) {
	ctx := context.Background()
	for i, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, 29 * 24 * time.Hour} {
		img := &cache.ImageEntry{
			ID:        fmt.Sprintf("img-%d", i),
			Prompt:    "lemon chicken",
			URL:       "https://img.example.com/" + fmt.Sprint(i),
			CreatedAt: base.Add(-age),
		}
		if err := h.Store.PutImage(ctx, img); err != nil {
			t.Fatalf("PutImage: %v", err)
		}
	}

	ids, err := h.Store.FindStale(ctx, cache.StaleQuery{
		Collection: cache.Images,
		Before:     base.Add(-30 * 24 * time.Hour),
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("FindStale: %v", err)
	}
	want := []string{"img-0", "img-1"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
}

func testDeleteBatch(t *testing.T, h Harness) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := h.Store.UpsertEntry(ctx, entry("L1", fmt.Sprintf("t%d", i), base, time.Hour, "p")); err != nil {
			t.Fatalf("UpsertEntry: %v", err)
		}
	}

	if err := h.Store.DeleteBatch(ctx, cache.Products, []string{"L1_t0", "L1_t1", "L1_t2"}); err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	if err := h.Store.DeleteBatch(ctx, cache.Products, nil); err != nil {
		t.Fatalf("DeleteBatch(empty): %v", err)
	}

	if _, err := h.Store.Entry(ctx, cache.Key{LocationID: "L1", Term: "t0"}); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("deleted entry still readable: %v", err)
	}

	ids, err := h.Store.FindStale(ctx, cache.StaleQuery{Collection: cache.Products, Before: base.Add(2 * time.Hour), Limit: 10})
	if err != nil {
		t.Fatalf("FindStale: %v", err)
	}
	sort.Strings(ids)
	if want := []string{"L1_t3", "L1_t4"}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("remaining ids = %v, want %v", ids, want)
	}
}

func testActiveLocations(t *testing.T, h Harness) {
	ctx := context.Background()
	h.SetAccountLocation(t, "acct-1", "L1", true)
	h.SetAccountLocation(t, "acct-2", "L1", true)
	h.SetAccountLocation(t, "acct-3", "L2", true)
	h.SetAccountLocation(t, "acct-4", "L3", false)

	locs, err := h.Store.ActiveLocations(ctx, 10)
	if err != nil {
		t.Fatalf("ActiveLocations: %v", err)
	}
	sort.Strings(locs)
	if want := []string{"L1", "L2"}; !reflect.DeepEqual(locs, want) {
		t.Fatalf("locations = %v, want %v", locs, want)
	}

	locs, err = h.Store.ActiveLocations(ctx, 1)
	if err != nil {
		t.Fatalf("ActiveLocations: %v", err)
	}
	if len(locs) != 1 {
		t.Fatalf("limit not applied: %v", locs)
	}
}

func testUnknownCollection(t *testing.T, h Harness) {
	ctx := context.Background()
	if _, err := h.Store.FindStale(ctx, cache.StaleQuery{Collection: "bogus", Before: base, Limit: 1}); err == nil {
		t.Error("FindStale: expected error for unknown collection")
	}
	if err := h.Store.DeleteBatch(ctx, "bogus", []string{"x"}); err == nil {
		t.Error("DeleteBatch: expected error for unknown collection")
	}
}
