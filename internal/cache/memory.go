// Package cache defines the product-search cache model and the Store
// contract shared by warming, eviction and the read path.
//
// Two backends live here:
//   - RedisStore: shared across replicas, recommended for production.
//   - MemoryStore: in-process with no external dependencies. Meant for local
//     development and tests.
//
// A SQLite backend lives in the sqlite sub-package. All of them implement
// Store so they are fully interchangeable.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type account struct {
	locationID string
	active     bool
}

// MemoryStore is an in-process Store. It is safe for concurrent use.
//
// Nothing expires on its own: entries stay until the eviction sweeper deletes
// them, exactly like the persistent backends.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	stats    map[string]WarmingStats
	images   map[string]ImageEntry
	accounts map[string]account
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]Entry),
		stats:    make(map[string]WarmingStats),
		images:   make(map[string]ImageEntry),
		accounts: make(map[string]account),
	}
}

func (s *MemoryStore) UpsertEntry(_ context.Context, e *Entry) error {
	if e == nil || e.LocationID == "" || e.NormalizedTerm == "" {
		return fmt.Errorf("cache: upsert entry: location and normalized term are required")
	}

	products := make([]Product, len(e.Products))
	copy(products, e.Products)

	s.mu.Lock()
	defer s.mu.Unlock()

	id := e.ID()
	cur, ok := s.entries[id]
	if !ok {
		cur = Entry{HitCount: 0}
	}
	cur.LocationID = e.LocationID
	cur.Term = e.Term
	cur.NormalizedTerm = e.NormalizedTerm
	cur.Source = e.Source
	cur.Products = products
	cur.Total = e.Total
	cur.CreatedAt = e.CreatedAt
	cur.UpdatedAt = e.UpdatedAt
	cur.ExpiresAt = e.ExpiresAt
	cur.WarmedAt = e.WarmedAt
	s.entries[id] = cur

	return nil
}

func (s *MemoryStore) Entry(_ context.Context, key Key) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key.ID()]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	e.Products = append([]Product(nil), e.Products...)
	return &e, nil
}

func (s *MemoryStore) RecordHit(_ context.Context, key Key, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key.ID()]
	if !ok {
		return ErrNotFound
	}
	e.HitCount++
	e.LastAccessedAt = at
	s.entries[key.ID()] = e
	return nil
}

func (s *MemoryStore) Stats(_ context.Context, locationID string) (*WarmingStats, error) {
	s.mu.RLock()
	st, ok := s.stats[locationID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (s *MemoryStore) UpsertStats(_ context.Context, in *WarmingStats) error {
	if in == nil || in.LocationID == "" {
		return fmt.Errorf("cache: upsert stats: location is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.stats[in.LocationID]
	if !ok {
		cur = WarmingStats{LocationID: in.LocationID}
	}
	if in.LastWarmedAt.After(cur.LastWarmedAt) {
		cur.LastWarmedAt = in.LastWarmedAt
	}
	cur.ItemsWarmed = in.ItemsWarmed
	cur.Errors = in.Errors
	cur.WarmType = in.WarmType
	if in.WarmedBy != "" {
		cur.WarmedBy = in.WarmedBy
	}
	s.stats[in.LocationID] = cur
	return nil
}

func (s *MemoryStore) PutImage(_ context.Context, img *ImageEntry) error {
	if img == nil || img.ID == "" {
		return fmt.Errorf("cache: put image: id is required")
	}
	s.mu.Lock()
	s.images[img.ID] = *img
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) FindStale(_ context.Context, q StaleQuery) ([]string, error) {
	if !validCollection(q.Collection) {
		return nil, fmt.Errorf("cache: unknown collection %q", q.Collection)
	}
	if q.Limit <= 0 {
		return nil, nil
	}

	type stale struct {
		id string
		at time.Time
	}
	var found []stale

	s.mu.RLock()
	switch q.Collection {
	case Products:
		for id, e := range s.entries {
			if e.ExpiresAt.Before(q.Before) {
				found = append(found, stale{id, e.ExpiresAt})
			}
		}
	case Images:
		for id, img := range s.images {
			if img.CreatedAt.Before(q.Before) {
				found = append(found, stale{id, img.CreatedAt})
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].at.Equal(found[j].at) {
			return found[i].id < found[j].id
		}
		return found[i].at.Before(found[j].at)
	})
	if len(found) > q.Limit {
		found = found[:q.Limit]
	}

	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids, nil
}

func (s *MemoryStore) DeleteBatch(_ context.Context, collection Collection, ids []string) error {
	if !validCollection(collection) {
		return fmt.Errorf("cache: unknown collection %q", collection)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if collection == Products {
			delete(s.entries, id)
		} else {
			delete(s.images, id)
		}
	}
	return nil
}

// SetAccountLocation records the store location configured by accountID.
// Inactive accounts do not contribute to ActiveLocations.
func (s *MemoryStore) SetAccountLocation(accountID, locationID string, active bool) {
	s.mu.Lock()
	s.accounts[accountID] = account{locationID: locationID, active: active}
	s.mu.Unlock()
}

func (s *MemoryStore) ActiveLocations(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	seen := make(map[string]struct{})
	for _, a := range s.accounts {
		if a.active && a.locationID != "" {
			seen[a.locationID] = struct{}{}
		}
	}
	s.mu.RUnlock()

	locs := make([]string, 0, len(seen))
	for l := range seen {
		locs = append(locs, l)
	}
	sort.Strings(locs)
	if limit > 0 && len(locs) > limit {
		locs = locs[:limit]
	}
	return locs, nil
}

// Len returns the number of documents held in collection.
func (s *MemoryStore) Len(collection Collection) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if collection == Images {
		return len(s.images)
	}
	return len(s.entries)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
