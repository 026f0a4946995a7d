package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by lookups when the requested document is absent.
var ErrNotFound = errors.New("cache: not found")

// Collection names one of the two evictable cache collections.
type Collection string

const (
	// Products is the product-search cache. Staleness: expiresAt < cutoff.
	Products Collection = "product_search_cache"
	// Images is the generated-image cache. Staleness: createdAt < cutoff.
	Images Collection = "image_cache"
)

// WarmType records which path produced a WarmingStats update.
type WarmType string

const (
	WarmScheduled WarmType = "scheduled"
	WarmOnDemand  WarmType = "on-demand"
)

// SourceProductSearch tags entries written by the product search client.
const SourceProductSearch = "products.search"

// Key identifies one cached search result.
type Key struct {
	LocationID string
	Term       string
}

// NormalizedTerm returns the normalized form of the key's term.
func (k Key) NormalizedTerm() string { return NormalizeTerm(k.Term) }

// ID returns the stable document identifier for the key.
func (k Key) ID() string { return k.LocationID + "_" + k.NormalizedTerm() }

// NormalizeTerm lowercases and trims term and collapses every whitespace run
// into a single underscore: "  Whole   Milk " → "whole_milk".
func NormalizeTerm(term string) string {
	return strings.Join(strings.Fields(strings.ToLower(term)), "_")
}

// Fulfillment holds the per-channel availability flags reported upstream.
type Fulfillment struct {
	InStore    *bool `json:"inStore,omitempty"`
	Curbside   *bool `json:"curbside,omitempty"`
	Delivery   *bool `json:"delivery,omitempty"`
	ShipToHome *bool `json:"shipToHome,omitempty"`
}

// Product is the normalized snapshot of one upstream product.
type Product struct {
	ProductID     string      `json:"productId"`
	UPC           string      `json:"upc"`
	Brand         *string     `json:"brand,omitempty"`
	Description   string      `json:"description"`
	Category      *string     `json:"category,omitempty"`
	Department    *string     `json:"department,omitempty"`
	Size          *string     `json:"size,omitempty"`
	ImageURL      *string     `json:"imageUrl,omitempty"`
	RegularPrice  *float64    `json:"regularPrice,omitempty"`
	PromoPrice    *float64    `json:"promoPrice,omitempty"`
	UnitPrice     *float64    `json:"unitPrice,omitempty"`
	UnitOfMeasure *string     `json:"unitOfMeasure,omitempty"`
	Currency      string      `json:"currency"`
	Aisle         *string     `json:"aisle,omitempty"`
	InStock       bool        `json:"isInStock"`
	StockLevel    *string     `json:"stockLevel,omitempty"`
	Fulfillment   Fulfillment `json:"fulfillment"`
	SoldBy        *string     `json:"soldBy,omitempty"`
}

// Entry is one cached search result. HitCount and LastAccessedAt belong to
// the read path; UpsertEntry never overwrites them.
type Entry struct {
	LocationID     string
	Term           string
	NormalizedTerm string
	Source         string
	Products       []Product
	Total          int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
	WarmedAt       time.Time
	HitCount       int64
	LastAccessedAt time.Time
}

// ID returns the entry's document identifier.
func (e *Entry) ID() string { return e.LocationID + "_" + e.NormalizedTerm }

// WarmingStats is the per-location warming record. LastWarmedAt never moves
// backwards: backends keep the later of the stored and written values.
type WarmingStats struct {
	LocationID   string
	LastWarmedAt time.Time
	ItemsWarmed  int
	Errors       int
	WarmedBy     string // on-demand requester; left untouched when empty
	WarmType     WarmType
}

// ImageEntry is one generated-image cache document. It has no TTL; the
// sweeper ages it out by CreatedAt.
type ImageEntry struct {
	ID        string
	Prompt    string
	URL       string
	CreatedAt time.Time
}

// StaleQuery selects documents of Collection whose staleness timestamp
// (ExpiresAt for Products, CreatedAt for Images) is strictly before Before.
type StaleQuery struct {
	Collection Collection
	Before     time.Time
	Limit      int
}

// Store is the persistent cache store shared by warming, eviction and the
// read path. Every write is a single-document upsert except DeleteBatch,
// which removes a page of documents atomically.
type Store interface {
	// UpsertEntry writes the fields owned by warming and leaves HitCount and
	// LastAccessedAt untouched. HitCount starts at 0 on creation.
	UpsertEntry(ctx context.Context, e *Entry) error
	// Entry returns the entry for key or ErrNotFound.
	Entry(ctx context.Context, key Key) (*Entry, error)
	// RecordHit increments the hit counter of an existing entry.
	RecordHit(ctx context.Context, key Key, at time.Time) error

	// Stats returns the warming stats for locationID or ErrNotFound.
	Stats(ctx context.Context, locationID string) (*WarmingStats, error)
	// UpsertStats merges s into the stored stats for s.LocationID.
	UpsertStats(ctx context.Context, s *WarmingStats) error

	// PutImage upserts a generated-image cache document.
	PutImage(ctx context.Context, img *ImageEntry) error

	// FindStale returns up to q.Limit ids matching q, oldest first.
	FindStale(ctx context.Context, q StaleQuery) ([]string, error)
	// DeleteBatch removes ids from collection in one atomic operation.
	DeleteBatch(ctx context.Context, collection Collection, ids []string) error

	// ActiveLocations returns the distinct store locations configured by
	// active accounts, at most limit of them.
	ActiveLocations(ctx context.Context, limit int) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

func validCollection(c Collection) bool {
	return c == Products || c == Images
}
