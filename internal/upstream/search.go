package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/nulpointcorp/product-cache/internal/cache"
	"github.com/nulpointcorp/product-cache/internal/ttl"
)

const stockOutOfStock = "TEMPORARILY_OUT_OF_STOCK"

// imageSizePreference is the order in which image sizes are tried.
var imageSizePreference = []string{"xlarge", "large", "medium", "small", "thumbnail"}

// EntryWriter persists warmed cache entries. cache.Store implements it.
type EntryWriter interface {
	UpsertEntry(ctx context.Context, e *cache.Entry) error
}

type searchResponse struct {
	Data []rawProduct `json:"data"`
	Meta struct {
		Pagination struct {
			Total int `json:"total"`
		} `json:"pagination"`
	} `json:"meta"`
}

type rawProduct struct {
	ProductID      string     `json:"productId"`
	UPC            string     `json:"upc"`
	Brand          string     `json:"brand"`
	Description    string     `json:"description"`
	Categories     []string   `json:"categories"`
	AisleLocations []rawAisle `json:"aisleLocations"`
	Images         []rawImage `json:"images"`
	Items          []rawItem  `json:"items"`
}

type rawAisle struct {
	Description string `json:"description"`
	Number      string `json:"number"`
}

type rawImage struct {
	Perspective string         `json:"perspective"`
	Featured    bool           `json:"featured"`
	Sizes       []rawImageSize `json:"sizes"`
}

type rawImageSize struct {
	Size string `json:"size"`
	URL  string `json:"url"`
}

type rawItem struct {
	ItemID      string          `json:"itemId"`
	Size        string          `json:"size"`
	SoldBy      string          `json:"soldBy"`
	Price       *rawPrice       `json:"price"`
	Inventory   *rawInventory   `json:"inventory"`
	Fulfillment *rawFulfillment `json:"fulfillment"`
}

type rawInventory struct {
	StockLevel string `json:"stockLevel"`
}

type rawFulfillment struct {
	Curbside   *bool `json:"curbside"`
	Delivery   *bool `json:"delivery"`
	InStore    *bool `json:"inStore"`
	ShipToHome *bool `json:"shipToHome"`
}

// rawPrice accepts both a bare number and a {regular, promo} object.
type rawPrice struct {
	Regular                *float64 `json:"regular"`
	Promo                  *float64 `json:"promo"`
	RegularPerUnitEstimate *float64 `json:"regularPerUnitEstimate"`
}

func (p *rawPrice) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] != '{' {
		var v float64
		if err := json.Unmarshal(b, &v); err != nil {
			return fmt.Errorf("price: %w", err)
		}
		p.Regular = &v
		return nil
	}
	type plain rawPrice
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("price: %w", err)
	}
	*p = rawPrice(v)
	return nil
}

// SearchClient runs one product search per (location, term) and upserts the
// normalized result into the cache.
type SearchClient struct {
	store EntryWriter
	opts  options
}

func NewSearchClient(store EntryWriter, opts ...Option) *SearchClient {
	return &SearchClient{store: store, opts: newOptions(opts)}
}

// SearchAndCache searches term at locationID and caches the result.
//
// It returns true when a non-empty result was written. Upstream failures,
// breaker rejections, budget denials and empty results return (false, nil).
// A failed store write is the only error.
func (c *SearchClient) SearchAndCache(ctx context.Context, tok Token, locationID, term string) (bool, error) {
	log := c.opts.logger.With(
		slog.String("location_id", locationID),
		slog.String("term", term),
	)

	// The budget is checked first so a denial never holds a half-open trial.
	if c.opts.limiter != nil {
		// The limiter fails open; its error is informational only.
		ok, _ := c.opts.limiter.Allow(ctx)
		if !ok {
			c.opts.metrics.RecordRateLimit("blocked")
			log.Warn("product_search_rate_limited")
			return false, nil
		}
		c.opts.metrics.RecordRateLimit("allowed")
	}
	if !c.opts.allow(EndpointProducts) {
		log.Warn("product_search_circuit_open")
		return false, nil
	}

	resp, err := c.search(ctx, tok, locationID, term)
	if err != nil {
		log.Warn("product_search_failed", slog.String("error", err.Error()))
		return false, nil
	}
	if len(resp.Data) == 0 {
		log.Info("product_search_empty")
		return false, nil
	}

	products := make([]cache.Product, len(resp.Data))
	for i, raw := range resp.Data {
		products[i] = normalizeProduct(raw)
	}
	total := resp.Meta.Pagination.Total
	if total <= 0 {
		total = len(products)
	}

	// Only the first product's category decides the entry lifetime.
	var category string
	if products[0].Category != nil {
		category = *products[0].Category
	}
	now := c.opts.now().UTC()

	entry := &cache.Entry{
		LocationID:     locationID,
		Term:           term,
		NormalizedTerm: cache.NormalizeTerm(term),
		Source:         cache.SourceProductSearch,
		Products:       products,
		Total:          total,
		CreatedAt:      now,
		UpdatedAt:      now,
		WarmedAt:       now,
		ExpiresAt:      now.Add(ttl.For(category)),
	}
	if err := c.store.UpsertEntry(ctx, entry); err != nil {
		c.opts.metrics.StoreWriteError("upsert_entry")
		return false, fmt.Errorf("upstream: cache %s: %w", entry.ID(), err)
	}
	c.opts.metrics.StoreWriteOK("upsert_entry")

	log.Debug("product_search_cached",
		slog.Int("products", len(products)),
		slog.Time("expires_at", entry.ExpiresAt),
	)
	return true, nil
}

func (c *SearchClient) search(ctx context.Context, tok Token, locationID, term string) (*searchResponse, error) {
	q := url.Values{}
	q.Set("filter.term", term)
	q.Set("filter.locationId", locationID)
	q.Set("filter.limit", strconv.Itoa(c.opts.resultLimit))
	q.Set("filter.fulfillment", fulfillmentInAisle)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.baseURL+productsPath+"?"+q.Encode(), nil)
	if err != nil {
		c.opts.release(EndpointProducts)
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")

	start := c.opts.now()
	resp, err := c.opts.client.Do(req)
	if err != nil {
		c.opts.record(ctx, EndpointProducts, "transport_error", c.opts.now().Sub(start), true)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.opts.record(ctx, EndpointProducts, "http_error", c.opts.now().Sub(start), countsAgainstBreaker(resp.StatusCode))
		return nil, readStatusError(EndpointProducts, resp)
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		c.opts.record(ctx, EndpointProducts, "decode_error", c.opts.now().Sub(start), true)
		return nil, fmt.Errorf("decode response: %w", err)
	}

	outcome := "ok"
	if len(sr.Data) == 0 {
		outcome = "empty"
	}
	c.opts.record(ctx, EndpointProducts, outcome, c.opts.now().Sub(start), false)
	return &sr, nil
}

func normalizeProduct(raw rawProduct) cache.Product {
	p := cache.Product{
		ProductID:   raw.ProductID,
		UPC:         raw.UPC,
		Brand:       nonEmpty(raw.Brand),
		Description: raw.Description,
		ImageURL:    selectImage(raw.Images),
		Currency:    "USD",
		InStock:     true,
	}
	if len(raw.Categories) > 0 {
		p.Category = nonEmpty(raw.Categories[0])
	}
	if len(raw.Categories) > 1 {
		p.Department = nonEmpty(raw.Categories[1])
	}
	if len(raw.AisleLocations) > 0 {
		a := raw.AisleLocations[0]
		p.Aisle = nonEmpty(a.Description)
		if p.Aisle == nil {
			p.Aisle = nonEmpty(a.Number)
		}
	}

	if len(raw.Items) == 0 {
		return p
	}
	item := raw.Items[0]
	p.Size = nonEmpty(item.Size)
	p.SoldBy = nonEmpty(item.SoldBy)

	if item.Price != nil {
		p.RegularPrice = positive(item.Price.Regular)
		p.PromoPrice = positive(item.Price.Promo)
		p.UnitPrice = positive(item.Price.RegularPerUnitEstimate)
	}
	switch strings.ToUpper(item.SoldBy) {
	case "WEIGHT":
		p.UnitOfMeasure = nonEmpty("lb")
	case "UNIT":
		p.UnitOfMeasure = nonEmpty("each")
	}

	if item.Inventory != nil {
		p.StockLevel = nonEmpty(item.Inventory.StockLevel)
		p.InStock = item.Inventory.StockLevel != stockOutOfStock
	}
	if f := item.Fulfillment; f != nil {
		p.Fulfillment = cache.Fulfillment{
			InStore:    f.InStore,
			Curbside:   f.Curbside,
			Delivery:   f.Delivery,
			ShipToHome: f.ShipToHome,
		}
	}
	return p
}

// selectImage picks the featured image (or the first one) and returns its
// URL in the most preferred size available, falling back to its first URL.
func selectImage(images []rawImage) *string {
	if len(images) == 0 {
		return nil
	}
	img := images[0]
	for _, candidate := range images {
		if candidate.Featured {
			img = candidate
			break
		}
	}

	for _, want := range imageSizePreference {
		for _, s := range img.Sizes {
			if s.Size == want && s.URL != "" {
				return nonEmpty(s.URL)
			}
		}
	}
	for _, s := range img.Sizes {
		if s.URL != "" {
			return nonEmpty(s.URL)
		}
	}
	return nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// positive drops zero prices, which the API uses for "no price".
func positive(v *float64) *float64 {
	if v == nil || *v <= 0 {
		return nil
	}
	out := *v
	return &out
}
