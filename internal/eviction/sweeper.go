// Package eviction deletes stale cache documents in bounded pages.
package eviction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/product-cache/internal/cache"
	"github.com/nulpointcorp/product-cache/internal/metrics"
	"github.com/nulpointcorp/product-cache/internal/runlog"
)

const (
	DefaultBatchSize = 500
	DefaultRetention = 30 * 24 * time.Hour
)

// Store is the subset of cache.Store the sweeper needs.
type Store interface {
	FindStale(ctx context.Context, q cache.StaleQuery) ([]string, error)
	DeleteBatch(ctx context.Context, collection cache.Collection, ids []string) error
}

// SweepResult reports one sweep of one collection.
type SweepResult struct {
	Deleted int
	Batches int
}

type Option func(*Sweeper)

// WithBatchSize sets the page size. Values below 1 keep the default.
func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithRetention sets how long image documents are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func WithRunLog(l *runlog.Logger) Option {
	return func(s *Sweeper) { s.runlog = l }
}

// Sweeper removes expired product-search entries and aged-out images.
type Sweeper struct {
	store     Store
	batchSize int
	retention time.Duration

	logger  *slog.Logger
	metrics *metrics.Registry
	runlog  *runlog.Logger
	now     func() time.Time
}

func New(store Store, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		batchSize: DefaultBatchSize,
		retention: DefaultRetention,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep deletes every document of collection whose staleness timestamp is
// before cutoff, one page of at most BatchSize ids at a time. It stops at
// the first empty or short page. Documents deleted before an error stay
// deleted; the result counts them.
func (s *Sweeper) Sweep(ctx context.Context, collection cache.Collection, before time.Time) (SweepResult, error) {
	var res SweepResult
	q := cache.StaleQuery{Collection: collection, Before: before, Limit: s.batchSize}
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ids, err := s.store.FindStale(ctx, q)
		if err != nil {
			return res, fmt.Errorf("eviction: find stale %s: %w", collection, err)
		}
		if len(ids) == 0 {
			return res, nil
		}
		if err := s.store.DeleteBatch(ctx, collection, ids); err != nil {
			s.metrics.StoreWriteError("delete_batch")
			return res, fmt.Errorf("eviction: delete %s batch %d: %w", collection, res.Batches+1, err)
		}
		s.metrics.StoreWriteOK("delete_batch")
		res.Batches++
		res.Deleted += len(ids)
		if len(ids) < s.batchSize {
			return res, nil
		}
	}
}

// SweepProducts deletes product-search entries whose expiresAt has passed.
func (s *Sweeper) SweepProducts(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx, uuid.New(), cache.Products, s.now())
}

// SweepImages deletes image documents older than the retention window.
func (s *Sweeper) SweepImages(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx, uuid.New(), cache.Images, s.now().Add(-s.retention))
}

// SweepAll sweeps both collections and returns the deleted counts keyed by
// collection name. The image sweep runs even when the product sweep fails;
// the first error is returned.
func (s *Sweeper) SweepAll(ctx context.Context) (map[string]int, error) {
	runID := uuid.New()
	now := s.now()
	out := make(map[string]int, 2)

	products, perr := s.sweep(ctx, runID, cache.Products, now)
	out[string(cache.Products)] = products.Deleted

	images, ierr := s.sweep(ctx, runID, cache.Images, now.Add(-s.retention))
	out[string(cache.Images)] = images.Deleted

	if perr != nil {
		return out, perr
	}
	return out, ierr
}

func (s *Sweeper) sweep(ctx context.Context, runID uuid.UUID, collection cache.Collection, before time.Time) (SweepResult, error) {
	start := s.now()
	res, err := s.Sweep(ctx, collection, before)
	dur := s.now().Sub(start)

	s.metrics.ObserveSweep(string(collection), res.Deleted, res.Batches, dur, err)
	rec := runlog.Record{
		RunID:      runID,
		Kind:       runlog.KindSweep,
		Status:     runlog.StatusOK,
		Collection: string(collection),
		Deleted:    uint32(res.Deleted),
		DurationMs: runlog.DurationMs(dur),
	}

	log := s.logger.With(
		slog.String("run_id", runID.String()),
		slog.String("collection", string(collection)),
	)
	if err != nil {
		rec.Status = runlog.StatusError
		rec.Error = err.Error()
		s.runlog.Log(rec)
		log.Error("sweep_failed",
			slog.Int("deleted", res.Deleted),
			slog.Int("batches", res.Batches),
			slog.String("error", err.Error()),
		)
		return res, err
	}
	s.runlog.Log(rec)
	log.Info("sweep_done",
		slog.Time("cutoff", before),
		slog.Int("deleted", res.Deleted),
		slog.Int("batches", res.Batches),
		slog.Duration("duration", dur),
	)
	return res, nil
}
