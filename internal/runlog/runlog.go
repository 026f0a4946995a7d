// Package runlog implements a non-blocking, batched audit log of warming and
// sweep runs.
//
// Records are written to an internal buffered channel and flushed in batches
// by a background goroutine to a Sink, so recording never blocks a run. If
// the channel fills up, new records are dropped and counted.
package runlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/product-cache/internal/metrics"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	flushTimeout  = 10 * time.Second
)

// Kind identifies what produced a Record.
type Kind string

const (
	KindScheduledWarm Kind = "warm_scheduled"
	KindOnDemandWarm  Kind = "warm_on_demand"
	KindSweep         Kind = "sweep"
)

// Status is the outcome of a run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Record is one audited run. For scheduled warms there is one record per
// location; for sweeps, one per collection.
type Record struct {
	ID          uuid.UUID
	RunID       uuid.UUID
	Kind        Kind
	Status      Status
	LocationID  string
	Collection  string
	RequestedBy string
	Cached      uint32
	Errors      uint32
	Deleted     uint32
	Reason      string
	Error       string
	DurationMs  uint32
	CreatedAt   time.Time
}

// Sink persists flushed batches.
type Sink interface {
	Write(ctx context.Context, batch []Record) error
	Close() error
}

type Logger struct {
	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    Sink
	log     *slog.Logger
	metrics *metrics.Registry
}

func New(ctx context.Context, sink Sink, slogger *slog.Logger, met *metrics.Registry) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("runlog: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if sink == nil {
		sink = NewSlogSink(slogger)
	}

	l := &Logger{
		ch:      make(chan Record, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
		log:     slogger,
		metrics: met,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues rec. ID and CreatedAt are filled in when empty. Safe to call
// on a nil *Logger.
func (l *Logger) Log(rec Record) {
	if l == nil {
		return
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case l.ch <- rec:
	default:
		atomic.AddInt64(&l.dropped, 1)
		l.metrics.AddRunlogDropped(1)
	}
}

func (l *Logger) Dropped() int64 {
	return atomic.LoadInt64(&l.dropped)
}

// Close flushes pending records and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return l.sink.Close()
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// The base context may already be cancelled during shutdown; the
		// final flush still gets its own deadline.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), flushTimeout)
		defer cancel()
		if err := l.sink.Write(ctx, batch); err != nil {
			l.log.Error("runlog_flush_failed",
				slog.Int("records", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// SlogSink writes every record as one structured log line.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(l *slog.Logger) *SlogSink {
	return &SlogSink{log: l}
}

func (s *SlogSink) Write(ctx context.Context, batch []Record) error {
	for _, r := range batch {
		attrs := []slog.Attr{
			slog.String("id", r.ID.String()),
			slog.String("run_id", r.RunID.String()),
			slog.String("kind", string(r.Kind)),
			slog.String("status", string(r.Status)),
			slog.Uint64("duration_ms", uint64(r.DurationMs)),
			slog.Time("created_at", r.CreatedAt.UTC()),
		}
		if r.LocationID != "" {
			attrs = append(attrs, slog.String("location_id", r.LocationID))
		}
		if r.Collection != "" {
			attrs = append(attrs, slog.String("collection", r.Collection))
		}
		if r.RequestedBy != "" {
			attrs = append(attrs, slog.String("requested_by", r.RequestedBy))
		}
		if r.Kind == KindSweep {
			attrs = append(attrs, slog.Uint64("deleted", uint64(r.Deleted)))
		} else {
			attrs = append(attrs,
				slog.Uint64("cached", uint64(r.Cached)),
				slog.Uint64("errors", uint64(r.Errors)),
			)
		}
		if r.Reason != "" {
			attrs = append(attrs, slog.String("reason", r.Reason))
		}
		if r.Error != "" {
			attrs = append(attrs, slog.String("error", r.Error))
		}
		s.log.LogAttrs(ctx, slog.LevelInfo, "run", attrs...)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }

// DurationMs converts d to whole milliseconds, saturating at the uint32 range.
func DurationMs(d time.Duration) uint32 {
	ms := d.Milliseconds()
	switch {
	case ms < 0:
		return 0
	case ms > int64(^uint32(0)):
		return ^uint32(0)
	}
	return uint32(ms)
}
