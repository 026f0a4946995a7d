// Package warming decides which store locations get their product-search
// cache refreshed, in what order, and drives the upstream search client for
// each (location, term) pair.
//
// Every upstream call of a run is strictly sequential and paced by a fixed
// delay. A failing term is counted and skipped. Only a token failure or a
// store write failure aborts a run.
package warming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/product-cache/internal/cache"
	"github.com/nulpointcorp/product-cache/internal/metrics"
	"github.com/nulpointcorp/product-cache/internal/runlog"
	"github.com/nulpointcorp/product-cache/internal/upstream"
)

const (
	DefaultCooldown            = 6 * time.Hour
	DefaultMaxLocationsPerRun  = 10
	DefaultMaxItemsPerLocation = 25
	DefaultScanLimit           = 1000
	DefaultDelay               = 500 * time.Millisecond
	DefaultEssentialDelay      = 200 * time.Millisecond

	// ReasonCooldown is reported when an on-demand warm is skipped because
	// the location was warmed recently.
	ReasonCooldown = "cooldown"
)

var (
	// ErrToken wraps a failed token exchange. The run made no product calls
	// and wrote no stats.
	ErrToken = errors.New("warming: token exchange failed")
	// ErrInvalidLocation is returned for an empty or malformed location id.
	ErrInvalidLocation = errors.New("warming: invalid location id")
)

var locationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// ValidLocationID reports whether id looks like an upstream store location.
func ValidLocationID(id string) bool {
	return locationIDPattern.MatchString(id)
}

// TokenSource issues one upstream bearer token per run.
type TokenSource interface {
	Token(ctx context.Context) (upstream.Token, error)
}

// Searcher fetches one term for one location and writes it to the cache.
// It reports soft failures as (false, nil); an error means the store write
// failed.
type Searcher interface {
	SearchAndCache(ctx context.Context, tok upstream.Token, locationID, term string) (bool, error)
}

// StatsStore reads and merges per-location warming stats.
type StatsStore interface {
	Stats(ctx context.Context, locationID string) (*cache.WarmingStats, error)
	UpsertStats(ctx context.Context, s *cache.WarmingStats) error
}

// Directory lists the store locations selected by active accounts.
type Directory interface {
	ActiveLocations(ctx context.Context, limit int) ([]string, error)
}

// Config tunes a Scheduler. Zero values take the package defaults.
type Config struct {
	Cooldown            time.Duration
	OnDemandCooldown    time.Duration // defaults to Cooldown
	MaxLocationsPerRun  int
	MaxItemsPerLocation int
	ScanLimit           int
	Delay               time.Duration
	EssentialDelay      time.Duration

	Terms          []string // defaults to PopularTerms
	EssentialTerms []string // defaults to EssentialTerms
	Exclusions     *cache.ExclusionList
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.OnDemandCooldown <= 0 {
		c.OnDemandCooldown = c.Cooldown
	}
	if c.MaxLocationsPerRun <= 0 {
		c.MaxLocationsPerRun = DefaultMaxLocationsPerRun
	}
	if c.MaxItemsPerLocation <= 0 {
		c.MaxItemsPerLocation = DefaultMaxItemsPerLocation
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = DefaultScanLimit
	}
	if c.Delay < 0 {
		c.Delay = 0
	} else if c.Delay == 0 {
		c.Delay = DefaultDelay
	}
	if c.EssentialDelay < 0 {
		c.EssentialDelay = 0
	} else if c.EssentialDelay == 0 {
		c.EssentialDelay = DefaultEssentialDelay
	}
	if c.Terms == nil {
		c.Terms = PopularTerms
	}
	if c.EssentialTerms == nil {
		c.EssentialTerms = EssentialTerms
	}
	return c
}

// LocationResult is the outcome of warming one location.
type LocationResult struct {
	LocationID string
	Cached     int
	Errors     int
}

// RunResult summarizes a scheduled run.
type RunResult struct {
	RunID      uuid.UUID
	Candidates int // active locations returned by the directory
	Cooling    int // candidates dropped by the cooldown
	Locations  []LocationResult
	Cached     int
	Errors     int
}

// OnDemandResult is the outcome of a user-triggered warm.
type OnDemandResult struct {
	RunID      uuid.UUID
	LocationID string
	Skipped    bool
	Reason     string
	Cached     int
	Errors     int
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithRunLog(l *runlog.Logger) Option {
	return func(s *Scheduler) { s.runlog = l }
}

// Scheduler runs scheduled and on-demand warms.
type Scheduler struct {
	tokens TokenSource
	search Searcher
	stats  StatsStore
	dir    Directory
	cfg    Config

	logger  *slog.Logger
	metrics *metrics.Registry
	runlog  *runlog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(tokens TokenSource, search Searcher, stats StatsStore, dir Directory, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		tokens: tokens,
		search: search,
		stats:  stats,
		dir:    dir,
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunScheduled warms the least recently warmed active locations that are
// out of cooldown, at most MaxLocationsPerRun of them, each with the first
// MaxItemsPerLocation catalog terms.
func (s *Scheduler) RunScheduled(ctx context.Context) (RunResult, error) {
	res := RunResult{RunID: uuid.New()}
	start := s.now()
	log := s.logger.With(slog.String("run_id", res.RunID.String()), slog.String("warm_type", string(cache.WarmScheduled)))

	tok, err := s.tokens.Token(ctx)
	if err != nil {
		log.Error("warm_token_failed", slog.String("error", err.Error()))
		s.finishRun(cache.WarmScheduled, start, err)
		return res, fmt.Errorf("%w: %w", ErrToken, err)
	}

	candidates, err := s.dir.ActiveLocations(ctx, s.cfg.ScanLimit)
	if err != nil {
		s.finishRun(cache.WarmScheduled, start, err)
		return res, fmt.Errorf("warming: active locations: %w", err)
	}
	res.Candidates = len(candidates)

	due, cooling, err := s.dueLocations(ctx, candidates)
	if err != nil {
		s.finishRun(cache.WarmScheduled, start, err)
		return res, err
	}
	res.Cooling = cooling

	terms := s.cfg.Exclusions.Filter(s.cfg.Terms)
	if len(terms) > s.cfg.MaxItemsPerLocation {
		terms = terms[:s.cfg.MaxItemsPerLocation]
	}

	log.Info("warm_run_started",
		slog.Int("candidates", res.Candidates),
		slog.Int("cooling", res.Cooling),
		slog.Int("locations", len(due)),
		slog.Int("terms", len(terms)),
	)

	p := &pacer{sleep: s.sleep}
	for _, loc := range due {
		locStart := s.now()
		cached, errs, err := s.warmTerms(ctx, p, tok, loc, terms, s.cfg.Delay)
		if err != nil {
			s.runlog.Log(runlog.Record{
				RunID:      res.RunID,
				Kind:       runlog.KindScheduledWarm,
				Status:     runlog.StatusError,
				LocationID: loc,
				Cached:     uint32(cached),
				Errors:     uint32(errs),
				Error:      err.Error(),
				DurationMs: runlog.DurationMs(s.now().Sub(locStart)),
			})
			s.finishRun(cache.WarmScheduled, start, err)
			return res, err
		}

		if err := s.writeStats(ctx, loc, cached, errs, cache.WarmScheduled, ""); err != nil {
			s.finishRun(cache.WarmScheduled, start, err)
			return res, err
		}

		res.Locations = append(res.Locations, LocationResult{LocationID: loc, Cached: cached, Errors: errs})
		res.Cached += cached
		res.Errors += errs
		s.metrics.AddWarmedLocation(string(cache.WarmScheduled), cached, errs)
		s.runlog.Log(runlog.Record{
			RunID:      res.RunID,
			Kind:       runlog.KindScheduledWarm,
			Status:     runlog.StatusOK,
			LocationID: loc,
			Cached:     uint32(cached),
			Errors:     uint32(errs),
			DurationMs: runlog.DurationMs(s.now().Sub(locStart)),
		})
		log.Info("location_warmed",
			slog.String("location_id", loc),
			slog.Int("cached", cached),
			slog.Int("errors", errs),
			slog.Duration("duration", s.now().Sub(locStart)),
		)
	}

	s.finishRun(cache.WarmScheduled, start, nil)
	log.Info("warm_run_done",
		slog.Int("locations", len(res.Locations)),
		slog.Int("cached", res.Cached),
		slog.Int("errors", res.Errors),
		slog.Duration("duration", s.now().Sub(start)),
	)
	return res, nil
}

// RunOnDemand warms one location for requesterID: the essential terms first
// with the short delay, then the rest of the catalog. A location warmed
// within the on-demand cooldown is skipped without any upstream call.
func (s *Scheduler) RunOnDemand(ctx context.Context, locationID, requesterID string) (OnDemandResult, error) {
	res := OnDemandResult{RunID: uuid.New(), LocationID: locationID}
	if !ValidLocationID(locationID) {
		return res, ErrInvalidLocation
	}
	start := s.now()
	log := s.logger.With(
		slog.String("run_id", res.RunID.String()),
		slog.String("warm_type", string(cache.WarmOnDemand)),
		slog.String("location_id", locationID),
	)

	last, err := s.lastWarmed(ctx, locationID)
	if err != nil {
		s.finishRun(cache.WarmOnDemand, start, err)
		return res, err
	}
	if s.cooling(last, s.cfg.OnDemandCooldown) {
		res.Skipped = true
		res.Reason = ReasonCooldown
		s.metrics.ObserveWarmRun(string(cache.WarmOnDemand), "skipped", s.now().Sub(start))
		s.runlog.Log(runlog.Record{
			RunID:       res.RunID,
			Kind:        runlog.KindOnDemandWarm,
			Status:      runlog.StatusSkipped,
			LocationID:  locationID,
			RequestedBy: requesterID,
			Reason:      ReasonCooldown,
		})
		log.Info("warm_skipped",
			slog.String("reason", ReasonCooldown),
			slog.Time("last_warmed_at", last),
		)
		return res, nil
	}

	tok, err := s.tokens.Token(ctx)
	if err != nil {
		log.Error("warm_token_failed", slog.String("error", err.Error()))
		s.logOnDemandError(res, requesterID, start, err)
		return res, fmt.Errorf("%w: %w", ErrToken, err)
	}

	essentials := s.cfg.Exclusions.Filter(s.cfg.EssentialTerms)
	seen := make(map[string]struct{}, len(essentials))
	for _, t := range essentials {
		seen[cache.NormalizeTerm(t)] = struct{}{}
	}
	var rest []string
	for _, t := range s.cfg.Exclusions.Filter(s.cfg.Terms) {
		if _, ok := seen[cache.NormalizeTerm(t)]; !ok {
			rest = append(rest, t)
		}
	}

	p := &pacer{sleep: s.sleep}
	cached, errs, err := s.warmTerms(ctx, p, tok, locationID, essentials, s.cfg.EssentialDelay)
	res.Cached, res.Errors = cached, errs
	if err != nil {
		s.logOnDemandError(res, requesterID, start, err)
		return res, err
	}
	log.Info("essentials_warmed", slog.Int("cached", cached), slog.Int("errors", errs))

	cached, errs, err = s.warmTerms(ctx, p, tok, locationID, rest, s.cfg.Delay)
	res.Cached += cached
	res.Errors += errs
	if err != nil {
		s.logOnDemandError(res, requesterID, start, err)
		return res, err
	}

	if err := s.writeStats(ctx, locationID, res.Cached, res.Errors, cache.WarmOnDemand, requesterID); err != nil {
		s.logOnDemandError(res, requesterID, start, err)
		return res, err
	}

	s.metrics.AddWarmedLocation(string(cache.WarmOnDemand), res.Cached, res.Errors)
	s.finishRun(cache.WarmOnDemand, start, nil)
	s.runlog.Log(runlog.Record{
		RunID:       res.RunID,
		Kind:        runlog.KindOnDemandWarm,
		Status:      runlog.StatusOK,
		LocationID:  locationID,
		RequestedBy: requesterID,
		Cached:      uint32(res.Cached),
		Errors:      uint32(res.Errors),
		DurationMs:  runlog.DurationMs(s.now().Sub(start)),
	})
	log.Info("warm_on_demand_done",
		slog.Int("cached", res.Cached),
		slog.Int("errors", res.Errors),
		slog.Duration("duration", s.now().Sub(start)),
	)
	return res, nil
}

// dueLocations drops candidates inside the cooldown and orders the rest by
// lastWarmedAt ascending, never-warmed first, capped at MaxLocationsPerRun.
// cooling counts only the candidates dropped by the cooldown.
func (s *Scheduler) dueLocations(ctx context.Context, candidates []string) (out []string, cooling int, err error) {
	type due struct {
		id   string
		last time.Time
	}
	list := make([]due, 0, len(candidates))
	for _, id := range candidates {
		last, err := s.lastWarmed(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		if s.cooling(last, s.cfg.Cooldown) {
			cooling++
			continue
		}
		list = append(list, due{id: id, last: last})
	}

	// Zero time sorts before any real timestamp.
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].last.Before(list[j].last)
	})

	if len(list) > s.cfg.MaxLocationsPerRun {
		list = list[:s.cfg.MaxLocationsPerRun]
	}
	out = make([]string, len(list))
	for i, d := range list {
		out[i] = d.id
	}
	return out, cooling, nil
}

// lastWarmed returns the zero time for a location that was never warmed.
func (s *Scheduler) lastWarmed(ctx context.Context, locationID string) (time.Time, error) {
	st, err := s.stats.Stats(ctx, locationID)
	if errors.Is(err, cache.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("warming: stats %s: %w", locationID, err)
	}
	return st.LastWarmedAt, nil
}

func (s *Scheduler) cooling(last time.Time, cooldown time.Duration) bool {
	return !last.IsZero() && s.now().Sub(last) < cooldown
}

// warmTerms searches every term for locationID in order. It stops early only
// on a store error or cancellation; the counts cover the calls made so far.
func (s *Scheduler) warmTerms(ctx context.Context, p *pacer, tok upstream.Token, locationID string, terms []string, delay time.Duration) (cached, errs int, err error) {
	for _, term := range terms {
		if err := p.wait(ctx, delay); err != nil {
			return cached, errs, err
		}
		ok, err := s.search.SearchAndCache(ctx, tok, locationID, term)
		if err != nil {
			return cached, errs, fmt.Errorf("warming: %s %q: %w", locationID, term, err)
		}
		// A call cut short by cancellation is not counted as an upstream
		// failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return cached, errs, ctxErr
		}
		if ok {
			cached++
		} else {
			errs++
		}
	}
	return cached, errs, nil
}

func (s *Scheduler) writeStats(ctx context.Context, locationID string, cached, errs int, wt cache.WarmType, requester string) error {
	st := &cache.WarmingStats{
		LocationID:   locationID,
		LastWarmedAt: s.now().UTC(),
		ItemsWarmed:  cached,
		Errors:       errs,
		WarmType:     wt,
		WarmedBy:     requester,
	}
	if err := s.stats.UpsertStats(ctx, st); err != nil {
		s.metrics.StoreWriteError("upsert_stats")
		return fmt.Errorf("warming: upsert stats %s: %w", locationID, err)
	}
	s.metrics.StoreWriteOK("upsert_stats")
	return nil
}

func (s *Scheduler) finishRun(wt cache.WarmType, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ObserveWarmRun(string(wt), result, s.now().Sub(start))
}

func (s *Scheduler) logOnDemandError(res OnDemandResult, requesterID string, start time.Time, err error) {
	s.finishRun(cache.WarmOnDemand, start, err)
	s.runlog.Log(runlog.Record{
		RunID:       res.RunID,
		Kind:        runlog.KindOnDemandWarm,
		Status:      runlog.StatusError,
		LocationID:  res.LocationID,
		RequestedBy: requesterID,
		Cached:      uint32(res.Cached),
		Errors:      uint32(res.Errors),
		Error:       err.Error(),
		DurationMs:  runlog.DurationMs(s.now().Sub(start)),
	})
}

// pacer spaces upstream calls. The first call of a run goes out immediately;
// every later call waits the delay of the phase it belongs to.
type pacer struct {
	sleep   func(ctx context.Context, d time.Duration) error
	started bool
}

func (p *pacer) wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.started {
		p.started = true
		return nil
	}
	return p.sleep(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StaticDirectory is a fixed list of locations, used when no account
// directory is available.
type StaticDirectory []string

func (d StaticDirectory) ActiveLocations(_ context.Context, limit int) ([]string, error) {
	out := make([]string, 0, len(d))
	seen := make(map[string]struct{}, len(d))
	for _, id := range d {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// FallbackDirectory asks Primary first and uses Fallback when Primary has
// no active locations.
type FallbackDirectory struct {
	Primary  Directory
	Fallback Directory
}

func (d FallbackDirectory) ActiveLocations(ctx context.Context, limit int) ([]string, error) {
	locs, err := d.Primary.ActiveLocations(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(locs) > 0 || d.Fallback == nil {
		return locs, nil
	}
	return d.Fallback.ActiveLocations(ctx, limit)
}
