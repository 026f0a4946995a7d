package warming

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/product-cache/internal/cache"
	"github.com/nulpointcorp/product-cache/internal/upstream"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeTokens struct {
	err   error
	calls int
}

func (f *fakeTokens) Token(context.Context) (upstream.Token, error) {
	f.calls++
	if f.err != nil {
		return upstream.Token{}, f.err
	}
	return upstream.Token{AccessToken: "tok", TokenType: "bearer"}, nil
}

type call struct {
	Location string
	Term     string
}

// fakeSearcher records calls and fails the configured terms softly.
type fakeSearcher struct {
	mu       sync.Mutex
	calls    []call
	soft     map[string]bool
	storeErr map[string]bool
	onCall   func(n int)
}

func (f *fakeSearcher) SearchAndCache(_ context.Context, tok upstream.Token, loc, term string) (bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{loc, term})
	n := len(f.calls)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(n)
	}
	if tok.AccessToken == "" {
		return false, fmt.Errorf("no token")
	}
	if f.storeErr[term] {
		return false, errors.New("store down")
	}
	return !f.soft[term], nil
}

func (f *fakeSearcher) locations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if len(out) == 0 || out[len(out)-1] != c.Location {
			out = append(out, c.Location)
		}
	}
	return out
}

func (f *fakeSearcher) terms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Term
	}
	return out
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func terms(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("term %d", i+1)
	}
	return out
}

func newTestScheduler(t *testing.T, store *cache.MemoryStore, tok TokenSource, srch Searcher, cfg Config) (*Scheduler, *sleepRecorder) {
	t.Helper()
	s := New(tok, srch, store, store, cfg)
	rec := &sleepRecorder{}
	s.now = func() time.Time { return testNow }
	s.sleep = rec.sleep
	return s, rec
}

func seedStats(t *testing.T, store *cache.MemoryStore, loc string, ago time.Duration) {
	t.Helper()
	err := store.UpsertStats(context.Background(), &cache.WarmingStats{
		LocationID:   loc,
		LastWarmedAt: testNow.Add(-ago),
		WarmType:     cache.WarmScheduled,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunScheduled_PriorityAndCooldown(t *testing.T) {
	store := cache.NewMemoryStore()
	store.SetAccountLocation("acct-a", "A", true)
	store.SetAccountLocation("acct-b", "B", true)
	store.SetAccountLocation("acct-c", "C", true)
	store.SetAccountLocation("acct-d", "D", false)
	seedStats(t, store, "B", 10*time.Hour)
	seedStats(t, store, "C", time.Hour)

	srch := &fakeSearcher{}
	s, _ := newTestScheduler(t, store, &fakeTokens{}, srch, Config{
		Cooldown:           6 * time.Hour,
		MaxLocationsPerRun: 2,
		Terms:              terms(3),
	})

	res, err := s.RunScheduled(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := srch.locations(); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("warmed %v, want [A B]", got)
	}
	if res.Candidates != 3 || res.Cooling != 1 {
		t.Errorf("candidates=%d cooling=%d, want 3 and 1", res.Candidates, res.Cooling)
	}
	if res.Cached != 6 || res.Errors != 0 {
		t.Errorf("cached=%d errors=%d, want 6 and 0", res.Cached, res.Errors)
	}

	for _, loc := range []string{"A", "B"} {
		st, err := store.Stats(context.Background(), loc)
		if err != nil {
			t.Fatal(err)
		}
		if !st.LastWarmedAt.Equal(testNow) || st.WarmType != cache.WarmScheduled || st.ItemsWarmed != 3 {
			t.Errorf("stats %s = %+v", loc, st)
		}
	}
	st, _ := store.Stats(context.Background(), "C")
	if !st.LastWarmedAt.Equal(testNow.Add(-time.Hour)) {
		t.Error("cooling location C must not be touched")
	}
}

func TestRunScheduled_OldestFirstWithinLimit(t *testing.T) {
	store := cache.NewMemoryStore()
	for i, ago := range []time.Duration{7 * time.Hour, 30 * time.Hour, 9 * time.Hour} {
		loc := fmt.Sprintf("L%d", i)
		store.SetAccountLocation("acct-"+loc, loc, true)
		seedStats(t, store, loc, ago)
	}

	srch := &fakeSearcher{}
	s, _ := newTestScheduler(t, store, &fakeTokens{}, srch, Config{MaxLocationsPerRun: 2, Terms: terms(1)})
	if _, err := s.RunScheduled(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := srch.locations(); !reflect.DeepEqual(got, []string{"L1", "L2"}) {
		t.Fatalf("warmed %v, want [L1 L2]", got)
	}
}

func TestRunScheduled_SoftFailuresContinue(t *testing.T) {
	store := cache.NewMemoryStore()
	store.SetAccountLocation("acct", "L1", true)

	catalog := terms(10)
	srch := &fakeSearcher{soft: map[string]bool{catalog[2]: true}}
	s, rec := newTestScheduler(t, store, &fakeTokens{}, srch, Config{Terms: catalog, Delay: time.Second})

	res, err := s.RunScheduled(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached != 9 || res.Errors != 1 {
		t.Fatalf("cached=%d errors=%d, want 9 and 1", res.Cached, res.Errors)
	}
	if len(srch.calls) != 10 {
		t.Fatalf("calls = %d, want 10", len(srch.calls))
	}
	if len(rec.delays) != 9 {
		t.Errorf("delays = %d, want 9 (none before the first call)", len(rec.delays))
	}
	st, err := store.Stats(context.Background(), "L1")
	if err != nil {
		t.Fatal(err)
	}
	if st.ItemsWarmed != 9 || st.Errors != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRunScheduled_TruncatesCatalogAfterExclusions(t *testing.T) {
	store := cache.NewMemoryStore()
	store.SetAccountLocation("acct", "L1", true)

	excl, err := cache.NewExclusionList([]string{"Term 1"}, []string{`^term_3$`})
	if err != nil {
		t.Fatal(err)
	}
	srch := &fakeSearcher{}
	s, _ := newTestScheduler(t, store, &fakeTokens{}, srch, Config{
		Terms:               terms(6),
		MaxItemsPerLocation: 3,
		Exclusions:          excl,
	})
	if _, err := s.RunScheduled(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"term 2", "term 4", "term 5"}
	if got := srch.terms(); !reflect.DeepEqual(got, want) {
		t.Fatalf("terms = %v, want %v", got, want)
	}
}

func TestRunScheduled_TokenFailureAborts(t *testing.T) {
	store := cache.NewMemoryStore()
	store.SetAccountLocation("acct", "L1", true)

	srch := &fakeSearcher{}
	s, _ := newTestScheduler(t, store, &fakeTokens{err: upstream.ErrMissingCredentials}, srch, Config{Terms: terms(3)})

	_, err := s.RunScheduled(context.Background())
	if !errors.Is(err, ErrToken) || !errors.Is(err, upstream.ErrMissingCredentials) {
		t.Fatalf("err = %v, want ErrToken wrapping ErrMissingCredentials", err)
	}
	if len(srch.calls) != 0 {
		t.Errorf("product calls = %d, want 0", len(srch.calls))
	}
	if _, err := store.Stats(context.Background(), "L1"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("stats must not be written, got %v", err)
	}
}

func TestRunScheduled_StoreErrorAborts(t *testing.T) {
	store := cache.NewMemoryStore()
	store.SetAccountLocation("acct-1", "L1", true)
	store.SetAccountLocation("acct-2", "L2", true)

	catalog := terms(4)
	srch := &fakeSearcher{storeErr: map[string]bool{catalog[1]: true}}
	s, _ := newTestScheduler(t, store, &fakeTokens{}, srch, Config{Terms: catalog})

	if _, err := s.RunScheduled(context.Background()); err == nil {
		t.Fatal("expected store error to abort the run")
	}
	if len(srch.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(srch.calls))
	}
	if _, err := store.Stats(context.Background(), "L1"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("aborted location must not get stats, got %v", err)
	}
}

func TestRunScheduled_CancelStopsBetweenCalls(t *testing.T) {
	store := cache.NewMemoryStore()
	store.SetAccountLocation("acct", "L1", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srch := &fakeSearcher{onCall: func(n int) {
		if n == 2 {
			cancel()
		}
	}}
	s, _ := newTestScheduler(t, store, &fakeTokens{}, srch, Config{Terms: terms(5)})

	_, err := s.RunScheduled(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(srch.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(srch.calls))
	}
}

func TestRunScheduled_StaticDirectoryFallback(t *testing.T) {
	store := cache.NewMemoryStore()
	srch := &fakeSearcher{}
	s := New(&fakeTokens{}, srch, store, FallbackDirectory{
		Primary:  store,
		Fallback: StaticDirectory{"S1", " ", "S1", "S2"},
	}, Config{Terms: terms(1)})
	s.now = func() time.Time { return testNow }
	s.sleep = (&sleepRecorder{}).sleep

	if _, err := s.RunScheduled(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := srch.locations(); !reflect.DeepEqual(got, []string{"S1", "S2"}) {
		t.Fatalf("warmed %v, want [S1 S2]", got)
	}
}

func TestRunOnDemand_CooldownSkipsWithoutCalls(t *testing.T) {
	store := cache.NewMemoryStore()
	seedStats(t, store, "L1", 2*time.Hour)

	tok := &fakeTokens{}
	srch := &fakeSearcher{}
	s, _ := newTestScheduler(t, store, tok, srch, Config{})

	res, err := s.RunOnDemand(context.Background(), "L1", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.Reason != ReasonCooldown || res.LocationID != "L1" {
		t.Fatalf("result = %+v", res)
	}
	if tok.calls != 0 || len(srch.calls) != 0 {
		t.Errorf("token calls=%d search calls=%d, want 0 and 0", tok.calls, len(srch.calls))
	}
}

func TestRunOnDemand_PhasesAndStats(t *testing.T) {
	store := cache.NewMemoryStore()
	seedStats(t, store, "L1", 8*time.Hour)

	srch := &fakeSearcher{soft: map[string]bool{"yogurt": true}}
	s, rec := newTestScheduler(t, store, &fakeTokens{}, srch, Config{
		Terms:          []string{"Milk", "apples", "eggs", "yogurt"},
		EssentialTerms: []string{"milk", "eggs"},
		Delay:          500 * time.Millisecond,
		EssentialDelay: 200 * time.Millisecond,
	})

	res, err := s.RunOnDemand(context.Background(), "L1", "user-42")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := srch.terms(), []string{"milk", "eggs", "apples", "yogurt"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("terms = %v, want %v", got, want)
	}
	wantDelays := []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond}
	if !reflect.DeepEqual(rec.delays, wantDelays) {
		t.Errorf("delays = %v, want %v", rec.delays, wantDelays)
	}
	if res.Skipped || res.Cached != 3 || res.Errors != 1 {
		t.Errorf("result = %+v", res)
	}

	st, err := store.Stats(context.Background(), "L1")
	if err != nil {
		t.Fatal(err)
	}
	if st.WarmType != cache.WarmOnDemand || st.WarmedBy != "user-42" || !st.LastWarmedAt.Equal(testNow) {
		t.Errorf("stats = %+v", st)
	}
}

func TestRunOnDemand_TokenFailure(t *testing.T) {
	store := cache.NewMemoryStore()
	srch := &fakeSearcher{}
	s, _ := newTestScheduler(t, store, &fakeTokens{err: errors.New("401")}, srch, Config{})

	_, err := s.RunOnDemand(context.Background(), "L1", "user-1")
	if !errors.Is(err, ErrToken) {
		t.Fatalf("err = %v, want ErrToken", err)
	}
	if len(srch.calls) != 0 {
		t.Error("no product calls expected")
	}
	if _, err := store.Stats(context.Background(), "L1"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("stats must not be written, got %v", err)
	}
}

func TestRunOnDemand_InvalidLocation(t *testing.T) {
	s, _ := newTestScheduler(t, cache.NewMemoryStore(), &fakeTokens{}, &fakeSearcher{}, Config{})
	for _, loc := range []string{"", "has space", "../../etc"} {
		if _, err := s.RunOnDemand(context.Background(), loc, "u"); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("%q: err = %v, want ErrInvalidLocation", loc, err)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{Cooldown: 3 * time.Hour}.withDefaults()
	if c.OnDemandCooldown != 3*time.Hour {
		t.Errorf("OnDemandCooldown = %v, want Cooldown", c.OnDemandCooldown)
	}
	if c.MaxLocationsPerRun != 10 || c.MaxItemsPerLocation != 25 || c.Delay != 500*time.Millisecond {
		t.Errorf("defaults = %+v", c)
	}
	if len(c.Terms) != len(PopularTerms) || len(c.EssentialTerms) != len(EssentialTerms) {
		t.Error("catalog defaults not applied")
	}
}

func TestEssentialTermsAreInCatalog(t *testing.T) {
	all := make(map[string]bool, len(PopularTerms))
	for _, p := range PopularTerms {
		all[cache.NormalizeTerm(p)] = true
	}
	for _, e := range EssentialTerms {
		if !all[cache.NormalizeTerm(e)] {
			t.Errorf("essential term %q missing from PopularTerms", e)
		}
	}
}

func TestRunScheduled_CapIsNotCountedAsCooling(t *testing.T) {
	store := cache.NewMemoryStore()
	for _, loc := range []string{"A", "B", "C", "D"} {
		store.SetAccountLocation("acct-"+loc, loc, true)
	}
	seedStats(t, store, "D", time.Hour)

	srch := &fakeSearcher{}
	s, _ := newTestScheduler(t, store, &fakeTokens{}, srch, Config{
		Cooldown:           6 * time.Hour,
		MaxLocationsPerRun: 1,
		Terms:              terms(1),
	})

	res, err := s.RunScheduled(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Candidates != 4 || res.Cooling != 1 || len(res.Locations) != 1 {
		t.Errorf("candidates=%d cooling=%d locations=%d, want 4, 1 and 1",
			res.Candidates, res.Cooling, len(res.Locations))
	}
}
