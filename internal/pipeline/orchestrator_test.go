package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/pipeline"
	"github.com/sysiphe/contactfinder/internal/registry"
	"github.com/sysiphe/contactfinder/internal/scoring"
	"github.com/sysiphe/contactfinder/internal/store"
)

var scoringCfg = scoring.Config{
	Threshold: 1.5,
	Rules: []scoring.Rule{
		{Kind: scoring.KindEntityTypeWhitelist, Weight: 1, Values: []string{"Company"}},
		{Kind: scoring.KindRegionWhitelist, Weight: 1, Values: []string{"NSW"}},
	},
}

var example = registry.Record{CompanyID: "51824753556", LegalName: "Example Pty Ltd", EntityType: "Company", Region: "NSW"}

type strategies struct {
	scrape, serp atomic.Int64
	scrapeFn     func(c scoring.Scored) (discover.Finding, error)
	serpFn       func(c scoring.Scored) (discover.Finding, error)
}

func (s *strategies) executor(t *testing.T) *discover.Executor {
	t.Helper()
	ex, err := discover.NewExecutor([]discover.Strategy{
		discover.StrategyFunc{N: discover.NameScrape, Fn: func(_ context.Context, c scoring.Scored) (discover.Finding, error) {
			s.scrape.Add(1)
			return s.scrapeFn(c)
		}},
		discover.StrategyFunc{N: discover.NameSerpAPI, Fn: func(_ context.Context, c scoring.Scored) (discover.Finding, error) {
			s.serp.Add(1)
			return s.serpFn(c)
		}},
	}, nil, discover.Options{BackoffBase: time.Millisecond, BackoffMax: time.Millisecond})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return ex
}

func (s *strategies) calls() int64 { return s.scrape.Load() + s.serp.Load() }

func foundOnContactPage(c scoring.Scored) (discover.Finding, error) {
	return discover.Finding{Outcome: discover.OutcomeFound, Email: "contact@example.com.au", SourceURL: "https://example.com.au/contact"}, nil
}

func nothing(scoring.Scored) (discover.Finding, error) {
	return discover.NotFound("no_email_on_site"), nil
}

type collectSink struct {
	got []discover.Contact
	err error
}

func (c *collectSink) Emit(_ context.Context, ct discover.Contact) error {
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, ct)
	return nil
}

func (c *collectSink) Close() error { return nil }

func newPipeline(t *testing.T, st store.Store, s *strategies, out *collectSink) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(st, s.executor(t), out, pipeline.Options{
		Scoring: scoringCfg,
		Workers: 4,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func TestRun_ScrapeFindsContactWithoutSearchFallback(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	s := &strategies{scrapeFn: foundOnContactPage, serpFn: foundOnContactPage}
	out := &collectSink{}

	stats, err := newPipeline(t, st, s, out).Run(context.Background(), slices.Values([]registry.Record{example}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ByState[pipeline.StateResolved] != 1 || stats.Emitted != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
	if s.serp.Load() != 0 {
		t.Fatalf("serp_api must not run after scrape found a contact")
	}
	if len(out.got) != 1 || out.got[0].Email != "contact@example.com.au" || out.got[0].Strategy != discover.NameScrape {
		t.Fatalf("unexpected emitted contacts: %#v", out.got)
	}

	e, _, err := st.Lookup(context.Background(), example.CompanyID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(e.Attempts) != 1 || e.Attempts[0].Strategy != discover.NameScrape || e.Attempts[0].Outcome != discover.OutcomeFound {
		t.Fatalf("unexpected attempts: %#v", e.Attempts)
	}
}

func TestRun_RerunMakesNoCallsAndEmitsNothing(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	s := &strategies{scrapeFn: nothing, serpFn: foundOnContactPage}
	out := &collectSink{}
	p := newPipeline(t, st, s, out)

	if _, err := p.Run(context.Background(), slices.Values([]registry.Record{example})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := s.calls()
	if first != 2 || len(out.got) != 1 || out.got[0].Strategy != discover.NameSerpAPI {
		t.Fatalf("unexpected first run: calls=%d contacts=%#v", first, out.got)
	}

	stats, err := p.Run(context.Background(), slices.Values([]registry.Record{example}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.calls() != first {
		t.Fatalf("re-run must not call strategies, calls=%d", s.calls())
	}
	if stats.ByState[pipeline.StateCacheHit] != 1 || stats.Emitted != 0 || len(out.got) != 1 {
		t.Fatalf("unexpected re-run: stats=%#v contacts=%d", stats, len(out.got))
	}
}

func TestRun_UnresolvedIsNotRetriedOnRerun(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	s := &strategies{scrapeFn: nothing, serpFn: nothing}
	p := newPipeline(t, st, s, &collectSink{})

	stats, err := p.Run(context.Background(), slices.Values([]registry.Record{example}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ByState[pipeline.StateUnresolved] != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}

	stats, err = p.Run(context.Background(), slices.Values([]registry.Record{example}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.calls() != 2 || stats.ByState[pipeline.StateCacheHit] != 1 {
		t.Fatalf("unexpected re-run: calls=%d stats=%#v", s.calls(), stats)
	}
}

func TestRun_RejectedCandidatesCreateNoAttempts(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	s := &strategies{scrapeFn: foundOnContactPage, serpFn: foundOnContactPage}
	vic := registry.Record{CompanyID: "2", LegalName: "Far Away Pty Ltd", EntityType: "Company", Region: "VIC"}

	stats, err := newPipeline(t, st, s, &collectSink{}).Run(context.Background(), slices.Values([]registry.Record{vic}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ByState[pipeline.StateRejected] != 1 || s.calls() != 0 {
		t.Fatalf("unexpected: stats=%#v calls=%d", stats, s.calls())
	}
	if _, ok, _ := st.Lookup(context.Background(), "2"); ok {
		t.Fatalf("rejected candidate must not reach the store")
	}
}

func TestRun_UnreachableStoreAbortsBeforeAnyCall(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	st.SetUnavailable(errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	s := &strategies{scrapeFn: foundOnContactPage, serpFn: foundOnContactPage}

	_, err := newPipeline(t, st, s, &collectSink{}).Run(context.Background(), slices.Values([]registry.Record{example}))
	var ue *store.UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if s.calls() != 0 {
		t.Fatalf("no strategy may be called, calls=%d", s.calls())
	}
}

func TestRun_StoreLostMidRunAbortsAndStopsIngesting(t *testing.T) {
	t.Parallel()

	const total = 1000
	st := store.NewMemory()
	s := &strategies{serpFn: nothing}
	s.scrapeFn = func(scoring.Scored) (discover.Finding, error) {
		if s.scrape.Load() == 3 {
			st.SetUnavailable(errors.New("dial tcp 10.0.0.5:5432: connection reset"))
		}
		return discover.NotFound("no_email_on_site"), nil
	}

	var pulled atomic.Int64
	records := func(yield func(registry.Record) bool) {
		for i := range total {
			pulled.Add(1)
			rec := example
			rec.CompanyID = strconv.Itoa(i)
			if !yield(rec) {
				return
			}
		}
	}

	stats, err := newPipeline(t, st, s, &collectSink{}).Run(context.Background(), records)
	var ue *store.UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if pulled.Load() >= total || stats.Ingested >= total {
		t.Fatalf("ingestion must stop after the store is lost, pulled=%d ingested=%d", pulled.Load(), stats.Ingested)
	}
	if s.calls() >= total {
		t.Fatalf("discovery must stop after the store is lost, calls=%d", s.calls())
	}
}

func TestRun_RecoversFoundAttemptWithoutContact(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := st.RecordAttempt(context.Background(), example.CompanyID, discover.Attempt{
		Strategy: discover.NameSerpAPI, Outcome: discover.OutcomeFound, Email: "info@example.com.au", AttemptedAt: at,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := &strategies{scrapeFn: foundOnContactPage, serpFn: foundOnContactPage}
	out := &collectSink{}

	stats, err := newPipeline(t, st, s, out).Run(context.Background(), slices.Values([]registry.Record{example}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.calls() != 0 || stats.Emitted != 1 {
		t.Fatalf("unexpected: calls=%d stats=%#v", s.calls(), stats)
	}
	if out.got[0].Email != "info@example.com.au" || out.got[0].Strategy != discover.NameSerpAPI || !out.got[0].DiscoveredAt.Equal(at) {
		t.Fatalf("unexpected contact: %#v", out.got[0])
	}
}

func TestRun_DuplicateRowsInOneRunDiscoverOnce(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	s := &strategies{scrapeFn: foundOnContactPage, serpFn: foundOnContactPage}
	out := &collectSink{}
	rows := []registry.Record{example, example, example}

	stats, err := newPipeline(t, st, s, out).Run(context.Background(), slices.Values(rows))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.calls() != 1 || len(out.got) != 1 {
		t.Fatalf("expected a single discovery and emission, calls=%d emitted=%d", s.calls(), len(out.got))
	}
	if stats.ByState[pipeline.StateResolved] != 1 || stats.ByState[pipeline.StateCacheHit] != 2 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

// blindStore hides existing contacts from Lookup, as a concurrent writer in another process
// would.
type blindStore struct {
	store.Store
}

func (b blindStore) Lookup(ctx context.Context, id string) (store.Entry, bool, error) {
	e, ok, err := b.Store.Lookup(ctx, id)
	e.Contact = nil
	return e, ok, err
}

func TestRun_DuplicateContactIsSurfacedNotEmitted(t *testing.T) {
	t.Parallel()

	mem := store.NewMemory()
	if err := mem.RecordContact(context.Background(), example.CompanyID, discover.Contact{
		LegalName: example.LegalName, Email: "sales@example.com.au", Strategy: discover.NameSerpAPI, DiscoveredAt: time.Now(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := &strategies{scrapeFn: foundOnContactPage, serpFn: foundOnContactPage}
	out := &collectSink{}

	stats, err := newPipeline(t, blindStore{mem}, s, out).Run(context.Background(), slices.Values([]registry.Record{example}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.DuplicateContacts != 1 || stats.ByState[pipeline.StateFailed] != 1 || len(out.got) != 0 {
		t.Fatalf("unexpected: stats=%#v emitted=%d", stats, len(out.got))
	}
}

func TestRun_SinkFailureStopsRun(t *testing.T) {
	t.Parallel()

	s := &strategies{scrapeFn: foundOnContactPage, serpFn: foundOnContactPage}
	out := &collectSink{err: errors.New("broken pipe")}

	_, err := newPipeline(t, store.NewMemory(), s, out).Run(context.Background(), slices.Values([]registry.Record{example}))
	if err == nil {
		t.Fatalf("expected sink error")
	}
}

func TestRun_CancelledRunDispatchesNothing(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &strategies{scrapeFn: foundOnContactPage, serpFn: foundOnContactPage}

	_, err := newPipeline(t, store.NewMemory(), s, &collectSink{}).Run(ctx, slices.Values([]registry.Record{example}))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if s.calls() != 0 {
		t.Fatalf("no strategy may run after cancellation, calls=%d", s.calls())
	}
}

func TestNew_RejectsInvalidScoring(t *testing.T) {
	t.Parallel()

	s := &strategies{scrapeFn: nothing, serpFn: nothing}
	_, err := pipeline.New(store.NewMemory(), s.executor(t), nil, pipeline.Options{Scoring: scoring.Config{Threshold: 1}})
	var ce *scoring.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected scoring config error, got %v", err)
	}
}
