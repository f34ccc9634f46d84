package metrics_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/logging"
	"github.com/sysiphe/contactfinder/internal/metrics"
	"github.com/sysiphe/contactfinder/internal/pipeline"
)

func TestMetrics_Observers(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.ObserveRows(10, map[string]int{"missing_region": 2, "malformed_row": 1})
	m.ObserveCandidate(pipeline.StateResolved)
	m.ObserveCandidate(pipeline.StateResolved)
	m.ObserveCandidate(pipeline.StateRejected)
	m.ObserveAttempt(discover.Attempt{Strategy: discover.NameScrape, Outcome: discover.OutcomeNotFound}, 2*time.Second)
	m.ObserveAttempt(discover.Attempt{Strategy: discover.NameSerpAPI, Outcome: discover.OutcomeFound}, time.Second)
	m.ObserveBudgetExhausted(discover.NameSerpAPI)
	m.ObserveEmitted()

	if got := testutil.ToFloat64(m.RowsTotal); got != 10 {
		t.Fatalf("rows=%v", got)
	}
	if got := testutil.ToFloat64(m.RowsSkipped.WithLabelValues("missing_region")); got != 2 {
		t.Fatalf("skipped missing_region=%v", got)
	}
	if got := testutil.ToFloat64(m.Candidates.WithLabelValues("resolved")); got != 2 {
		t.Fatalf("resolved=%v", got)
	}
	if got := testutil.ToFloat64(m.Attempts.WithLabelValues("serp_api", "found")); got != 1 {
		t.Fatalf("serp_api found=%v", got)
	}
	if got := testutil.ToFloat64(m.BudgetExhausted.WithLabelValues("serp_api")); got != 1 {
		t.Fatalf("budget exhausted=%v", got)
	}
	if got := testutil.ToFloat64(m.Emitted); got != 1 {
		t.Fatalf("emitted=%v", got)
	}
	if got := testutil.CollectAndCount(m.CallDuration); got != 2 {
		t.Fatalf("expected a histogram per strategy, got %d", got)
	}

	want := `
# HELP contactfinder_candidates_total Candidates processed, by final state.
# TYPE contactfinder_candidates_total counter
contactfinder_candidates_total{state="rejected"} 1
contactfinder_candidates_total{state="resolved"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "contactfinder_candidates_total"); err != nil {
		t.Fatalf("unexpected exposition: %v", err)
	}
}

func TestNew_DuplicateRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := metrics.New(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := metrics.New(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestServe(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.ObserveEmitted()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := metrics.Serve(ctx, "127.0.0.1:0", reg, logging.Discard())
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "contactfinder_contacts_emitted_total 1") {
		t.Fatalf("unexpected body:\n%s", body)
	}
}
