package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/logging"
	"github.com/sysiphe/contactfinder/internal/registry"
	"github.com/sysiphe/contactfinder/internal/scoring"
)

type flakyStrategy struct {
	calls atomic.Int64
}

func (s *flakyStrategy) Name() discover.Name { return discover.NameScrape }

func (s *flakyStrategy) Attempt(_ context.Context, c scoring.Scored) (discover.Finding, error) {
	if s.calls.Add(1) == 1 {
		return discover.Finding{}, &discover.TransientError{Err: errors.New("503 from " + c.CompanyID)}
	}
	return discover.NotFound("no_email_on_site"), nil
}

func TestTracedStrategy_AttemptNumbersFollowRetries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	traced := newTracedStrategy(&flakyStrategy{}, logging.NewWithWriter(&buf, "info", "json"), 2)
	ex, err := discover.NewExecutor([]discover.Strategy{traced}, nil, discover.Options{
		RetryCount:     2,
		BackoffBase:    time.Millisecond,
		BackoffMax:     time.Millisecond,
		DefaultTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, id := range []string{"1", "2"} {
		c := scoring.Scored{Record: registry.Record{CompanyID: id, LegalName: "Co " + id}, Passed: true}
		if _, err := ex.Discover(context.Background(), c, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	got := map[string][]int{}
	var willRetry []bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec struct {
			Msg       string `json:"msg"`
			CompanyID string `json:"company_id"`
			Attempt   int    `json:"attempt"`
			WillRetry *bool  `json:"will_retry"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("unexpected log line %q: %v", line, err)
		}
		if rec.Msg != "strategy response" {
			continue
		}
		got[rec.CompanyID] = append(got[rec.CompanyID], rec.Attempt)
		if rec.WillRetry != nil {
			willRetry = append(willRetry, *rec.WillRetry)
		}
	}
	if !slices.Equal(got["1"], []int{1, 2}) || !slices.Equal(got["2"], []int{1}) {
		t.Fatalf("unexpected attempt numbers: %#v", got)
	}
	if !slices.Equal(willRetry, []bool{true}) {
		t.Fatalf("unexpected will_retry values: %v", willRetry)
	}
}

func TestRetryBudget(t *testing.T) {
	t.Parallel()

	if got := retryBudget(3, errors.New("x")); got != 3 {
		t.Fatalf("unexpected budget: %d", got)
	}
	if got := retryBudget(3, &discover.LimitedTransientError{Err: errors.New("quota"), ExtraRetries: 1}); got != 1 {
		t.Fatalf("unexpected capped budget: %d", got)
	}
	if got := retryBudget(-1, errors.New("x")); got != 0 {
		t.Fatalf("unexpected budget: %d", got)
	}
}
