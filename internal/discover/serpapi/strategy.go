package serpapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/discover/emails"
	"github.com/sysiphe/contactfinder/internal/discover/scrape"
	"github.com/sysiphe/contactfinder/internal/scoring"
)

// Searcher is the part of Client the strategy needs.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Not-found details recorded on attempts.
const (
	DetailNoResults = "no_search_results"
	DetailNoEmail   = "no_email_in_results"
)

// DefaultMinConfidence sits above the best rank a free-provider address on a foreign
// result host can reach (30) and at the floor of a company address listed on a
// directory page (40).
const DefaultMinConfidence = 40

type Options struct {
	// FetchLinks is the number of top result pages read when snippets carry no address.
	FetchLinks int
	// MinConfidence drops candidates ranked below it (0 keeps every candidate; see DefaultMinConfidence).
	MinConfidence int
}

// Strategy is the serp_api discovery strategy.
type Strategy struct {
	search  Searcher
	fetcher *scrape.Fetcher
	opts    Options
}

var _ discover.Strategy = (*Strategy)(nil)

// New builds the strategy. fetcher may be nil when FetchLinks is 0.
func New(search Searcher, fetcher *scrape.Fetcher, opts Options) *Strategy {
	if fetcher == nil {
		opts.FetchLinks = 0
	}
	return &Strategy{search: search, fetcher: fetcher, opts: opts}
}

func (s *Strategy) Name() discover.Name { return discover.NameSerpAPI }

// BuildQuery returns the search phrasing for a candidate.
func BuildQuery(c scoring.Scored) string {
	name := strings.TrimSpace(c.LegalName)
	parts := []string{`"` + name + `"`}
	for _, p := range []string{c.Region, c.PostalCode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(append(parts, "contact", "email"), " ")
}

type pick struct {
	email  string
	source string
	score  int
	reason string
}

func (p *pick) offer(email, source, expected string) {
	score, reason := emails.Rank(email, expected)
	if p.email == "" || score > p.score {
		*p = pick{email: email, source: source, score: score, reason: reason}
	}
}

func (s *Strategy) Attempt(ctx context.Context, c scoring.Scored) (discover.Finding, error) {
	results, err := s.search.Search(ctx, BuildQuery(c))
	if err != nil {
		return discover.Finding{}, err
	}
	if len(results) == 0 {
		return discover.NotFound(DetailNoResults), nil
	}

	var best pick
	for _, r := range results {
		for _, e := range emails.Extract(r.Title + " " + r.Snippet) {
			best.offer(e, r.Link, r.Link)
		}
	}

	if best.email == "" && s.opts.FetchLinks > 0 {
		n := 0
		for _, r := range results {
			if n >= s.opts.FetchLinks {
				break
			}
			if strings.TrimSpace(r.Link) == "" {
				continue
			}
			n++
			page, err := s.fetcher.Fetch(ctx, r.Link)
			if err != nil {
				if ctx.Err() != nil {
					return discover.Finding{}, &discover.TransientError{Err: ctx.Err()}
				}
				// Result pages are best effort; a broken link is not a failed attempt.
				continue
			}
			for _, e := range scrape.PageEmails(page) {
				best.offer(e, page.URL, r.Link)
			}
		}
	}

	if best.email == "" || best.score < s.opts.MinConfidence {
		return discover.NotFound(DetailNoEmail), nil
	}
	return discover.Finding{
		Outcome:   discover.OutcomeFound,
		Email:     best.email,
		SourceURL: best.source,
		Detail:    fmt.Sprintf("confidence=%d reason=%s", best.score, best.reason),
	}, nil
}

