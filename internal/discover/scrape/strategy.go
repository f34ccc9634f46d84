package scrape

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/discover/emails"
	"github.com/sysiphe/contactfinder/internal/httpx"
	"github.com/sysiphe/contactfinder/internal/scoring"
)

// DefaultPages are the paths read on a resolved site, in order.
var DefaultPages = []string{"/", "/contact", "/contact-us", "/about", "/about-us"}

// Not-found details recorded on attempts.
const (
	DetailNoDomain = "no_domain_found"
	DetailNoEmail  = "no_email_on_site"
)

type Options struct {
	Pages    []string
	MaxPages int
	Country  string
}

// Strategy is the scrape discovery strategy.
type Strategy struct {
	resolver Resolver
	fetcher  *Fetcher
	opts     Options
}

var _ discover.Strategy = (*Strategy)(nil)

func New(resolver Resolver, fetcher *Fetcher, opts Options) *Strategy {
	if len(opts.Pages) == 0 {
		opts.Pages = DefaultPages
	}
	if opts.MaxPages > 0 && len(opts.Pages) > opts.MaxPages {
		opts.Pages = opts.Pages[:opts.MaxPages]
	}
	return &Strategy{resolver: resolver, fetcher: fetcher, opts: opts}
}

func (s *Strategy) Name() discover.Name { return discover.NameScrape }

func (s *Strategy) Attempt(ctx context.Context, c scoring.Scored) (discover.Finding, error) {
	site, err := s.resolver.Resolve(ctx, Query{
		LegalName:  c.LegalName,
		Region:     c.Region,
		PostalCode: c.PostalCode,
		CompanyID:  c.CompanyID,
		Country:    s.opts.Country,
	})
	if errors.Is(err, ErrNoWebsite) || (err == nil && site == "") {
		return discover.NotFound(DetailNoDomain), nil
	}
	if err != nil {
		return discover.Finding{}, classifyErr(err)
	}
	site = strings.TrimRight(site, "/")

	firstSeen := map[string]string{}
	var found []string
	var lastErr, budgetErr error
	for _, path := range s.opts.Pages {
		if err := ctx.Err(); err != nil {
			return discover.Finding{}, &discover.TransientError{Err: err}
		}
		page, err := s.fetcher.Fetch(ctx, site+path)
		if errors.Is(err, ErrHostBudget) {
			budgetErr = err
			continue
		}
		if errors.Is(err, ErrSkipped) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		for _, e := range PageEmails(page) {
			if !emails.SameDomain(e, site) {
				continue
			}
			if _, ok := firstSeen[e]; !ok {
				firstSeen[e] = page.URL
				found = append(found, e)
			}
		}
	}

	if best := emails.PickPreferred(found); best != "" {
		return discover.Finding{Outcome: discover.OutcomeFound, Email: best, SourceURL: firstSeen[best]}, nil
	}
	// An unread page may hold the address, so the pair stays open rather than settling as
	// not_found.
	if lastErr != nil {
		return discover.Finding{}, classifyErr(lastErr)
	}
	if budgetErr != nil {
		return discover.Finding{}, &discover.FatalError{Err: budgetErr}
	}
	return discover.NotFound(DetailNoEmail), nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var te *discover.TransientError
	var le *discover.LimitedTransientError
	var fe *discover.FatalError
	if errors.As(err, &te) || errors.As(err, &le) || errors.As(err, &fe) {
		return err
	}
	var he *httpx.HTTPError
	if errors.As(err, &he) {
		if he.Retryable() {
			return &discover.TransientError{Err: err}
		}
		return &discover.FatalError{Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &discover.TransientError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &discover.TransientError{Err: err}
	}
	return err
}
