// Package scrape discovers contact emails by resolving a company's website and reading a
// bounded set of its pages.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sysiphe/contactfinder/internal/discover/emails"
)

// ErrNoWebsite is returned by resolvers when no plausible website was found.
var ErrNoWebsite = errors.New("no website found")

// Query describes the company whose website is wanted.
type Query struct {
	LegalName  string
	Region     string
	PostalCode string
	CompanyID  string
	Country    string
}

// Variants returns the search phrasings to try, most specific first.
func (q Query) Variants() []string {
	name := strings.TrimSpace(q.LegalName)
	if name == "" {
		return nil
	}
	country := strings.TrimSpace(q.Country)
	var out []string
	add := func(parts ...string) {
		s := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
		for _, seen := range out {
			if seen == s {
				return
			}
		}
		out = append(out, s)
	}
	add(name, q.Region, country, "official website")
	add(name, country, "website")
	if id := strings.TrimSpace(q.CompanyID); id != "" {
		add(id, name, "website")
	}
	return out
}

// Resolver finds the official website of a company. It returns the site as an absolute URL.
type Resolver interface {
	Resolve(ctx context.Context, q Query) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, q Query) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, q Query) (string, error) {
	return f(ctx, q)
}

// Chain tries resolvers in order and returns the first website found.
//
// A resolver error does not stop the chain; if no resolver finds a site and at least one
// failed, the last failure is returned so that callers can retry.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, q Query) (string, error) {
	var lastErr error
	for _, r := range c {
		site, err := r.Resolve(ctx, q)
		if err == nil && site != "" {
			return site, nil
		}
		if err != nil && !errors.Is(err, ErrNoWebsite) {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", ErrNoWebsite
}

// Directories, social networks and search engines that show up in results but are never a
// company's own site.
var blockedHosts = []string{
	"google.", "duckduckgo.", "bing.", "facebook.", "linkedin.", "instagram.",
	"youtube.", "twitter.", "x.com", "yelp.", "yellowpages.", "hotfrog.", "truelocal.",
	"aussieweb.", "dnb.", "zoominfo.", "clutch.co", "abr.business.gov.au", "abn-lookup.",
	"opencorporates.", "wikipedia.",
}

// plausibleSite normalizes a result link to "scheme://host" or returns "" when the host is a
// directory or otherwise unusable. Links without a scheme become https.
func plausibleSite(link string) string {
	host := emails.Host(link)
	if host == "" || !strings.Contains(host, ".") || blocked(host) {
		return ""
	}
	scheme := "https"
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(link)), "http://") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

// blocked matches entries ending in "." against any host label and full domains against the
// host and its parents.
func blocked(host string) bool {
	labels := strings.Split(host, ".")
	for _, b := range blockedHosts {
		if label, ok := strings.CutSuffix(b, "."); ok {
			if slices.Contains(labels, label) {
				return true
			}
			continue
		}
		if host == b || strings.HasSuffix(host, "."+b) {
			return true
		}
	}
	return false
}
