package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/sysiphe/contactfinder/internal/httpx"
)

// ErrSkipped wraps every reason a page was deliberately not read: robots.txt, per-host budget,
// unsupported content type or a non-retryable HTTP status.
var ErrSkipped = errors.New("page skipped")

// ErrHostBudget marks a page skipped because the per-host request budget is spent. It wraps
// ErrSkipped.
var ErrHostBudget = fmt.Errorf("%w: per-host request budget exhausted", ErrSkipped)

// RobotsAgent is the product token matched against robots.txt groups.
const RobotsAgent = "contactfinder"

type FetcherOptions struct {
	Client    *http.Client
	UserAgent string
	// Timeout bounds each request, robots.txt included.
	Timeout time.Duration
	// MaxBytes caps the body read per page.
	MaxBytes int64
	// PerHostBudget caps page requests per host for the lifetime of the Fetcher. <=0 means unlimited.
	PerHostBudget int
	RespectRobots bool
}

// Page is a fetched text document.
type Page struct {
	URL         string
	ContentType string
	Body        string
}

// IsHTML reports whether the page should be parsed as markup.
func (p Page) IsHTML() bool {
	return p.ContentType == "text/html" || p.ContentType == "application/xhtml+xml"
}

// Fetcher is a polite page fetcher shared by all workers of one run.
type Fetcher struct {
	opts FetcherOptions

	mu     sync.Mutex
	robots map[string]*robotsEntry
	used   map[string]int
}

type robotsEntry struct {
	mu     sync.Mutex
	loaded bool
	data   *robotstxt.RobotsData
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 2 << 20
	}
	return &Fetcher{
		opts:   opts,
		robots: map[string]*robotsEntry{},
		used:   map[string]int{},
	}
}

// Fetch GETs rawURL. Skipped pages return an error wrapping ErrSkipped; retryable HTTP statuses
// (on the page or its robots.txt) return *httpx.HTTPError; network failures are returned as-is.
// Requests that fail with a retryable status or a network error are not charged to the host
// budget.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Page{}, fmt.Errorf("%w: invalid url %q", ErrSkipped, rawURL)
	}
	host := strings.ToLower(u.Host)

	if f.opts.RespectRobots {
		ok, err := f.allowed(ctx, u)
		if err != nil {
			return Page{}, err
		}
		if !ok {
			return Page{}, fmt.Errorf("%w: %s disallowed by robots.txt", ErrSkipped, u.Path)
		}
	}
	if !f.charge(host) {
		return Page{}, fmt.Errorf("%w for %s", ErrHostBudget, host)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, err
	}
	f.setHeaders(req)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.1")

	resp, err := f.opts.Client.Do(req)
	if err != nil {
		f.refund(host)
		return Page{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		herr := httpx.NewHTTPError("fetch "+u.Path, resp, body)
		if herr.Retryable() {
			f.refund(host)
			return Page{}, herr
		}
		return Page{}, fmt.Errorf("%w: %v", ErrSkipped, herr)
	}

	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	ct = strings.ToLower(ct)
	switch ct {
	case "text/html", "application/xhtml+xml", "text/plain", "":
	default:
		return Page{}, fmt.Errorf("%w: content type %q", ErrSkipped, ct)
	}
	if ct == "" {
		ct = "text/html"
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes))
	if err != nil {
		return Page{}, err
	}
	final := u.String()
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return Page{URL: final, ContentType: ct, Body: string(b)}, nil
}

func (f *Fetcher) setHeaders(req *http.Request) {
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
}

func (f *Fetcher) charge(host string) bool {
	if f.opts.PerHostBudget <= 0 {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used[host] >= f.opts.PerHostBudget {
		return false
	}
	f.used[host]++
	return true
}

func (f *Fetcher) refund(host string) {
	if f.opts.PerHostBudget <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.used[host] > 0 {
		f.used[host]--
	}
}

// allowed consults robots.txt, fetched once per host per Fetcher. A robots.txt that cannot be
// read (network failure or retryable status) is not cached and fails the page with that error.
func (f *Fetcher) allowed(ctx context.Context, u *url.URL) (bool, error) {
	key := u.Scheme + "://" + strings.ToLower(u.Host)
	f.mu.Lock()
	e, ok := f.robots[key]
	if !ok {
		e = &robotsEntry{}
		f.robots[key] = e
	}
	f.mu.Unlock()

	e.mu.Lock()
	if !e.loaded {
		data, err := f.loadRobots(ctx, key)
		if err != nil {
			e.mu.Unlock()
			return false, err
		}
		e.data, e.loaded = data, true
	}
	data := e.data
	e.mu.Unlock()

	if data == nil {
		return true, nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, RobotsAgent), nil
}

func (f *Fetcher) loadRobots(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, nil
	}
	f.setHeaders(req)
	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil, fmt.Errorf("robots.txt: %w", err)
	}
	if httpx.IsRetryableStatus(resp.StatusCode) {
		return nil, httpx.NewHTTPError("fetch robots.txt", resp, body)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, nil
	}
	return data, nil
}
