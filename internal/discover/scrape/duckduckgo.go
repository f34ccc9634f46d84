package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/sysiphe/contactfinder/internal/httpx"
)

// DefaultDuckDuckGoEndpoint is the JavaScript-free results page.
const DefaultDuckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo resolves websites from the DuckDuckGo HTML results page.
type DuckDuckGo struct {
	Client    *http.Client
	Endpoint  string
	UserAgent string
}

func (d *DuckDuckGo) Resolve(ctx context.Context, q Query) (string, error) {
	for _, v := range q.Variants() {
		site, err := d.search(ctx, v)
		if err != nil {
			return "", err
		}
		if site != "" {
			return site, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	return "", ErrNoWebsite
}

func (d *DuckDuckGo) search(ctx context.Context, query string) (string, error) {
	endpoint := d.Endpoint
	if endpoint == "" {
		endpoint = DefaultDuckDuckGoEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("duckduckgo: parse endpoint: %w", err)
	}
	v := u.Query()
	v.Set("q", query)
	u.RawQuery = v.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("duckduckgo: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", httpx.NewHTTPError("duckduckgo search", resp, body)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("duckduckgo: parse results: %w", err)
	}
	var site string
	doc.Find("a.result__a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		site = plausibleSite(resultTarget(href))
		return site == ""
	})
	return site, nil
}

// resultTarget unwraps DuckDuckGo redirect links ("//duckduckgo.com/l/?uddg=<url>").
func resultTarget(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return href
}
