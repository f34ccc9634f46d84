package mocksearch_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/discover/scrape"
	"github.com/sysiphe/contactfinder/internal/discover/serpapi"
	"github.com/sysiphe/contactfinder/internal/mocksearch"
	"github.com/sysiphe/contactfinder/internal/ratelimit"
	"github.com/sysiphe/contactfinder/internal/registry"
	"github.com/sysiphe/contactfinder/internal/scoring"
)

var fixtures = mocksearch.Fixtures{
	Companies: []mocksearch.Company{
		{Name: "Alpha Pty Ltd", Site: "http://www.alpha.com.au/"},
		{Name: "Beta Pty Ltd", Results: []mocksearch.Result{
			{Link: "http://beta.com.au/contact", Title: "Beta", Snippet: "Email hello@beta.com.au"},
		}},
	},
	Sites: map[string]map[string]string{
		"alpha.com.au": {
			"/robots.txt": "User-agent: *\nDisallow: /about\n",
			"/":           "<p>Welcome to Alpha</p>",
			"/contact":    `<a href="mailto:sales@alpha.com.au">Sales</a>`,
			"/about":      "<p>ceo@alpha.com.au</p>",
		},
	},
}

func candidate(name string) scoring.Scored {
	return scoring.Scored{Record: registry.Record{CompanyID: "1", LegalName: name, EntityType: "Company", Region: "NSW"}, Passed: true}
}

func start(t *testing.T) (*mocksearch.Server, *httptest.Server, *http.Client) {
	t.Helper()
	srv := mocksearch.New(fixtures)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	addr := ts.Listener.Addr().String()
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, addr)
		},
	}}
	return srv, ts, client
}

func TestMockSearch_ScrapeAgainstFixtures(t *testing.T) {
	t.Parallel()

	srv, ts, client := start(t)
	resolver := &scrape.DuckDuckGo{Client: client, Endpoint: ts.URL + "/html/"}
	fetcher := scrape.NewFetcher(scrape.FetcherOptions{Client: client, RespectRobots: true})
	s := scrape.New(resolver, fetcher, scrape.Options{Country: "Australia"})

	f, err := s.Attempt(context.Background(), candidate("Alpha Pty Ltd"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Outcome != discover.OutcomeFound || f.Email != "sales@alpha.com.au" {
		t.Fatalf("unexpected finding: %#v", f)
	}
	for _, c := range srv.Calls() {
		if c.Path == "/about" {
			t.Fatalf("robots.txt disallowed page was fetched")
		}
	}
}

func TestMockSearch_SerpAPIKeyAndRetry(t *testing.T) {
	t.Parallel()

	srv, ts, client := start(t)
	srv.RequireAPIKey("good")

	bad := &serpapi.Client{HTTP: client, Endpoint: ts.URL + "/search.json", APIKey: "wrong"}
	if _, err := bad.Search(context.Background(), "Beta Pty Ltd"); err == nil || discover.IsTransient(err) {
		t.Fatalf("expected fatal auth error, got %v", err)
	}

	srv.FailNext("/search.json", 1, http.StatusTooManyRequests)
	c := &serpapi.Client{HTTP: client, Endpoint: ts.URL + "/search.json", APIKey: "good"}
	exec, err := discover.NewExecutor(
		[]discover.Strategy{serpapi.New(c, nil, serpapi.Options{})},
		map[discover.Name]*ratelimit.Limiter{discover.NameSerpAPI: ratelimit.New(ratelimit.Options{Budget: 5})},
		discover.Options{RetryCount: 2, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond},
	)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	d, err := exec.Discover(context.Background(), candidate("Beta Pty Ltd"), nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if d.Contact == nil || d.Contact.Email != "hello@beta.com.au" || d.Attempts[0].Retries != 1 {
		t.Fatalf("unexpected discovery: %#v", d)
	}

	for _, call := range srv.Calls() {
		if strings.Contains(call.Query, "good") || strings.Contains(call.Query, "wrong") {
			t.Fatalf("recorded call keeps the api key: %#v", call)
		}
	}
}

func TestMockSearch_UnknownCompany(t *testing.T) {
	t.Parallel()

	_, ts, client := start(t)
	c := &serpapi.Client{HTTP: client, Endpoint: ts.URL + "/search.json", APIKey: "k"}
	res, err := c.Search(context.Background(), `"Nobody Pty Ltd" contact email`)
	if err != nil || len(res) != 0 {
		t.Fatalf("unexpected: %#v %v", res, err)
	}

	d := &scrape.DuckDuckGo{Client: client, Endpoint: ts.URL + "/html/"}
	if _, err := d.Resolve(context.Background(), scrape.Query{LegalName: "Nobody Pty Ltd"}); err != scrape.ErrNoWebsite {
		t.Fatalf("expected ErrNoWebsite, got %v", err)
	}
}

func TestLoadFixtures(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fixtures.json")
	body := `{"companies":[{"name":"Alpha Pty Ltd","site":"http://alpha.com.au"}],"sites":{"alpha.com.au":{"/":"hi"}}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := mocksearch.LoadFixtures(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(f.Companies) != 1 || f.Sites["alpha.com.au"]["/"] != "hi" {
		t.Fatalf("unexpected fixtures: %#v", f)
	}
}
