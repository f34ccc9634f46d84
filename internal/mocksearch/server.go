// Package mocksearch serves a fixture-driven imitation of the web surfaces the pipeline talks
// to: the SerpAPI search endpoint, DuckDuckGo's HTML results page and company websites.
package mocksearch

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Call records a request made to the mock service.
type Call struct {
	Host  string
	Path  string
	Query string
}

// Result is one SerpAPI organic result.
type Result struct {
	Link    string `json:"link"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Company ties a legal name to the answers the mock gives about it.
type Company struct {
	Name string `json:"name"`
	// Site is returned as the first DuckDuckGo result when set.
	Site string `json:"site,omitempty"`
	// Results are returned by the SerpAPI endpoint.
	Results []Result `json:"results,omitempty"`
}

// Fixtures is the mock's data set. Sites maps a host to its pages by path.
type Fixtures struct {
	Companies []Company                    `json:"companies"`
	Sites     map[string]map[string]string `json:"sites"`
}

// LoadFixtures reads a JSON fixtures file.
func LoadFixtures(path string) (Fixtures, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Fixtures{}, err
	}
	var f Fixtures
	if err := json.Unmarshal(b, &f); err != nil {
		return Fixtures{}, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	return f, nil
}

type failure struct {
	status    int
	remaining int
}

// Server implements the mock surfaces.
type Server struct {
	fixtures Fixtures

	mu       sync.Mutex
	calls    []Call
	apiKey   string
	failures map[string]*failure
}

// New constructs a new mock server.
func New(f Fixtures) *Server {
	return &Server{fixtures: f, failures: make(map[string]*failure)}
}

// RequireAPIKey makes the SerpAPI endpoint reject requests whose api_key differs from key.
// An empty key disables the check.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = strings.TrimSpace(key)
}

// FailNext makes the next n requests to path answer with status.
func (s *Server) FailNext(path string, n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = &failure{status: status, remaining: n}
}

// Handler returns an http.Handler that serves the mock. Requests to /search.json and /html/
// are search calls; anything else is served from the site of the request's Host.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/search.json", s.handleSerp)
	mux.HandleFunc("/html/", s.handleDuckDuckGo)
	mux.HandleFunc("/", s.handleSite)
	return s.intercept(mux)
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := strings.ToLower(r.Host)
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
		s.mu.Lock()
		q := r.URL.Query()
		q.Del("api_key")
		s.calls = append(s.calls, Call{Host: host, Path: r.URL.Path, Query: q.Encode()})
		f := s.failures[r.URL.Path]
		var status int
		if f != nil && f.remaining > 0 {
			f.remaining--
			status = f.status
		}
		s.mu.Unlock()

		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) company(query string) (Company, bool) {
	q := strings.ToLower(query)
	for _, c := range s.fixtures.Companies {
		if name := strings.ToLower(strings.TrimSpace(c.Name)); name != "" && strings.Contains(q, name) {
			return c, true
		}
	}
	return Company{}, false
}

func (s *Server) handleSerp(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	expected := s.apiKey
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if expected != "" && q.Get("api_key") != expected {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Invalid API key. Your API key should be here: https://serpapi.com/manage-api-key"})
		return
	}
	if q.Get("engine") != "google" || strings.TrimSpace(q.Get("q")) == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Missing query `q` parameter."})
		return
	}

	c, ok := s.company(q.Get("q"))
	if !ok || len(c.Results) == 0 {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "Google hasn't returned any results for this query.",
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"organic_results": c.Results})
}

func (s *Server) handleDuckDuckGo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var b strings.Builder
	b.WriteString("<html><body><div class=\"results\">\n")
	if c, ok := s.company(r.URL.Query().Get("q")); ok && c.Site != "" {
		for _, link := range []string{"https://www.facebook.com/" + url.PathEscape(c.Name), c.Site} {
			fmt.Fprintf(&b, "<a class=\"result__a\" href=\"//duckduckgo.com/l/?uddg=%s&amp;rut=mock\">%s</a>\n",
				url.QueryEscape(link), html.EscapeString(c.Name))
		}
	}
	b.WriteString("</div></body></html>\n")
	_, _ = w.Write([]byte(b.String()))
}

func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(r.Host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	pages, ok := s.fixtures.Sites[strings.TrimPrefix(host, "www.")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	body, ok := pages[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.URL.Path == "/robots.txt" {
		w.Header().Set("Content-Type", "text/plain")
	} else {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	_, _ = w.Write([]byte(body))
}
