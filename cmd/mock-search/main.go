package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sysiphe/contactfinder/internal/mocksearch"
)

func main() {
	addr := defaultString("MOCK_SEARCH_ADDR", ":8080")
	fixturesPath := defaultString("MOCK_SEARCH_FIXTURES", "/data/fixtures.json")
	apiKey := defaultString("MOCK_SEARCH_API_KEY", "")

	fs := flag.NewFlagSet("mock-search", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&fixturesPath, "fixtures", fixturesPath, "JSON fixtures with companies and site pages")
	fs.StringVar(&apiKey, "api-key", apiKey, "Require this SerpAPI key (also supports env: MOCK_SEARCH_API_KEY)")
	_ = fs.Parse(os.Args[1:])

	fixtures, err := mocksearch.LoadFixtures(fixturesPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "fixtures error: %v\n", err)
		os.Exit(2)
	}
	srv := mocksearch.New(fixtures)
	srv.RequireAPIKey(apiKey)

	_, _ = fmt.Fprintf(os.Stdout, "mock-search listening on %s (companies=%d sites=%d)\n", addr, len(fixtures.Companies), len(fixtures.Sites))
	hs := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	if err := hs.ListenAndServe(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
