// Package serpapi discovers contact emails through the SerpAPI Google search endpoint.
package serpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/httpx"
	"github.com/sysiphe/contactfinder/internal/util"
)

const DefaultEndpoint = "https://serpapi.com/search.json"

// Result is one organic search result.
type Result struct {
	Link    string `json:"link"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

type searchResponse struct {
	OrganicResults []Result `json:"organic_results"`
	Error          string   `json:"error"`
}

// Client calls the SerpAPI search endpoint.
type Client struct {
	HTTP     *http.Client
	Endpoint string
	APIKey   string
	// Num is the number of results requested (default 5).
	Num int
}

// Search runs query and returns its organic results in rank order.
//
// Throttling, server errors and network timeouts are returned as *discover.TransientError;
// other failures as *discover.FatalError. No returned error carries the API key.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return nil, &discover.FatalError{Err: errors.New("SERPAPI_API_KEY is required")}
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &discover.FatalError{Err: fmt.Errorf("serpapi: parse endpoint: %w", err)}
	}
	num := c.Num
	if num <= 0 {
		num = 5
	}
	v := u.Query()
	v.Set("engine", "google")
	v.Set("q", query)
	v.Set("num", strconv.Itoa(num))
	v.Set("api_key", c.APIKey)
	u.RawQuery = v.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &discover.FatalError{Err: fmt.Errorf("serpapi: build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if resp.StatusCode/100 != 2 {
		herr := httpx.NewHTTPError("serpapi search", resp, body)
		if herr.Retryable() {
			return nil, &discover.TransientError{Err: herr}
		}
		return nil, &discover.FatalError{Err: herr}
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &discover.FatalError{Err: fmt.Errorf("serpapi: decode response: %w", err)}
	}
	// SerpAPI reports "no results" as a 200 with an error message.
	if msg := strings.TrimSpace(out.Error); msg != "" && len(out.OrganicResults) == 0 {
		if strings.Contains(strings.ToLower(msg), "hasn't returned any results") {
			return nil, nil
		}
		return nil, &discover.FatalError{Err: fmt.Errorf("serpapi: %s", util.RedactSecrets(msg))}
	}
	if len(out.OrganicResults) > num {
		out.OrganicResults = out.OrganicResults[:num]
	}
	return out.OrganicResults, nil
}

// classifyTransportErr drops the request URL (it carries api_key) from *url.Error.
func classifyTransportErr(err error) error {
	cause := err
	var ue *url.Error
	if errors.As(err, &ue) {
		cause = fmt.Errorf("serpapi: %s: %w", ue.Op, ue.Err)
	}
	if errors.Is(err, context.Canceled) {
		return cause
	}
	var ne net.Error
	if discover.IsTransient(err) || errors.As(err, &ne) {
		return &discover.TransientError{Err: cause}
	}
	return &discover.FatalError{Err: cause}
}
