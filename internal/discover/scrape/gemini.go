package scrape

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/sysiphe/contactfinder/internal/discover"
)

type GeminiConfig struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string
}

// Gemini resolves websites with a search-grounded Gemini model.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("gemini model is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Gemini{client: client, model: strings.TrimSpace(cfg.Model)}, nil
}

type websiteAnswer struct {
	Website    string `json:"website"`
	Confidence string `json:"confidence"`
}

var websiteSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"website":    {Type: genai.TypeString},
		"confidence": {Type: genai.TypeString},
	},
	Required: []string{"website", "confidence"},
}

func (g *Gemini) Resolve(ctx context.Context, q Query) (string, error) {
	if strings.TrimSpace(q.LegalName) == "" {
		return "", ErrNoWebsite
	}
	resp, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		genai.Text(buildPrompt(q)),
		&genai.GenerateContentConfig{
			Tools: []*genai.Tool{
				{GoogleSearch: &genai.GoogleSearch{}},
			},
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   websiteSchema,
		},
	)
	if err != nil {
		return "", classifyGeminiErr(err)
	}
	return parseWebsiteAnswer(resp.Text())
}

func parseWebsiteAnswer(text string) (string, error) {
	var parsed websiteAnswer
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
		return "", &discover.FatalError{Err: fmt.Errorf("gemini: parse structured json: %w", err)}
	}
	if strings.EqualFold(strings.TrimSpace(parsed.Confidence), "low") {
		return "", ErrNoWebsite
	}
	site := plausibleSite(parsed.Website)
	if site == "" {
		return "", ErrNoWebsite
	}
	return site, nil
}

func buildPrompt(q Query) string {
	var where []string
	for _, s := range []string{q.Region, q.PostalCode, q.Country} {
		if s = strings.TrimSpace(s); s != "" {
			where = append(where, s)
		}
	}
	return strings.TrimSpace(`
You find the official website of a registered business. Use web search.

Return ONLY a single JSON object with these keys:
- website (string; the company's own homepage URL, not a directory, marketplace or social profile)
- confidence (string; one of: low, medium, high)

Rules:
- If you cannot find the company's own website, set website to an empty string.
- Do not include extra keys.

Legal name: ` + strings.TrimSpace(q.LegalName) + `
Registration number: ` + strings.TrimSpace(q.CompanyID) + `
Location: ` + strings.Join(where, ", ") + `
`)
}

// geminiQuotaRetries caps extra tries after a 429 from Gemini.
const geminiQuotaRetries = 1

func classifyGeminiErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 {
			return &discover.LimitedTransientError{Err: err, ExtraRetries: geminiQuotaRetries}
		}
		if apiErr.Code/100 == 5 {
			return &discover.TransientError{Err: err}
		}
		return &discover.FatalError{Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &discover.TransientError{Err: err}
	}
	return err
}
