package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sysiphe/contactfinder/internal/util"
)

// errorEnvelope is the JSON error shape returned by SerpAPI ({"error": "..."}).
// Other upstreams may include additional fields; we intentionally ignore them.
type errorEnvelope struct {
	Error string `json:"error"`
}

// HTTPError is a sanitized summary of a non-2xx upstream response.
//
// Important: do not include raw response bodies here (can leak API keys echoed back).
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	Message    string

	// Snippet is a redacted, truncated hint for non-JSON responses.
	Snippet string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "http error"
	}
	parts := []string{
		fmt.Sprintf("upstream error: op=%s status=%s", strings.TrimSpace(e.Op), strings.TrimSpace(e.Status)),
	}
	if strings.TrimSpace(e.Message) != "" {
		parts = append(parts, "message="+strings.TrimSpace(e.Message))
	}
	if strings.TrimSpace(e.Snippet) != "" {
		parts = append(parts, "body="+strings.TrimSpace(e.Snippet))
	}
	return strings.Join(parts, " ")
}

// Retryable reports whether the status is worth retrying: throttling or a server-side failure.
func (e *HTTPError) Retryable() bool {
	if e == nil {
		return false
	}
	return IsRetryableStatus(e.StatusCode)
}

// IsRetryableStatus reports 408, 429 and 5xx.
func IsRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code/100 == 5
}

// NewHTTPError builds a sanitized error from a response and its (already read) body.
func NewHTTPError(op string, resp *http.Response, body []byte) *HTTPError {
	h := &HTTPError{
		Op: op,
	}
	if resp != nil {
		h.StatusCode = resp.StatusCode
		h.Status = resp.Status
	}

	// Best effort: parse the JSON error envelope.
	var env errorEnvelope
	if len(body) > 0 && json.Unmarshal(body, &env) == nil && strings.TrimSpace(env.Error) != "" {
		h.Message = util.RedactSecrets(truncate(env.Error, 256))
		return h
	}

	// Fallback: include a small, redacted hint only.
	h.Snippet = redactAndTruncate(body)
	return h
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func redactAndTruncate(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	// Keep this small: response bodies can contain sensitive data.
	const max = 256
	b := body
	if len(b) > max {
		b = b[:max]
	}
	s := util.RedactSecrets(string(b))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(body) > max {
		return s + "..."
	}
	return s
}
