package httpx

import (
	"net/http"
	"strings"
	"testing"
)

func TestNewHTTPError(t *testing.T) {
	t.Run("json envelope", func(t *testing.T) {
		resp := &http.Response{StatusCode: 401, Status: "401 Unauthorized"}
		err := NewHTTPError("search", resp, []byte(`{"error":"Invalid API key. api_key=abc123"}`))
		if err.Retryable() {
			t.Fatalf("401 must not be retryable")
		}
		if strings.Contains(err.Error(), "abc123") {
			t.Fatalf("secret leaked: %s", err.Error())
		}
		if !strings.Contains(err.Error(), "op=search status=401 Unauthorized") {
			t.Fatalf("unexpected error string: %s", err.Error())
		}
	})

	t.Run("non json body is truncated", func(t *testing.T) {
		resp := &http.Response{StatusCode: 503, Status: "503 Service Unavailable"}
		body := []byte(strings.Repeat("x", 400))
		err := NewHTTPError("fetch", resp, body)
		if !err.Retryable() {
			t.Fatalf("503 must be retryable")
		}
		if !strings.HasSuffix(err.Snippet, "...") || len(err.Snippet) != 259 {
			t.Fatalf("unexpected snippet (%d): %q", len(err.Snippet), err.Snippet)
		}
	})
}

func TestIsRetryableStatus(t *testing.T) {
	for code, want := range map[int]bool{200: false, 404: false, 408: true, 429: true, 500: true, 502: true} {
		if got := IsRetryableStatus(code); got != want {
			t.Fatalf("IsRetryableStatus(%d)=%v want %v", code, got, want)
		}
	}
}
