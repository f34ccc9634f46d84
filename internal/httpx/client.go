package httpx

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// ClientOptions configures NewClient.
type ClientOptions struct {
	// Timeout bounds a single request including the body read. Zero means 30s.
	Timeout time.Duration
	// CAPath optionally points at a PEM bundle used as the TLS trust store.
	CAPath string
	// MaxRedirects caps redirect chains. Zero means 5.
	MaxRedirects int
}

// NewClient builds an *http.Client with a cloned default transport.
func NewClient(opts ClientOptions) (*http.Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 4
	if strings.TrimSpace(opts.CAPath) != "" {
		b, err := os.ReadFile(strings.TrimSpace(opts.CAPath))
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(b); !ok {
			return nil, fmt.Errorf("parse CA bundle PEM: no certs found")
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	maxRedirects := opts.MaxRedirects
	return &http.Client{
		Transport: tr,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (max %d)", maxRedirects)
			}
			return nil
		},
	}, nil
}
