// Package discover runs contact-discovery strategies for scored candidates.
package discover

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sysiphe/contactfinder/internal/scoring"
)

// Name identifies a discovery strategy. The set is closed.
type Name string

const (
	NameScrape  Name = "scrape"
	NameSerpAPI Name = "serp_api"
)

// DefaultPriority is the strategy order used when none is configured.
var DefaultPriority = []Name{NameScrape, NameSerpAPI}

// ParseName validates a strategy name.
func ParseName(s string) (Name, error) {
	switch n := Name(strings.ToLower(strings.TrimSpace(s))); n {
	case NameScrape, NameSerpAPI:
		return n, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Outcome is the result class of one attempt.
type Outcome string

const (
	OutcomeFound    Outcome = "found"
	OutcomeNotFound Outcome = "not_found"
	OutcomeError    Outcome = "error"
)

// Terminal reports whether the outcome is final for its (company, strategy) pair.
// Error outcomes are recorded but may be retried on a later run.
func (o Outcome) Terminal() bool {
	return o == OutcomeFound || o == OutcomeNotFound
}

// Attempt is one recorded strategy invocation for a company.
type Attempt struct {
	Strategy    Name
	Outcome     Outcome
	Email       string
	SourceURL   string
	AttemptedAt time.Time
	// Retries counts the transient retries spent before the recorded outcome.
	Retries int
	// Detail is a short redacted reason, e.g. "no_domain_found".
	Detail string
}

// Contact is the canonical output record. At most one exists per company.
type Contact struct {
	CompanyID    string    `json:"company_id"`
	LegalName    string    `json:"legal_name"`
	Email        string    `json:"email"`
	Strategy     Name      `json:"discovery_strategy"`
	SourceURL    string    `json:"source_url,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Finding is what a strategy returns for an expected outcome (found or not_found).
type Finding struct {
	Outcome   Outcome
	Email     string
	SourceURL string
	Detail    string
}

// NotFound is a convenience constructor for a not_found finding.
func NotFound(detail string) Finding {
	return Finding{Outcome: OutcomeNotFound, Detail: detail}
}

// Strategy attempts to discover a contact email for one candidate.
//
// Expected outcomes are returned as a Finding. Returned errors are either transient
// (wrapped in *TransientError or a timeout) or fatal.
type Strategy interface {
	Name() Name
	Attempt(ctx context.Context, c scoring.Scored) (Finding, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc struct {
	N  Name
	Fn func(ctx context.Context, c scoring.Scored) (Finding, error)
}

func (f StrategyFunc) Name() Name { return f.N }

func (f StrategyFunc) Attempt(ctx context.Context, c scoring.Scored) (Finding, error) {
	return f.Fn(ctx, c)
}

// TransientError marks an error as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type attemptKey struct{}

// AttemptNumber reports which try of a strategy call ctx belongs to, starting at 1.
func AttemptNumber(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 1
}

func withAttemptNumber(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}

// LimitedTransientError is retryable, but only for a limited number of extra attempts.
type LimitedTransientError struct {
	Err          error
	ExtraRetries int
}

func (e *LimitedTransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *LimitedTransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *LimitedTransientError) MaxExtraRetries() int {
	if e == nil || e.ExtraRetries < 0 {
		return 0
	}
	return e.ExtraRetries
}

// FatalError marks an error that retrying cannot fix (bad credentials, malformed response).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	if e == nil || e.Err == nil {
		return "fatal error"
	}
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
