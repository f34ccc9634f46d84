// Package sink delivers contacts to their consumers (files, message bus).
//
// Sinks are driven from a single goroutine and need not be safe for concurrent use.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/sysiphe/contactfinder/internal/discover"
)

type Sink interface {
	Emit(ctx context.Context, c discover.Contact) error
	Close() error
}

// Header is the stable column order shared by tabular sinks.
func Header() []string {
	return []string{
		"company_id",
		"legal_name",
		"email",
		"discovery_strategy",
		"source_url",
		"discovered_at",
	}
}

func row(c discover.Contact) []string {
	return []string{
		c.CompanyID,
		c.LegalName,
		c.Email,
		string(c.Strategy),
		c.SourceURL,
		c.DiscoveredAt.UTC().Format(time.RFC3339),
	}
}

// Discard drops every contact.
type Discard struct{}

func (Discard) Emit(context.Context, discover.Contact) error { return nil }
func (Discard) Close() error                                 { return nil }

// Multi fans each contact out to every sink in order. Emit stops at the first failure.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, c discover.Contact) error {
	for _, s := range m {
		if err := s.Emit(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
