// Package store is the dedup/cache store: the durable record of every discovery attempt and of
// the single contact allowed per company.
package store

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/sysiphe/contactfinder/internal/discover"
)

// Status is derived from the stored attempts and contact.
type Status string

const (
	StatusPending    Status = "pending"
	StatusResolved   Status = "resolved"
	StatusUnresolved Status = "unresolved"
)

// Entry is the cached state of one company.
type Entry struct {
	CompanyID string
	Status    Status
	// Attempts are ordered by AttemptedAt.
	Attempts []discover.Attempt
	Contact  *discover.Contact
}

// FoundAttempt returns the first found attempt, if any.
func (e Entry) FoundAttempt() (discover.Attempt, bool) {
	for _, a := range e.Attempts {
		if a.Outcome == discover.OutcomeFound {
			return a, true
		}
	}
	return discover.Attempt{}, false
}

func deriveStatus(attempts []discover.Attempt, contact *discover.Contact) Status {
	switch {
	case contact != nil:
		return StatusResolved
	case len(attempts) > 0:
		return StatusUnresolved
	}
	return StatusPending
}

// Store persists attempts and contacts. Implementations are safe for concurrent use.
//
// Every backend failure is returned as *UnavailableError.
type Store interface {
	// Lookup returns the entry for id; ok is false when nothing was ever recorded.
	Lookup(ctx context.Context, id string) (entry Entry, ok bool, err error)
	// RecordAttempt appends an attempt. Re-recording the same (company, strategy, attempted_at)
	// is a no-op.
	RecordAttempt(ctx context.Context, id string, a discover.Attempt) error
	// RecordContact inserts the company's contact. *DuplicateContactError is returned when a
	// contact already exists.
	RecordContact(ctx context.Context, id string, c discover.Contact) error
	// Contacts streams all stored contacts ordered by discovery time.
	Contacts(ctx context.Context) iter.Seq2[discover.Contact, error]
	Ping(ctx context.Context) error
	Close() error
}

// DuplicateContactError reports a second contact for a company that already has one.
type DuplicateContactError struct {
	CompanyID string
	Existing  discover.Contact
	Rejected  discover.Contact
}

func (e *DuplicateContactError) Error() string {
	return fmt.Sprintf("duplicate contact for company %s: have %s (%s), rejected %s (%s)",
		e.CompanyID, e.Existing.Email, e.Existing.Strategy, e.Rejected.Email, e.Rejected.Strategy)
}

// UnavailableError wraps any backend failure. It is fatal for a pipeline run.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	if e == nil || e.Err == nil {
		return "store unavailable"
	}
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Op: op, Err: err}
}

// Timestamps are stored as fixed-width UTC text so lexical order is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
