package store

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/sysiphe/contactfinder/internal/discover"
)

type attemptKey struct {
	strategy discover.Name
	at       string
}

type memEntry struct {
	attempts []discover.Attempt
	keys     map[attemptKey]bool
	contact  *discover.Contact
}

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu          sync.Mutex
	entries     map[string]*memEntry
	unavailable error
	closed      bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{entries: map[string]*memEntry{}}
}

// SetUnavailable makes every subsequent call fail with err wrapped in *UnavailableError.
// Pass nil to restore the store.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = err
}

func (m *Memory) check(op string) error {
	if m.closed {
		return unavailable(op, errors.New("store closed"))
	}
	return unavailable(op, m.unavailable)
}

func (m *Memory) Lookup(_ context.Context, id string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("lookup"); err != nil {
		return Entry{}, false, err
	}
	e, ok := m.entries[id]
	if !ok {
		return Entry{CompanyID: id, Status: StatusPending}, false, nil
	}
	out := Entry{CompanyID: id, Attempts: slices.Clone(e.attempts)}
	if e.contact != nil {
		c := *e.contact
		out.Contact = &c
	}
	out.Status = deriveStatus(out.Attempts, out.Contact)
	return out, true, nil
}

func (m *Memory) entry(id string) *memEntry {
	e, ok := m.entries[id]
	if !ok {
		e = &memEntry{keys: map[attemptKey]bool{}}
		m.entries[id] = e
	}
	return e
}

func (m *Memory) RecordAttempt(_ context.Context, id string, a discover.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("record attempt"); err != nil {
		return err
	}
	e := m.entry(id)
	k := attemptKey{strategy: a.Strategy, at: formatTime(a.AttemptedAt)}
	if e.keys[k] {
		return nil
	}
	e.keys[k] = true
	e.attempts = append(e.attempts, a)
	slices.SortStableFunc(e.attempts, func(x, y discover.Attempt) int {
		return x.AttemptedAt.Compare(y.AttemptedAt)
	})
	return nil
}

func (m *Memory) RecordContact(_ context.Context, id string, c discover.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("record contact"); err != nil {
		return err
	}
	e := m.entry(id)
	if e.contact != nil {
		return &DuplicateContactError{CompanyID: id, Existing: *e.contact, Rejected: c}
	}
	c.CompanyID = id
	e.contact = &c
	return nil
}

func (m *Memory) Contacts(_ context.Context) iter.Seq2[discover.Contact, error] {
	return func(yield func(discover.Contact, error) bool) {
		m.mu.Lock()
		if err := m.check("list contacts"); err != nil {
			m.mu.Unlock()
			yield(discover.Contact{}, err)
			return
		}
		var out []discover.Contact
		for _, e := range m.entries {
			if e.contact != nil {
				out = append(out, *e.contact)
			}
		}
		m.mu.Unlock()

		slices.SortFunc(out, func(a, b discover.Contact) int {
			return cmp.Or(a.DiscoveredAt.Compare(b.DiscoveredAt), cmp.Compare(a.CompanyID, b.CompanyID))
		})
		for _, c := range out {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("ping")
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
