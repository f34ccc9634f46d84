// Package pipeline drives candidates from the registry through scoring, the cache and
// discovery to the output sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/pipeline/worker"
	"github.com/sysiphe/contactfinder/internal/registry"
	"github.com/sysiphe/contactfinder/internal/scoring"
	"github.com/sysiphe/contactfinder/internal/sink"
	"github.com/sysiphe/contactfinder/internal/store"
	"github.com/sysiphe/contactfinder/internal/util"
)

// State is the final state reached by a candidate in one run.
type State string

const (
	StateRejected   State = "rejected"
	StateCacheHit   State = "cache_hit"
	StateResolved   State = "resolved"
	StateUnresolved State = "unresolved"
	StateFailed     State = "failed"
	// StateInterrupted marks a candidate whose discovery was cut short by shutdown. Its recorded
	// attempts stay valid and the rest is picked up by the next run.
	StateInterrupted State = "interrupted"
)

// Discoverer is the strategy executor as seen by the pipeline.
type Discoverer interface {
	Discover(ctx context.Context, c scoring.Scored, prior []discover.Attempt) (discover.Discovery, error)
}

// Observer receives per-candidate events on the completion goroutine.
type Observer interface {
	ObserveCandidate(state State)
	ObserveEmitted()
}

type Options struct {
	Scoring scoring.Config
	Workers int
	// StoreTimeout bounds each store call. Store writes are not cancelled by shutdown.
	StoreTimeout time.Duration
	Logger       *slog.Logger
	Observer     Observer
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// Result is the per-candidate outcome of a run.
type Result struct {
	Candidate scoring.Scored
	State     State
	// Attempts are the attempts recorded by this run.
	Attempts []discover.Attempt
	// Contact is set for resolved candidates; it is emitted exactly once.
	Contact *discover.Contact
	// Recovered is true when the contact came from a found attempt of an earlier, interrupted run.
	Recovered bool
	// BudgetExhausted lists strategies skipped because their call budget was spent.
	BudgetExhausted []discover.Name
	// Err explains a failed or interrupted candidate.
	Err error
}

// Stats summarizes a run.
type Stats struct {
	Ingested          int
	ByState           map[State]int
	Emitted           int
	DuplicateContacts int
	BudgetExhausted   map[discover.Name]int
	// RowsSkipped is filled in by callers from the registry reader.
	RowsSkipped int
}

func newStats() Stats {
	return Stats{ByState: map[State]int{}, BudgetExhausted: map[discover.Name]int{}}
}

// Pipeline wires a store, an executor and a sink.
type Pipeline struct {
	store store.Store
	exec  Discoverer
	sink  sink.Sink
	opts  Options
	locks *keyedLock
}

func New(st store.Store, exec Discoverer, out sink.Sink, opts Options) (*Pipeline, error) {
	if st == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if exec == nil {
		return nil, errors.New("pipeline: executor is required")
	}
	if out == nil {
		out = sink.Discard{}
	}
	if err := opts.Scoring.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		store: st,
		exec:  exec,
		sink:  out,
		opts:  opts.withDefaults(),
		locks: newKeyedLock(),
	}, nil
}

// Run processes records until the sequence ends, ctx is cancelled, or the store fails.
//
// The store is pinged before anything else; an unreachable store aborts the run before any
// strategy is called. Contacts are emitted on the calling goroutine in completion order.
func (p *Pipeline) Run(ctx context.Context, records iter.Seq[registry.Record]) (Stats, error) {
	st := newStats()
	log := p.opts.Logger
	if err := ctx.Err(); err != nil {
		return st, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	err := p.store.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Error("store preflight failed", "error", util.RedactSecrets(err.Error()))
		return st, err
	}

	onResult := func(r worker.Result[registry.Record, Result]) error {
		res := r.Output
		st.Ingested++
		st.ByState[res.State]++
		for _, n := range res.BudgetExhausted {
			st.BudgetExhausted[n]++
		}
		if p.opts.Observer != nil {
			p.opts.Observer.ObserveCandidate(res.State)
		}

		var dup *store.DuplicateContactError
		switch {
		case r.Err != nil:
			log.Error("candidate aborted run", "company_id", r.Input.CompanyID, "error", util.RedactSecrets(r.Err.Error()))
			return nil
		case errors.As(res.Err, &dup):
			st.DuplicateContacts++
			log.Error("duplicate contact rejected",
				"company_id", dup.CompanyID,
				"existing", dup.Existing.Email,
				"existing_strategy", dup.Existing.Strategy,
				"rejected", dup.Rejected.Email,
				"rejected_strategy", dup.Rejected.Strategy,
			)
			return nil
		case res.Err != nil:
			log.Warn("candidate not completed", "company_id", r.Input.CompanyID, "state", res.State, "error", util.RedactSecrets(res.Err.Error()))
		default:
			log.Debug("candidate done", "company_id", r.Input.CompanyID, "state", res.State, "score", res.Candidate.Score, "attempts", len(res.Attempts))
		}

		if res.State != StateResolved || res.Contact == nil {
			return nil
		}
		// The contact is already durable; shutdown must not drop its emission.
		if err := p.sink.Emit(context.WithoutCancel(ctx), *res.Contact); err != nil {
			return fmt.Errorf("emit contact for %s: %w", res.Contact.CompanyID, err)
		}
		st.Emitted++
		if p.opts.Observer != nil {
			p.opts.Observer.ObserveEmitted()
		}
		log.Info("contact emitted",
			"company_id", res.Contact.CompanyID,
			"email", res.Contact.Email,
			"strategy", res.Contact.Strategy,
			"recovered", res.Recovered,
		)
		return nil
	}

	err = worker.ProcessStream(ctx, records, p.process, onResult, worker.Options{
		Workers:       p.opts.Workers,
		FailurePolicy: worker.FailurePolicyFailFast,
	})
	return st, err
}

// process handles one candidate. The returned error is non-nil only for pipeline-fatal
// conditions (store unavailable); every other failure is reported in Result.
func (p *Pipeline) process(ctx context.Context, rec registry.Record) (Result, error) {
	scored := scoring.Score(rec, p.opts.Scoring)
	res := Result{Candidate: scored}
	if !scored.Passed {
		res.State = StateRejected
		return res, nil
	}

	unlock := p.locks.Lock(rec.CompanyID)
	defer unlock()

	entry, _, err := p.lookup(ctx, rec.CompanyID)
	if err != nil {
		res.State, res.Err = StateFailed, err
		return res, err
	}
	if entry.Contact != nil {
		res.State, res.Contact = StateCacheHit, entry.Contact
		return res, nil
	}
	if a, ok := entry.FoundAttempt(); ok {
		res.Recovered = true
		return p.commit(ctx, res, discover.Contact{
			CompanyID:    rec.CompanyID,
			LegalName:    rec.LegalName,
			Email:        a.Email,
			Strategy:     a.Strategy,
			SourceURL:    a.SourceURL,
			DiscoveredAt: a.AttemptedAt,
		})
	}

	d, discoverErr := p.exec.Discover(ctx, scored, entry.Attempts)
	res.BudgetExhausted = d.BudgetExhausted
	for _, a := range d.Attempts {
		if err := p.write(ctx, func(ctx context.Context) error { return p.store.RecordAttempt(ctx, rec.CompanyID, a) }); err != nil {
			res.State, res.Err = StateFailed, err
			return res, err
		}
		res.Attempts = append(res.Attempts, a)
	}
	if d.Contact != nil {
		return p.commit(ctx, res, *d.Contact)
	}

	switch {
	case discoverErr != nil:
		res.State, res.Err = StateInterrupted, discoverErr
	case len(d.Attempts) == 0 && len(d.BudgetExhausted) == 0 && len(entry.Attempts) > 0:
		// Every strategy was already settled by an earlier run.
		res.State = StateCacheHit
	default:
		res.State = StateUnresolved
	}
	return res, nil
}

func (p *Pipeline) commit(ctx context.Context, res Result, c discover.Contact) (Result, error) {
	err := p.write(ctx, func(ctx context.Context) error { return p.store.RecordContact(ctx, c.CompanyID, c) })
	var dup *store.DuplicateContactError
	switch {
	case errors.As(err, &dup):
		res.State, res.Err = StateFailed, err
		return res, nil
	case err != nil:
		res.State, res.Err = StateFailed, err
		return res, err
	}
	res.State, res.Contact = StateResolved, &c
	return res, nil
}

func (p *Pipeline) lookup(ctx context.Context, id string) (store.Entry, bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.StoreTimeout)
	defer cancel()
	return p.store.Lookup(ctx, id)
}

func (p *Pipeline) write(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.StoreTimeout)
	defer cancel()
	return fn(ctx)
}
