package discover

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/sysiphe/contactfinder/internal/discover/emails"
	"github.com/sysiphe/contactfinder/internal/ratelimit"
	"github.com/sysiphe/contactfinder/internal/scoring"
	"github.com/sysiphe/contactfinder/internal/util"
)

// Observer receives executor events. Implementations must be safe for concurrent use.
type Observer interface {
	ObserveAttempt(a Attempt, elapsed time.Duration)
	ObserveBudgetExhausted(strategy Name)
}

type Options struct {
	// Priority is the strategy order. Defaults to DefaultPriority filtered to registered strategies.
	Priority []Name
	// Timeouts overrides DefaultTimeout per strategy.
	Timeouts       map[Name]time.Duration
	DefaultTimeout time.Duration

	// RetryCount is the number of extra attempts for transient failures.
	RetryCount int
	// BackoffBase is the initial sleep before retrying a transient failure.
	BackoffBase time.Duration
	// BackoffMax caps exponential backoff.
	BackoffMax time.Duration
	// BackoffJitterFrac applies +/- jitter to backoff sleeps (0.2 = +/-20%).
	BackoffJitterFrac float64

	// Validator re-checks every found email. Defaults to emails.SyntaxValidator.
	Validator emails.Validator
	// Force re-evaluates strategies whose prior outcome was not_found.
	Force bool

	Now      func() time.Time
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 5 * time.Second
	}
	if o.BackoffJitterFrac < 0 {
		o.BackoffJitterFrac = 0
	}
	if o.Validator == nil {
		o.Validator = emails.SyntaxValidator{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Discovery is the result of one Discover call: the attempts made in this call (to be
// persisted) and the contact, when one was found.
type Discovery struct {
	Attempts []Attempt
	Contact  *Contact
	// BudgetExhausted lists strategies skipped because their call budget was spent.
	BudgetExhausted []Name
}

// Executor walks the strategy priority list for a candidate.
type Executor struct {
	strategies map[Name]Strategy
	limiters   map[Name]*ratelimit.Limiter
	opts       Options
}

// NewExecutor validates the priority list against the registered strategies.
// Strategies without a limiter run unlimited.
func NewExecutor(strategies []Strategy, limiters map[Name]*ratelimit.Limiter, opts Options) (*Executor, error) {
	opts = opts.withDefaults()

	byName := make(map[Name]Strategy, len(strategies))
	for _, s := range strategies {
		if s == nil {
			return nil, errors.New("nil strategy")
		}
		n, err := ParseName(string(s.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := byName[n]; dup {
			return nil, fmt.Errorf("strategy %q registered twice", n)
		}
		byName[n] = s
	}

	if len(opts.Priority) == 0 {
		for _, n := range DefaultPriority {
			if _, ok := byName[n]; ok {
				opts.Priority = append(opts.Priority, n)
			}
		}
	}
	if len(opts.Priority) == 0 {
		return nil, errors.New("no strategies configured")
	}
	seen := map[Name]bool{}
	for _, n := range opts.Priority {
		if _, ok := byName[n]; !ok {
			return nil, fmt.Errorf("strategy %q in priority list is not registered", n)
		}
		if seen[n] {
			return nil, fmt.Errorf("strategy %q listed twice in priority", n)
		}
		seen[n] = true
	}

	if limiters == nil {
		limiters = map[Name]*ratelimit.Limiter{}
	}
	return &Executor{strategies: byName, limiters: limiters, opts: opts}, nil
}

// Priority returns the effective strategy order.
func (e *Executor) Priority() []Name {
	return append([]Name(nil), e.opts.Priority...)
}

// Discover attempts discovery for c, skipping strategies already settled by prior.
//
// The returned error is non-nil only when ctx was cancelled; the Discovery still carries the
// attempts completed before cancellation, which remain valid.
func (e *Executor) Discover(ctx context.Context, c scoring.Scored, prior []Attempt) (Discovery, error) {
	var d Discovery
	for _, a := range prior {
		if a.Outcome == OutcomeFound {
			return d, nil
		}
	}

	for _, name := range e.opts.Priority {
		if e.settled(name, prior) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return d, err
		}

		a, called, err := e.attempt(ctx, e.strategies[name], c)
		if errors.Is(err, ratelimit.ErrBudgetExhausted) {
			d.BudgetExhausted = append(d.BudgetExhausted, name)
			if e.opts.Observer != nil {
				e.opts.Observer.ObserveBudgetExhausted(name)
			}
			continue
		}
		if !called {
			return d, err
		}
		d.Attempts = append(d.Attempts, a)
		if a.Outcome == OutcomeFound {
			d.Contact = &Contact{
				CompanyID:    c.CompanyID,
				LegalName:    c.LegalName,
				Email:        a.Email,
				Strategy:     a.Strategy,
				SourceURL:    a.SourceURL,
				DiscoveredAt: a.AttemptedAt,
			}
			return d, nil
		}
		if err != nil {
			return d, err
		}
	}
	return d, nil
}

func (e *Executor) settled(name Name, prior []Attempt) bool {
	for _, a := range prior {
		if a.Strategy != name || !a.Outcome.Terminal() {
			continue
		}
		if a.Outcome == OutcomeNotFound && e.opts.Force {
			continue
		}
		return true
	}
	return false
}

// attempt runs one strategy with retries. called reports whether the strategy was invoked at
// least once, i.e. whether the returned Attempt must be recorded.
func (e *Executor) attempt(ctx context.Context, s Strategy, c scoring.Scored) (a Attempt, called bool, err error) {
	name := s.Name()
	limiter := e.limiters[name]
	timeout := e.opts.DefaultTimeout
	if d, ok := e.opts.Timeouts[name]; ok && d > 0 {
		timeout = d
	}

	for retry := 0; ; retry++ {
		if err := ctx.Err(); err != nil {
			if called {
				a.Outcome, a.Detail = OutcomeError, "cancelled: "+a.Detail
			}
			return a, called, err
		}

		release, err := limiter.Acquire(ctx)
		if err != nil {
			if !called {
				return a, false, err
			}
			// Budget ran out between retries: keep the pair open for a later run.
			a.Outcome, a.Detail = OutcomeError, "retry aborted: "+err.Error()
			if errors.Is(err, ratelimit.ErrBudgetExhausted) {
				err = nil
			}
			e.observe(a, 0)
			return a, true, err
		}

		start := e.opts.Now()
		// The call is detached from run cancellation and bounded by its own timeout, so a
		// shutdown never abandons a half-finished request.
		callCtx, cancel := context.WithTimeout(withAttemptNumber(context.WithoutCancel(ctx), retry+1), timeout)
		f, callErr := s.Attempt(callCtx, c)
		if callErr == nil {
			f = e.check(callCtx, f)
		}
		cancel()
		release()
		elapsed := e.opts.Now().Sub(start)

		called = true
		a = Attempt{Strategy: name, AttemptedAt: start.UTC(), Retries: retry}
		if callErr == nil {
			a.Outcome, a.Email, a.SourceURL, a.Detail = f.Outcome, f.Email, f.SourceURL, f.Detail
			e.observe(a, elapsed)
			return a, true, nil
		}

		detail := util.RedactSecrets(callErr.Error())
		if !isTransient(callErr) {
			a.Outcome, a.Detail = OutcomeError, detail
			e.observe(a, elapsed)
			return a, true, nil
		}
		if retry >= maxExtraRetries(e.opts.RetryCount, callErr) {
			a.Outcome, a.Detail = OutcomeNotFound, "retries exhausted: "+detail
			e.observe(a, elapsed)
			return a, true, nil
		}
		a.Detail = detail

		sleep := backoffSleep(e.opts.BackoffBase, e.opts.BackoffMax, e.opts.BackoffJitterFrac, retry)
		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}
}

// check normalizes a finding and re-validates found emails.
func (e *Executor) check(ctx context.Context, f Finding) Finding {
	switch f.Outcome {
	case OutcomeFound:
		f.Email = strings.ToLower(strings.TrimSpace(f.Email))
		if err := e.opts.Validator.Validate(ctx, f.Email); err != nil {
			return Finding{Outcome: OutcomeNotFound, Detail: "rejected " + f.Email + ": " + err.Error()}
		}
		return f
	case OutcomeNotFound:
		f.Email = ""
		return f
	}
	return Finding{Outcome: OutcomeError, Detail: fmt.Sprintf("strategy returned outcome %q without an error", f.Outcome)}
}

func (e *Executor) observe(a Attempt, elapsed time.Duration) {
	if e.opts.Observer != nil {
		e.opts.Observer.ObserveAttempt(a, elapsed)
	}
}

type retryCap interface {
	MaxExtraRetries() int
}

func maxExtraRetries(defaultRetries int, err error) int {
	if defaultRetries < 0 {
		defaultRetries = 0
	}
	var capErr retryCap
	if errors.As(err, &capErr) {
		limited := capErr.MaxExtraRetries()
		if limited < 0 {
			limited = 0
		}
		if limited < defaultRetries {
			return limited
		}
	}
	return defaultRetries
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return isTransient(err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var lte *LimitedTransientError
	if errors.As(err, &lte) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func backoffSleep(initial, max time.Duration, jitterFrac float64, attempt int) time.Duration {
	sleep := initial
	for i := 0; i < attempt && sleep < max; i++ {
		sleep *= 2
		if sleep > max {
			sleep = max
			break
		}
	}
	if jitterFrac <= 0 {
		return sleep
	}
	// Apply +/- jitterFrac.
	j := 1 + (rand.Float64()*2-1)*jitterFrac
	return time.Duration(float64(sleep) * j)
}
