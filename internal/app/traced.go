package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/scoring"
	"github.com/sysiphe/contactfinder/internal/util"
)

// tracedStrategy logs every strategy call and its response.
type tracedStrategy struct {
	next       discover.Strategy
	logger     *slog.Logger
	maxRetries int
}

func newTracedStrategy(next discover.Strategy, logger *slog.Logger, maxRetries int) *tracedStrategy {
	return &tracedStrategy{
		next:       next,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

func (t *tracedStrategy) Name() discover.Name { return t.next.Name() }

func (t *tracedStrategy) Attempt(ctx context.Context, c scoring.Scored) (discover.Finding, error) {
	attempt := discover.AttemptNumber(ctx)
	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	log := t.logger.With(
		slog.String("company_id", c.CompanyID),
		slog.String("strategy", string(t.next.Name())),
		slog.Int("attempt", attempt),
	)
	log.Debug("strategy request", slog.String("legal_name", c.LegalName), slog.String("deadline_in", deadlineIn))

	start := time.Now()
	f, err := t.next.Attempt(ctx, c)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		retryable := discover.IsTransient(err)
		log.Warn("strategy response",
			slog.Duration("duration", elapsed),
			slog.String("outcome", string(discover.OutcomeError)),
			slog.Bool("retryable", retryable),
			slog.Bool("will_retry", retryable && attempt <= retryBudget(t.maxRetries, err)),
			slog.String("error", util.RedactSecrets(err.Error())),
		)
		return f, err
	}
	log.Info("strategy response",
		slog.Duration("duration", elapsed),
		slog.String("outcome", string(f.Outcome)),
		slog.String("email", f.Email),
		slog.String("source_url", f.SourceURL),
		slog.String("detail", util.RedactSecrets(f.Detail)),
	)
	return f, nil
}

type retryCap interface {
	MaxExtraRetries() int
}

func retryBudget(defaultMax int, err error) int {
	defaultMax = max(defaultMax, 0)
	var capErr retryCap
	if errors.As(err, &capErr) {
		return min(max(capErr.MaxExtraRetries(), 0), defaultMax)
	}
	return defaultMax
}
