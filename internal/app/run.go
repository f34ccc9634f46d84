// Package app wires configuration into a runnable pipeline.
package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sysiphe/contactfinder/internal/config"
	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/discover/scrape"
	"github.com/sysiphe/contactfinder/internal/discover/serpapi"
	"github.com/sysiphe/contactfinder/internal/httpx"
	"github.com/sysiphe/contactfinder/internal/metrics"
	"github.com/sysiphe/contactfinder/internal/pipeline"
	"github.com/sysiphe/contactfinder/internal/ratelimit"
	"github.com/sysiphe/contactfinder/internal/registry"
	"github.com/sysiphe/contactfinder/internal/scoring"
	"github.com/sysiphe/contactfinder/internal/sink"
	"github.com/sysiphe/contactfinder/internal/store"
)

// ConfigError is returned when the configuration cannot produce a runnable pipeline. The
// CLI maps it to exit code 2.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "config: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// Deps are optional collaborators. Zero values are built from the configuration.
type Deps struct {
	Logger *slog.Logger
	// HTTPClient is used by every outbound call (search, pages, SerpAPI).
	HTTPClient *http.Client
	// Store replaces the configured store. It is not closed by Run.
	Store store.Store
	// Registerer and Gatherer back the metrics. Defaults to a private registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Sink is added to the configured outputs.
	Sink sink.Sink
	// Resolver replaces the configured website resolvers.
	Resolver scrape.Resolver
	Now      func() time.Time
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.Logger
}

// Run executes one discovery run over cfg.Input.Path.
func Run(ctx context.Context, cfg config.Config, deps Deps) (pipeline.Stats, error) {
	runID := uuid.NewString()
	logger := deps.logger().With(slog.String("run", runID))
	runStart := time.Now()

	if cfg.Input.Path == "" {
		return pipeline.Stats{}, &ConfigError{Err: errors.New("input.path is required")}
	}
	priority, err := cfg.Priority()
	if err != nil {
		return pipeline.Stats{}, &ConfigError{Err: err}
	}

	reg, gatherer := deps.Registerer, deps.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	}
	m, err := metrics.New(reg)
	if err != nil {
		return pipeline.Stats{}, err
	}
	if cfg.Metrics.Addr != "" && gatherer != nil {
		if _, err := metrics.Serve(ctx, cfg.Metrics.Addr, gatherer, logger); err != nil {
			return pipeline.Stats{}, fmt.Errorf("metrics endpoint: %w", err)
		}
	}

	client := deps.HTTPClient
	if client == nil {
		client, err = httpx.NewClient(httpx.ClientOptions{
			Timeout:      cfg.HTTP.Timeout,
			CAPath:       cfg.HTTP.CAPath,
			MaxRedirects: cfg.HTTP.MaxRedirects,
		})
		if err != nil {
			return pipeline.Stats{}, &ConfigError{Err: err}
		}
	}

	strategies, err := buildStrategies(ctx, cfg, priority, client, deps.Resolver)
	if err != nil {
		return pipeline.Stats{}, err
	}
	limiters := make(map[discover.Name]*ratelimit.Limiter, len(priority))
	timeouts := make(map[discover.Name]time.Duration, len(priority))
	traced := make([]discover.Strategy, 0, len(strategies))
	for _, s := range strategies {
		sc := cfg.Strategy(s.Name())
		limiters[s.Name()] = ratelimit.New(ratelimit.Options{
			RPS:         sc.RateLimitRPS,
			Burst:       sc.Burst,
			Concurrency: sc.Concurrency,
			Budget:      sc.CallBudget,
		})
		if sc.Timeout > 0 {
			timeouts[s.Name()] = sc.Timeout
		}
		traced = append(traced, newTracedStrategy(s, logger, cfg.Discovery.RetryCount))
	}

	exec, err := discover.NewExecutor(traced, limiters, discover.Options{
		Priority:          priority,
		Timeouts:          timeouts,
		RetryCount:        cfg.Discovery.RetryCount,
		BackoffBase:       cfg.Discovery.RetryBackoffBase,
		BackoffMax:        cfg.Discovery.RetryBackoffMax,
		BackoffJitterFrac: 0.2,
		Force:             cfg.Discovery.Force,
		Now:               deps.Now,
		Observer:          m,
	})
	if err != nil {
		return pipeline.Stats{}, &ConfigError{Err: err}
	}

	st := deps.Store
	if st == nil {
		st, err = store.Open(ctx, cfg.StoreConfig(), logger)
		if err != nil {
			return pipeline.Stats{}, err
		}
		defer func() {
			if cerr := st.Close(); cerr != nil {
				logger.Error("close store", slog.String("error", cerr.Error()))
			}
		}()
	}

	reader, err := registry.Open(cfg.Input.Path, withSkipLog(cfg.RegistryOptions(), logger))
	if err != nil {
		return pipeline.Stats{}, fmt.Errorf("open registry: %w", err)
	}
	defer func() { _ = reader.Close() }()

	out, err := openSinks(cfg.Output, deps.Sink, true)
	if err != nil {
		return pipeline.Stats{}, err
	}

	p, err := pipeline.New(st, exec, out, pipeline.Options{
		Scoring:      cfg.Scoring,
		Workers:      cfg.Pipeline.Workers,
		StoreTimeout: cfg.Store.Timeout,
		Logger:       logger,
		Observer:     m,
	})
	if err != nil {
		_ = out.Close()
		return pipeline.Stats{}, &ConfigError{Err: err}
	}

	logger.Info("run start",
		slog.String("input", cfg.Input.Path),
		slog.String("store", cfg.Store.Driver),
		slog.Any("priority", priority),
		slog.Int("workers", cfg.Pipeline.Workers),
		slog.Int("retry_count", cfg.Discovery.RetryCount),
	)

	stats, runErr := p.Run(ctx, reader.Records())
	if runErr == nil {
		runErr = reader.Err()
	}
	rs := reader.Stats()
	stats.RowsSkipped = rs.Skipped
	m.ObserveRows(rs.Read, rs.SkippedByReason)

	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close outputs: %w", err)
	}

	attrs := []any{
		slog.Int("rows_read", rs.Read),
		slog.Int("rows_skipped", rs.Skipped),
		slog.Any("skipped_by_reason", rs.SkippedByReason),
		slog.Int("ingested", stats.Ingested),
		slog.Int("emitted", stats.Emitted),
		slog.Int("duplicate_contacts", stats.DuplicateContacts),
		slog.Duration("duration", time.Since(runStart).Round(time.Millisecond)),
	}
	for state, n := range stats.ByState {
		attrs = append(attrs, slog.Int(string(state), n))
	}
	for name, n := range stats.BudgetExhausted {
		attrs = append(attrs, slog.Int("budget_exhausted_"+string(name), n))
	}
	for name, l := range limiters {
		attrs = append(attrs, slog.Int64("calls_"+string(name), l.Used()))
		if left := l.Remaining(); left >= 0 {
			attrs = append(attrs, slog.Int64("calls_remaining_"+string(name), left))
		}
	}
	if runErr != nil {
		logger.Error("run stopped", append(attrs, slog.String("error", runErr.Error()))...)
		return stats, runErr
	}
	logger.Info("run complete", attrs...)
	return stats, nil
}

func buildStrategies(ctx context.Context, cfg config.Config, priority []discover.Name, client *http.Client, resolver scrape.Resolver) ([]discover.Strategy, error) {
	fetcher := scrape.NewFetcher(scrape.FetcherOptions{
		Client:        client,
		UserAgent:     cfg.Scrape.UserAgent,
		Timeout:       cfg.Scrape.PageTimeout,
		MaxBytes:      cfg.Scrape.MaxPageBytes,
		PerHostBudget: cfg.Scrape.PerHostBudget,
		RespectRobots: cfg.Scrape.RespectRobots,
	})

	var out []discover.Strategy
	for _, name := range priority {
		switch name {
		case discover.NameScrape:
			r := resolver
			if r == nil {
				var err error
				if r, err = buildResolvers(ctx, cfg, client); err != nil {
					return nil, err
				}
			}
			out = append(out, scrape.New(r, fetcher, scrape.Options{
				Pages:    cfg.Scrape.Pages,
				MaxPages: cfg.Scrape.MaxPages,
				Country:  cfg.Scrape.Country,
			}))
		case discover.NameSerpAPI:
			if cfg.SerpAPI.APIKey == "" {
				return nil, &ConfigError{Err: fmt.Errorf("%s is required when serp_api is in the strategy priority", config.EnvSerpAPIKey)}
			}
			c := &serpapi.Client{
				HTTP:     client,
				Endpoint: cfg.SerpAPI.Endpoint,
				APIKey:   cfg.SerpAPI.APIKey,
				Num:      cfg.SerpAPI.Num,
			}
			out = append(out, serpapi.New(c, fetcher, serpapi.Options{
				FetchLinks:    cfg.SerpAPI.FetchLinks,
				MinConfidence: cfg.SerpAPI.MinConfidence,
			}))
		}
	}
	return out, nil
}

func buildResolvers(ctx context.Context, cfg config.Config, client *http.Client) (scrape.Resolver, error) {
	var chain scrape.Chain
	for _, name := range cfg.Scrape.Resolvers {
		switch name {
		case config.ResolverDuckDuckGo:
			chain = append(chain, &scrape.DuckDuckGo{
				Client:    client,
				Endpoint:  cfg.Scrape.DuckDuckGoEndpoint,
				UserAgent: cfg.Scrape.UserAgent,
			})
		case config.ResolverGemini:
			g, err := scrape.NewGemini(ctx, scrape.GeminiConfig{
				APIKey:  cfg.Gemini.APIKey,
				Model:   cfg.Gemini.Model,
				BaseURL: cfg.Gemini.BaseURL,
			})
			if err != nil {
				return nil, &ConfigError{Err: fmt.Errorf("gemini resolver: %w", err)}
			}
			chain = append(chain, g)
		}
	}
	if len(chain) == 0 {
		return nil, &ConfigError{Err: errors.New("scrape.resolvers must list at least one resolver")}
	}
	return chain, nil
}

// openSinks opens the configured outputs. A run appends to existing files; export rewrites
// them with every stored contact.
func openSinks(cfg config.OutputConfig, extra sink.Sink, appendFiles bool) (sink.Sink, error) {
	var out sink.Multi
	closeAll := func() { _ = out.Close() }
	if cfg.CSV != "" {
		var s *sink.CSV
		var err error
		if appendFiles {
			s, err = sink.AppendCSV(cfg.CSV)
		} else {
			s, err = sink.CreateCSV(cfg.CSV)
		}
		if err != nil {
			return nil, fmt.Errorf("open csv output: %w", err)
		}
		out = append(out, s)
	}
	if cfg.XLSX != "" {
		var s *sink.XLSX
		var err error
		if appendFiles {
			s, err = sink.AppendXLSX(cfg.XLSX)
		} else {
			s, err = sink.CreateXLSX(cfg.XLSX)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open xlsx output: %w", err)
		}
		out = append(out, s)
	}
	if cfg.NATSURL != "" {
		s, err := sink.ConnectNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("connect nats output: %w", err)
		}
		out = append(out, s)
	}
	if extra != nil {
		out = append(out, extra)
	}
	return out, nil
}

func withSkipLog(opts registry.Options, logger *slog.Logger) registry.Options {
	opts.OnSkip = func(line int, reason string, err error) {
		logger.Debug("registry row skipped", slog.Int("line", line), slog.String("reason", reason), slog.String("error", err.Error()))
	}
	return opts
}

// ScoreSummary is the result of a dry scoring pass.
type ScoreSummary struct {
	Read     int
	Skipped  int
	Passed   int
	Rejected int
}

// Score runs only the scoring stage. When outPath is set, passing candidates are written to
// it as CSV with their score.
func Score(ctx context.Context, cfg config.Config, outPath string, deps Deps) (ScoreSummary, error) {
	logger := deps.logger()
	if cfg.Input.Path == "" {
		return ScoreSummary{}, &ConfigError{Err: errors.New("input.path is required")}
	}
	if err := cfg.Scoring.Validate(); err != nil {
		return ScoreSummary{}, &ConfigError{Err: err}
	}
	reader, err := registry.Open(cfg.Input.Path, withSkipLog(cfg.RegistryOptions(), logger))
	if err != nil {
		return ScoreSummary{}, fmt.Errorf("open registry: %w", err)
	}
	defer func() { _ = reader.Close() }()

	var w *csv.Writer
	var f *os.File
	if outPath != "" {
		f, err = os.Create(outPath)
		if err != nil {
			return ScoreSummary{}, err
		}
		defer func() { _ = f.Close() }()
		w = csv.NewWriter(f)
		if err := w.Write([]string{"company_id", "legal_name", "entity_type", "region", "postal_code", "score"}); err != nil {
			return ScoreSummary{}, err
		}
	}

	var sum ScoreSummary
	for rec := range reader.Records() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sc := scoring.Score(rec, cfg.Scoring)
		if !sc.Passed {
			sum.Rejected++
			continue
		}
		sum.Passed++
		if w != nil {
			if err := w.Write([]string{
				sc.CompanyID, sc.LegalName, sc.EntityType, sc.Region, sc.PostalCode,
				strconv.FormatFloat(sc.Score, 'f', -1, 64),
			}); err != nil {
				return sum, err
			}
		}
	}
	if err := reader.Err(); err != nil {
		return sum, err
	}
	rs := reader.Stats()
	sum.Read, sum.Skipped = rs.Read, rs.Skipped

	if w != nil {
		w.Flush()
		if err := w.Error(); err != nil {
			return sum, err
		}
		if err := f.Close(); err != nil {
			return sum, err
		}
	}
	logger.Info("scoring complete",
		slog.Int("rows_read", sum.Read),
		slog.Int("rows_skipped", sum.Skipped),
		slog.Int("passed", sum.Passed),
		slog.Int("rejected", sum.Rejected),
		slog.Any("skipped_by_reason", rs.SkippedByReason),
	)
	return sum, nil
}

// Export writes every stored contact to the configured CSV/XLSX outputs. It makes no
// strategy calls.
func Export(ctx context.Context, cfg config.Config, deps Deps) (int, error) {
	logger := deps.logger()
	if cfg.Output.CSV == "" && cfg.Output.XLSX == "" && deps.Sink == nil {
		return 0, &ConfigError{Err: errors.New("export needs output.csv or output.xlsx")}
	}
	st := deps.Store
	if st == nil {
		var err error
		st, err = store.Open(ctx, cfg.StoreConfig(), logger)
		if err != nil {
			return 0, err
		}
		defer func() { _ = st.Close() }()
	}
	if err := st.Ping(ctx); err != nil {
		return 0, err
	}

	exportCfg := cfg.Output
	exportCfg.NATSURL = ""
	out, err := openSinks(exportCfg, deps.Sink, false)
	if err != nil {
		return 0, err
	}

	n := 0
	for c, err := range st.Contacts(ctx) {
		if err != nil {
			_ = out.Close()
			return n, err
		}
		if err := out.Emit(ctx, c); err != nil {
			_ = out.Close()
			return n, err
		}
		n++
	}
	if err := out.Close(); err != nil {
		return n, err
	}
	logger.Info("export complete", slog.Int("contacts", n))
	return n, nil
}
