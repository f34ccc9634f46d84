package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sysiphe/contactfinder/internal/app"
	"github.com/sysiphe/contactfinder/internal/config"
	"github.com/sysiphe/contactfinder/internal/logging"
	"github.com/sysiphe/contactfinder/internal/util"
	"github.com/sysiphe/contactfinder/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version", "--version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
		return
	case "run":
		code = runDiscovery(ctx, os.Args[2:])
	case "score":
		code = runScore(ctx, os.Args[2:])
	case "export":
		code = runExport(ctx, os.Args[2:])
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		code = 2
	}
	stop()
	os.Exit(code)
}

// commonFlags are shared by every subcommand. File values are the defaults; flags override.
type commonFlags struct {
	configPath string
	input      string
	storeDrv   string
	storeDSN   string
	logLevel   string
	logFormat  string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", strings.TrimSpace(os.Getenv("CONTACTFINDER_CONFIG")), "YAML config file (env: CONTACTFINDER_CONFIG)")
	fs.StringVar(&c.input, "input", "", "Registry CSV path, optionally .gz (overrides input.path)")
	fs.StringVar(&c.storeDrv, "store", "", "Store driver: memory, sqlite or postgres (overrides store.driver)")
	fs.StringVar(&c.storeDSN, "store-dsn", "", "Store DSN (overrides store.dsn; prefer "+config.EnvStoreDSN+" for credentials)")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&c.logFormat, "log-format", "", "Log format: text or json")
}

// load reads the file and environment, applies the common flags and then each override, and
// validates the result once so a flag can correct a file value.
func (c *commonFlags) load(overrides ...func(*config.Config)) (config.Config, error) {
	cfg, err := config.Read(c.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if c.input != "" {
		cfg.Input.Path = c.input
	}
	if c.storeDrv != "" {
		cfg.Store.Driver = c.storeDrv
	}
	if c.storeDSN != "" {
		cfg.Store.DSN = c.storeDSN
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runDiscovery(ctx context.Context, args []string) int {
	workers, err := envInt("WORKERS", 0)
	if err != nil {
		return configError(err)
	}
	retries, err := envInt("MAX_RETRIES", -1)
	if err != nil {
		return configError(err)
	}
	serpBudget, err := envInt("SERP_API_CALL_BUDGET", -1)
	if err != nil {
		return configError(err)
	}
	force, err := envBool("FORCE")
	if err != nil {
		return configError(err)
	}
	timeout, err := envDuration("STRATEGY_TIMEOUT", 0)
	if err != nil {
		return configError(err)
	}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var common commonFlags
	common.register(fs)
	var csvPath, xlsxPath, natsURL, priority, metricsAddr string
	var limit int
	fs.StringVar(&csvPath, "output", "", "Contacts CSV path (overrides output.csv)")
	fs.StringVar(&xlsxPath, "xlsx", "", "Contacts XLSX path (overrides output.xlsx)")
	fs.StringVar(&natsURL, "nats-url", "", "Publish contacts to this NATS server (overrides output.nats_url)")
	fs.StringVar(&priority, "strategies", "", "Comma-separated strategy priority, e.g. scrape,serp_api")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.IntVar(&limit, "limit", 0, "Stop after this many valid registry rows (0 = all)")
	fs.IntVar(&workers, "workers", workers, "Concurrent candidates, 0 keeps the config value (env: WORKERS)")
	fs.IntVar(&retries, "max-retries", retries, "Extra attempts for transient failures, -1 keeps the config value (env: MAX_RETRIES)")
	fs.IntVar(&serpBudget, "serp-budget", serpBudget, "SerpAPI calls allowed this run, -1 keeps the config value (env: SERP_API_CALL_BUDGET)")
	fs.DurationVar(&timeout, "strategy-timeout", timeout, "Per-call timeout for every strategy, 0 keeps the config values (env: STRATEGY_TIMEOUT)")
	fs.BoolVar(&force, "force", force, "Re-run strategies that previously found nothing (env: FORCE)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load(func(c *config.Config) {
		if csvPath != "" {
			c.Output.CSV = csvPath
		}
		if xlsxPath != "" {
			c.Output.XLSX = xlsxPath
		}
		if natsURL != "" {
			c.Output.NATSURL = natsURL
		}
		if metricsAddr != "" {
			c.Metrics.Addr = metricsAddr
		}
		if priority != "" {
			c.Discovery.StrategyPriority = splitList(priority)
		}
		if limit > 0 {
			c.Input.Limit = limit
		}
		if workers > 0 {
			c.Pipeline.Workers = workers
		}
		if retries >= 0 {
			c.Discovery.RetryCount = retries
		}
		if serpBudget >= 0 {
			sc := c.Discovery.Strategies["serp_api"]
			sc.CallBudget = int64(serpBudget)
			if c.Discovery.Strategies == nil {
				c.Discovery.Strategies = map[string]config.StrategyConfig{}
			}
			c.Discovery.Strategies["serp_api"] = sc
		}
		if timeout > 0 {
			for name, sc := range c.Discovery.Strategies {
				sc.Timeout = timeout
				c.Discovery.Strategies[name] = sc
			}
		}
		c.Discovery.Force = c.Discovery.Force || force
	})
	if err != nil {
		return configError(err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	_, err = app.Run(ctx, cfg, app.Deps{Logger: logger})
	return exitCode("run", err)
}

func runScore(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var common commonFlags
	common.register(fs)
	var out string
	var limit int
	fs.StringVar(&out, "output", "", "Write passing candidates to this CSV")
	fs.IntVar(&limit, "limit", 0, "Stop after this many valid registry rows (0 = all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := common.load(func(c *config.Config) {
		if limit > 0 {
			c.Input.Limit = limit
		}
	})
	if err != nil {
		return configError(err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	sum, err := app.Score(ctx, cfg, out, app.Deps{Logger: logger})
	if code := exitCode("score", err); code != 0 {
		return code
	}
	_, _ = fmt.Fprintf(os.Stdout, "read=%d skipped=%d passed=%d rejected=%d\n", sum.Read, sum.Skipped, sum.Passed, sum.Rejected)
	return 0
}

func runExport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var common commonFlags
	common.register(fs)
	var csvPath, xlsxPath string
	fs.StringVar(&csvPath, "output", "", "Contacts CSV path")
	fs.StringVar(&xlsxPath, "xlsx", "", "Contacts XLSX path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if csvPath == "" && xlsxPath == "" {
		_, _ = fmt.Fprintln(os.Stderr, "export requires --output and/or --xlsx")
		return 2
	}
	cfg, err := common.load(func(c *config.Config) {
		c.Output = config.OutputConfig{CSV: csvPath, XLSX: xlsxPath}
	})
	if err != nil {
		return configError(err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	n, err := app.Export(ctx, cfg, app.Deps{Logger: logger})
	if code := exitCode("export", err); code != 0 {
		return code
	}
	_, _ = fmt.Fprintf(os.Stdout, "exported %d contacts\n", n)
	return 0
}

func configError(err error) int {
	_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
	return 2
}

func exitCode(cmd string, err error) int {
	if err == nil {
		return 0
	}
	var ce *app.ConfigError
	if errors.As(err, &ce) {
		return configError(ce.Err)
	}
	if errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(os.Stderr, "%s interrupted; recorded progress is kept and the next run resumes it\n", cmd)
		return 1
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s failed: %s\n", cmd, util.RedactSecrets(err.Error()))
	return 1
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `contactfinder: registry scoring and contact-email discovery

Usage:
  contactfinder <command> [flags]

Commands:
  run      Score the registry and discover contacts for passing candidates
  score    Score only; print counts and optionally write passing candidates
  export   Write every stored contact to CSV and/or XLSX
  version  Print the version

Examples:
  contactfinder score --input abn_extract.csv.gz --output targets.csv
  contactfinder run --config contactfinder.yaml --input abn_extract.csv.gz --output contacts.csv
  contactfinder export --store sqlite --store-dsn contactfinder.db --xlsx contacts.xlsx

Environment:
  CONTACTFINDER_CONFIG        YAML config file
  CONTACTFINDER_STORE_DSN     Store DSN (sqlite path or postgres URL)
  CONTACTFINDER_STORE_DRIVER  Store driver override
  CONTACTFINDER_LOG_LEVEL     Log level override
  SERPAPI_API_KEY             SerpAPI key (required when serp_api is enabled)
  GEMINI_API_KEY              Gemini key (required when the gemini resolver is enabled)
  GEMINI_MODEL                Gemini model override
  WORKERS, MAX_RETRIES, SERP_API_CALL_BUDGET, STRATEGY_TIMEOUT, FORCE
                              Defaults for the matching run flags

`)
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
