// Package config loads the pipeline configuration: defaults, an optional YAML file validated
// against an embedded JSON schema, then environment overrides for secrets.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/sysiphe/contactfinder/internal/discover"
	"github.com/sysiphe/contactfinder/internal/discover/serpapi"
	"github.com/sysiphe/contactfinder/internal/registry"
	"github.com/sysiphe/contactfinder/internal/scoring"
	"github.com/sysiphe/contactfinder/internal/store"
	"github.com/sysiphe/contactfinder/internal/version"
)

// Environment variables read by ApplyEnv. Secrets are never read from the file.
const (
	EnvSerpAPIKey  = "SERPAPI_API_KEY"
	EnvGeminiKey   = "GEMINI_API_KEY"
	EnvStoreDSN    = "CONTACTFINDER_STORE_DSN"
	EnvStoreDriver = "CONTACTFINDER_STORE_DRIVER"
	EnvLogLevel    = "CONTACTFINDER_LOG_LEVEL"
	EnvLogFormat   = "CONTACTFINDER_LOG_FORMAT"
	EnvMetricsAddr = "CONTACTFINDER_METRICS_ADDR"
	EnvGeminiModel = "GEMINI_MODEL"
)

// Resolver names accepted in scrape.resolvers.
const (
	ResolverDuckDuckGo = "duckduckgo"
	ResolverGemini     = "gemini"
)

//go:embed schema.json
var schemaJSON []byte

type Config struct {
	Scoring   scoring.Config  `yaml:"scoring"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Scrape    ScrapeConfig    `yaml:"scrape"`
	SerpAPI   SerpAPIConfig   `yaml:"serp_api"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Input     InputConfig     `yaml:"input"`
	Output    OutputConfig    `yaml:"output"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type DiscoveryConfig struct {
	StrategyPriority []string                  `yaml:"strategy_priority"`
	RetryCount       int                       `yaml:"retry_count"`
	RetryBackoffBase time.Duration             `yaml:"retry_backoff_base"`
	RetryBackoffMax  time.Duration             `yaml:"retry_backoff_max"`
	Force            bool                      `yaml:"force"`
	Strategies       map[string]StrategyConfig `yaml:"strategies"`
}

// StrategyConfig bounds one strategy's calls. Zero values disable the corresponding limit.
type StrategyConfig struct {
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	Burst        int           `yaml:"burst"`
	Concurrency  int           `yaml:"concurrency"`
	Timeout      time.Duration `yaml:"timeout"`
	CallBudget   int64         `yaml:"call_budget"`
}

type ScrapeConfig struct {
	Resolvers          []string      `yaml:"resolvers"`
	DuckDuckGoEndpoint string        `yaml:"duckduckgo_endpoint"`
	Country            string        `yaml:"country"`
	Pages              []string      `yaml:"pages"`
	MaxPages           int           `yaml:"max_pages"`
	PerHostBudget      int           `yaml:"per_host_budget"`
	RespectRobots      bool          `yaml:"respect_robots"`
	UserAgent          string        `yaml:"user_agent"`
	PageTimeout        time.Duration `yaml:"page_timeout"`
	MaxPageBytes       int64         `yaml:"max_page_bytes"`
}

type SerpAPIConfig struct {
	Endpoint      string `yaml:"endpoint"`
	Num           int    `yaml:"num"`
	FetchLinks    int    `yaml:"fetch_links"`
	MinConfidence int    `yaml:"min_confidence"`

	APIKey string `yaml:"-"`
}

type GeminiConfig struct {
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`

	APIKey string `yaml:"-"`
}

type HTTPConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	CAPath       string        `yaml:"ca_path"`
	MaxRedirects int           `yaml:"max_redirects"`
}

type StoreConfig struct {
	Driver   string        `yaml:"driver"`
	DSN      string        `yaml:"dsn"`
	MaxConns int32         `yaml:"max_conns"`
	Timeout  time.Duration `yaml:"timeout"`
}

type InputConfig struct {
	Path      string            `yaml:"path"`
	Delimiter string            `yaml:"delimiter"`
	Limit     int               `yaml:"limit"`
	Columns   map[string]string `yaml:"columns"`
}

type OutputConfig struct {
	CSV         string `yaml:"csv"`
	XLSX        string `yaml:"xlsx"`
	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`
}

type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration: NSW companies, scrape before serp_api, a local
// SQLite store.
func Default() Config {
	return Config{
		Scoring: scoring.Config{
			Threshold: 1.5,
			Rules: []scoring.Rule{
				{Name: "company", Kind: scoring.KindEntityTypeWhitelist, Mode: scoring.ModeAdd, Weight: 1,
					Values: []string{"Company", "Australian Private Company", "Australian Public Company"}},
				{Name: "region", Kind: scoring.KindRegionWhitelist, Mode: scoring.ModeAdd, Weight: 1,
					Values: []string{"NSW"}},
			},
		},
		Discovery: DiscoveryConfig{
			StrategyPriority: []string{string(discover.NameScrape), string(discover.NameSerpAPI)},
			RetryCount:       2,
			RetryBackoffBase: 500 * time.Millisecond,
			RetryBackoffMax:  10 * time.Second,
			Strategies: map[string]StrategyConfig{
				string(discover.NameScrape):  {RateLimitRPS: 2, Burst: 2, Concurrency: 8, Timeout: 60 * time.Second},
				string(discover.NameSerpAPI): {RateLimitRPS: 1, Burst: 1, Concurrency: 2, Timeout: 30 * time.Second, CallBudget: 100},
			},
		},
		Scrape: ScrapeConfig{
			Resolvers:     []string{ResolverDuckDuckGo},
			Country:       "Australia",
			Pages:         []string{"/", "/contact", "/contact-us", "/about", "/about-us"},
			MaxPages:      5,
			PerHostBudget: 8,
			RespectRobots: true,
			UserAgent:     version.UserAgent(),
			PageTimeout:   15 * time.Second,
			MaxPageBytes:  2 << 20,
		},
		SerpAPI: SerpAPIConfig{
			Num:           5,
			FetchLinks:    2,
			MinConfidence: serpapi.DefaultMinConfidence,
		},
		HTTP: HTTPConfig{
			Timeout:      30 * time.Second,
			MaxRedirects: 5,
		},
		Store: StoreConfig{
			Driver:  store.DriverSQLite,
			DSN:     "contactfinder.db",
			Timeout: 10 * time.Second,
		},
		Output: OutputConfig{
			CSV:         "contacts.csv",
			NATSSubject: "contactfinder.contacts",
		},
		Pipeline: PipelineConfig{Workers: 4},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load returns Default overlaid with the YAML file at path (if any) and the environment.
// The result is validated.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without the final Validate, for callers that apply further overrides (CLI
// flags) and validate once at the end. The file is still checked against the schema.
func Read(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Decode(raw); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

// Decode checks raw YAML against the schema and overlays it on c. Keys absent from raw keep
// their current values. Lists replace the defaults; an entry under discovery.strategies
// replaces that strategy's limits as a whole.
func (c *Config) Decode(raw []byte) error {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := validateSchema(doc); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func validateSchema(doc any) error {
	// Round-trip through JSON so the validator sees plain JSON types.
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

// ApplyEnv reads secrets and a few operational overrides through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }
	c.SerpAPI.APIKey = get(EnvSerpAPIKey)
	c.Gemini.APIKey = get(EnvGeminiKey)
	if v := get(EnvStoreDSN); v != "" {
		c.Store.DSN = v
	}
	if v := get(EnvStoreDriver); v != "" {
		c.Store.Driver = v
	}
	if v := get(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := get(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	if v := get(EnvMetricsAddr); v != "" {
		c.Metrics.Addr = v
	}
	if v := get(EnvGeminiModel); v != "" {
		c.Gemini.Model = v
	}
}

// Validate checks cross-field constraints the schema cannot express. All problems are joined.
func (c Config) Validate() error {
	var errs []error
	if err := c.Scoring.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Priority(); err != nil {
		errs = append(errs, err)
	}
	for name := range c.Discovery.Strategies {
		if _, err := discover.ParseName(name); err != nil {
			errs = append(errs, fmt.Errorf("discovery.strategies: %w", err))
		}
	}
	if c.Discovery.RetryCount < 0 {
		errs = append(errs, errors.New("discovery.retry_count must be >= 0"))
	}
	if c.Discovery.RetryBackoffMax > 0 && c.Discovery.RetryBackoffBase > c.Discovery.RetryBackoffMax {
		errs = append(errs, errors.New("discovery.retry_backoff_base exceeds retry_backoff_max"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be > 0"))
	}
	switch strings.ToLower(c.Store.Driver) {
	case store.DriverMemory:
	case store.DriverSQLite, "sqlite3", store.DriverPostgres, "postgresql", "pgx":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q (or set %s)", c.Store.Driver, EnvStoreDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	for _, r := range c.Scrape.Resolvers {
		switch r {
		case ResolverDuckDuckGo:
		case ResolverGemini:
			if strings.TrimSpace(c.Gemini.Model) == "" {
				errs = append(errs, errors.New("gemini.model is required when the gemini resolver is enabled"))
			}
		default:
			errs = append(errs, fmt.Errorf("scrape.resolvers: unknown resolver %q", r))
		}
	}
	for field := range c.Input.Columns {
		if _, ok := registry.DefaultColumns[registry.Field(field)]; !ok {
			errs = append(errs, fmt.Errorf("input.columns: unknown field %q", field))
		}
	}
	if len([]rune(c.Input.Delimiter)) > 1 {
		errs = append(errs, errors.New("input.delimiter must be a single character"))
	}
	return errors.Join(errs...)
}

// Priority parses discovery.strategy_priority.
func (c Config) Priority() ([]discover.Name, error) {
	out := make([]discover.Name, 0, len(c.Discovery.StrategyPriority))
	seen := map[discover.Name]bool{}
	for _, s := range c.Discovery.StrategyPriority {
		n, err := discover.ParseName(s)
		if err != nil {
			return nil, fmt.Errorf("discovery.strategy_priority: %w", err)
		}
		if seen[n] {
			return nil, fmt.Errorf("discovery.strategy_priority: %q listed twice", n)
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.New("discovery.strategy_priority must list at least one strategy")
	}
	return out, nil
}

// Strategy returns the limits configured for name.
func (c Config) Strategy(name discover.Name) StrategyConfig {
	return c.Discovery.Strategies[string(name)]
}

// RegistryOptions maps the input section onto registry.Options.
func (c Config) RegistryOptions() registry.Options {
	opts := registry.Options{Limit: c.Input.Limit}
	if r := []rune(c.Input.Delimiter); len(r) == 1 {
		opts.Delimiter = r[0]
	}
	if len(c.Input.Columns) > 0 {
		opts.Columns = make(map[registry.Field]string, len(c.Input.Columns))
		for k, v := range c.Input.Columns {
			opts.Columns[registry.Field(k)] = v
		}
	}
	return opts
}

// StoreConfig maps the store section onto store.Config.
func (c Config) StoreConfig() store.Config {
	return store.Config{Driver: c.Store.Driver, DSN: c.Store.DSN, MaxConns: c.Store.MaxConns}
}
