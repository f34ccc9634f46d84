package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/sysiphe/contactfinder/internal/discover"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the backend.
type Config struct {
	Driver string
	DSN    string

	// MaxConns bounds the Postgres pool. SQLite always uses a single connection.
	MaxConns        int32
	MaxConnLifetime time.Duration
	DialTimeout     time.Duration
	// BusyTimeout is the SQLite lock wait.
	BusyTimeout time.Duration
}

// Open builds the configured Store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	logger = orDiscard(logger)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		logger.Warn("using in-memory store; results will not survive the process")
		return NewMemory(), nil
	case DriverSQLite, "sqlite3":
		return OpenSQLite(ctx, cfg, logger)
	case DriverPostgres, "postgresql", "pgx":
		return OpenPostgres(ctx, cfg, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func orDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS discovery_attempts (
		company_id   TEXT NOT NULL,
		strategy     TEXT NOT NULL,
		attempted_at TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		email        TEXT NOT NULL DEFAULT '',
		source_url   TEXT NOT NULL DEFAULT '',
		retries      INTEGER NOT NULL DEFAULT 0,
		detail       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (company_id, strategy, attempted_at)
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		company_id    TEXT PRIMARY KEY,
		legal_name    TEXT NOT NULL,
		email         TEXT NOT NULL,
		strategy      TEXT NOT NULL,
		source_url    TEXT NOT NULL DEFAULT '',
		discovered_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS contacts_discovered_at ON contacts (discovered_at, company_id)`,
}

// SQL is a Store over database/sql. Queries are built with squirrel so the same code serves
// SQLite (? placeholders) and Postgres ($n placeholders).
type SQL struct {
	db      *sql.DB
	qb      sq.StatementBuilderType
	dialect string
	logger  *slog.Logger
	closers []func()
}

var _ Store = (*SQL)(nil)

// OpenSQLite opens (or creates) a SQLite database file and applies the schema.
func OpenSQLite(ctx context.Context, cfg Config, logger *slog.Logger) (*SQL, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sqlite store requires a DSN (file path)")
	}
	logger = orDiscard(logger)
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := cfg.DSN
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += fmt.Sprintf("%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", sep, busy.Milliseconds())
	}

	logger.Info("opening sqlite store", "path", cfg.DSN)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open", err)
	}
	// One writer connection: SQLite serializes writes anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &SQL{
		db:      db,
		qb:      sq.StatementBuilder.PlaceholderFormat(sq.Question),
		dialect: DriverSQLite,
		logger:  logger,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects through a pgx pool wrapped as *sql.DB and applies the schema.
func OpenPostgres(ctx context.Context, cfg Config, logger *slog.Logger) (*SQL, error) {
	logger = orDiscard(logger)
	logger.Info("connecting to postgres store")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "contactfinder"

	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, dial)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dctx, pc)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		return nil, unavailable("connect", err)
	}

	s := &SQL{
		db:      stdlib.OpenDBFromPool(pool),
		qb:      sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		dialect: DriverPostgres,
		logger:  logger,
		closers: []func(){pool.Close},
	}
	if err := s.migrate(dctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("connected to postgres store")
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("migrate", err)
		}
	}
	return nil
}

func (s *SQL) Lookup(ctx context.Context, id string) (Entry, bool, error) {
	q, args, err := s.qb.
		Select("strategy", "outcome", "email", "source_url", "attempted_at", "retries", "detail").
		From("discovery_attempts").
		Where(sq.Eq{"company_id": id}).
		OrderBy("attempted_at", "strategy").
		ToSql()
	if err != nil {
		return Entry{}, false, fmt.Errorf("build lookup query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Entry{}, false, unavailable("lookup attempts", err)
	}
	var attempts []discover.Attempt
	for rows.Next() {
		var a discover.Attempt
		var strategy, outcome, at string
		if err := rows.Scan(&strategy, &outcome, &a.Email, &a.SourceURL, &at, &a.Retries, &a.Detail); err != nil {
			_ = rows.Close()
			return Entry{}, false, unavailable("scan attempt", err)
		}
		a.Strategy, a.Outcome = discover.Name(strategy), discover.Outcome(outcome)
		if a.AttemptedAt, err = parseTime(at); err != nil {
			_ = rows.Close()
			return Entry{}, false, unavailable("parse attempted_at", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return Entry{}, false, unavailable("lookup attempts", err)
	}
	if err := rows.Close(); err != nil {
		return Entry{}, false, unavailable("close rows", err)
	}

	contact, err := s.contact(ctx, id)
	if err != nil {
		return Entry{}, false, err
	}

	e := Entry{CompanyID: id, Attempts: attempts, Contact: contact}
	e.Status = deriveStatus(attempts, contact)
	return e, len(attempts) > 0 || contact != nil, nil
}

func (s *SQL) contactQuery() sq.SelectBuilder {
	return s.qb.
		Select("company_id", "legal_name", "email", "strategy", "source_url", "discovered_at").
		From("contacts")
}

func scanContact(sc interface{ Scan(...any) error }) (discover.Contact, error) {
	var c discover.Contact
	var strategy, at string
	if err := sc.Scan(&c.CompanyID, &c.LegalName, &c.Email, &strategy, &c.SourceURL, &at); err != nil {
		return discover.Contact{}, err
	}
	c.Strategy = discover.Name(strategy)
	t, err := parseTime(at)
	if err != nil {
		return discover.Contact{}, fmt.Errorf("parse discovered_at: %w", err)
	}
	c.DiscoveredAt = t
	return c, nil
}

func (s *SQL) contact(ctx context.Context, id string) (*discover.Contact, error) {
	q, args, err := s.contactQuery().Where(sq.Eq{"company_id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build contact query: %w", err)
	}
	c, err := scanContact(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("lookup contact", err)
	}
	return &c, nil
}

func (s *SQL) RecordAttempt(ctx context.Context, id string, a discover.Attempt) error {
	q, args, err := s.qb.
		Insert("discovery_attempts").
		Columns("company_id", "strategy", "attempted_at", "outcome", "email", "source_url", "retries", "detail").
		Values(id, string(a.Strategy), formatTime(a.AttemptedAt), string(a.Outcome), a.Email, a.SourceURL, a.Retries, a.Detail).
		Suffix("ON CONFLICT (company_id, strategy, attempted_at) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build attempt insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return unavailable("record attempt", err)
	}
	return nil
}

func (s *SQL) RecordContact(ctx context.Context, id string, c discover.Contact) error {
	c.CompanyID = id
	q, args, err := s.qb.
		Insert("contacts").
		Columns("company_id", "legal_name", "email", "strategy", "source_url", "discovered_at").
		Values(id, c.LegalName, c.Email, string(c.Strategy), c.SourceURL, formatTime(c.DiscoveredAt)).
		Suffix("ON CONFLICT (company_id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build contact insert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return unavailable("record contact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("record contact", err)
	}
	if n > 0 {
		return nil
	}

	existing, err := s.contact(ctx, id)
	if err != nil {
		return err
	}
	dup := &DuplicateContactError{CompanyID: id, Rejected: c}
	if existing != nil {
		dup.Existing = *existing
	}
	return dup
}

func (s *SQL) Contacts(ctx context.Context) iter.Seq2[discover.Contact, error] {
	return func(yield func(discover.Contact, error) bool) {
		q, args, err := s.contactQuery().OrderBy("discovered_at", "company_id").ToSql()
		if err != nil {
			yield(discover.Contact{}, fmt.Errorf("build contacts query: %w", err))
			return
		}
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(discover.Contact{}, unavailable("list contacts", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			c, err := scanContact(rows)
			if err != nil {
				yield(discover.Contact{}, unavailable("scan contact", err))
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(discover.Contact{}, unavailable("list contacts", err))
		}
	}
}

func (s *SQL) Ping(ctx context.Context) error {
	return unavailable("ping", s.db.PingContext(ctx))
}

func (s *SQL) Close() error {
	err := s.db.Close()
	for _, c := range s.closers {
		c()
	}
	s.logger.Debug("store closed", "dialect", s.dialect)
	return err
}
