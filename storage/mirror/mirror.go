// Package mirror queries the remote tournament mirror database through sqlx.
// SQLite (mattn/go-sqlite3) serves local runs and tests; Postgres is reached
// through the pgx stdlib driver.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"

	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/model"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Config selects the database and table.
type Config struct {
	Driver       string        `json:"driver" yaml:"driver"`
	DSN          string        `json:"dsn" yaml:"dsn"`
	Table        string        `json:"table" yaml:"table"`
	MaxOpenConns int           `json:"max_open_conns" yaml:"max_open_conns"`
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

// DefaultConfig returns an in-memory SQLite mirror.
func DefaultConfig() Config {
	return Config{
		Driver:       DriverSQLite,
		DSN:          ":memory:",
		Table:        "tournaments",
		QueryTimeout: 5 * time.Second,
	}
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var columns = map[string]struct{}{
	model.ColumnStatus:    {},
	model.ColumnType:      {},
	model.ColumnStartDate: {},
}

var operators = map[model.PredicateOp]string{
	model.OpEq:  "=",
	model.OpGte: ">=",
	model.OpLte: "<=",
}

const selectColumns = `no, code, name, type, status, start_date, end_date,
	COALESCE(city, '') AS city, COALESCE(country, '') AS country`

// DB is the mirror tier.
type DB struct {
	db           *sqlx.DB
	table        string
	queryTimeout time.Duration
	logger       *slog.Logger
}

// Open connects to the database described by cfg.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "mirror", "Open", fmt.Sprintf("driver %q", cfg.Driver))
	}
	if cfg.DSN == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "mirror", "Open", "dsn is empty")
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.WrapTransient(err, "mirror", "Open", "connect "+cfg.Driver)
	}
	switch {
	case cfg.Driver == DriverSQLite && strings.Contains(cfg.DSN, ":memory:"):
		// each connection would get its own database
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	m, err := New(db, cfg.Table, cfg.QueryTimeout, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// New wraps an open database.
func New(db *sqlx.DB, table string, queryTimeout time.Duration, logger *slog.Logger) (*DB, error) {
	if table == "" {
		table = "tournaments"
	}
	if !identPattern.MatchString(table) {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "mirror", "New", fmt.Sprintf("table %q", table))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		db:           db,
		table:        table,
		queryTimeout: queryTimeout,
		logger:       logger.With("component", "mirror", "table", table),
	}, nil
}

// BuildQuery renders predicates as a parameterised SELECT in the driver's
// bind style. Columns and operators outside the supported set are rejected.
func (m *DB) BuildQuery(preds []model.Predicate) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	for _, p := range preds {
		if _, ok := columns[p.Column]; !ok {
			return "", nil, errors.WrapInvalid(errors.ErrInvalidFilter, "mirror", "BuildQuery", "column "+p.Column)
		}
		op, ok := operators[p.Op]
		if !ok {
			return "", nil, errors.WrapInvalid(errors.ErrInvalidFilter, "mirror", "BuildQuery", "operator "+string(p.Op))
		}
		where = append(where, p.Column+" "+op+" ?")
		args = append(args, p.Value)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectColumns)
	b.WriteString(" FROM ")
	b.WriteString(m.table)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY start_date, no")
	return m.db.Rebind(b.String()), args, nil
}

// QueryTournaments returns the rows matching every predicate. No rows is
// an empty slice, not an error.
func (m *DB) QueryTournaments(ctx context.Context, preds []model.Predicate) ([]model.Tournament, error) {
	query, args, err := m.BuildQuery(preds)
	if err != nil {
		return nil, err
	}
	if m.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.queryTimeout)
		defer cancel()
	}

	rows := []model.Tournament{}
	if err := m.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.WrapTransient(err, "mirror", "QueryTournaments", "select tournaments")
	}
	m.logger.Debug("Mirror query", "predicates", len(preds), "rows", len(rows))
	return rows, nil
}

// EnsureSchema creates the table when it does not exist.
func (m *DB) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + m.table + ` (
		no         TEXT PRIMARY KEY,
		code       TEXT NOT NULL DEFAULT '',
		name       TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL DEFAULT '',
		end_date   TEXT NOT NULL DEFAULT '',
		city       TEXT,
		country    TEXT
	)`
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return errors.WrapFatal(err, "mirror", "EnsureSchema", "create table")
	}
	return nil
}

// Upsert inserts or replaces tournaments by number.
func (m *DB) Upsert(ctx context.Context, tournaments []model.Tournament) error {
	if len(tournaments) == 0 {
		return nil
	}
	query := `INSERT INTO ` + m.table + ` (no, code, name, type, status, start_date, end_date, city, country)
		VALUES (:no, :code, :name, :type, :status, :start_date, :end_date, :city, :country)
		ON CONFLICT (no) DO UPDATE SET
			code = excluded.code, name = excluded.name, type = excluded.type,
			status = excluded.status, start_date = excluded.start_date,
			end_date = excluded.end_date, city = excluded.city, country = excluded.country`

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "mirror", "Upsert", "begin")
	}
	for _, t := range tournaments {
		if _, err := tx.NamedExecContext(ctx, query, t); err != nil {
			_ = tx.Rollback()
			return errors.WrapTransient(err, "mirror", "Upsert", "upsert "+t.No)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "mirror", "Upsert", "commit")
	}
	return nil
}

// Ping checks the connection.
func (m *DB) Ping(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errors.WrapTransient(err, "mirror", "Ping", "ping")
	}
	return nil
}

// Close closes the pool.
func (m *DB) Close() error {
	return m.db.Close()
}
