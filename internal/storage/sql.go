package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/ragmetrics/internal/metrics"
	"github.com/haasonsaas/ragmetrics/internal/observability"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects a store backend and tunes its connection pool.
type Config struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultConfig returns default connection pool settings for a local SQLite file.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		URL:             "file:ragmetrics.db?_pragma=busy_timeout(5000)",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Open returns the store selected by cfg.Driver. SQL stores are pinged
// but not migrated.
func Open(ctx context.Context, cfg Config) (AnalysisStore, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemoryAnalysisStore(), nil
	case DriverSQLite, DriverPostgres:
		return OpenSQL(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Migrate applies pending schema migrations when store is SQL-backed.
func Migrate(ctx context.Context, store AnalysisStore) ([]string, error) {
	if s, ok := store.(*SQLAnalysisStore); ok {
		return s.Migrate(ctx)
	}
	return nil, nil
}

type dialect struct {
	name     string
	numbered bool
	noLimit  string
	schema   string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:    DriverSQLite,
		noLimit: "-1",
		schema: `CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			file_name TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			uploaded_at DATETIME NOT NULL,
			file_size INTEGER NOT NULL,
			result TEXT NOT NULL
		)`,
	},
	DriverPostgres: {
		name:     DriverPostgres,
		numbered: true,
		noLimit:  "ALL",
		schema: `CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			file_name TEXT NOT NULL,
			row_count INTEGER NOT NULL,
			uploaded_at TIMESTAMPTZ NOT NULL,
			file_size BIGINT NOT NULL,
			result JSONB NOT NULL
		)`,
	},
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type migration struct {
	id string
	up func(d dialect) string
}

var migrations = []migration{
	{id: "0001_create_analyses", up: func(d dialect) string { return d.schema }},
	{id: "0002_index_analyses_created_at", up: func(dialect) string {
		return `CREATE INDEX IF NOT EXISTS idx_analyses_created_at ON analyses (created_at)`
	}},
}

// SQLAnalysisStore stores analyses in SQLite or Postgres. The metrics
// result is kept as a JSON document.
type SQLAnalysisStore struct {
	db      *sql.DB
	dialect dialect
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

var _ AnalysisStore = (*SQLAnalysisStore)(nil)

// OpenSQL opens and pings a SQL-backed store.
func OpenSQL(ctx context.Context, cfg Config) (*SQLAnalysisStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	defaults := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	db, err := sql.Open(d.name, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	if d.name == DriverSQLite && strings.Contains(cfg.URL, ":memory:") {
		// Every connection to :memory: opens a separate database.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := newSQLStore(db, d)
	store.metrics = cfg.Metrics
	store.tracer = cfg.Tracer
	return store, nil
}

func newSQLStore(db *sql.DB, d dialect) *SQLAnalysisStore {
	return &SQLAnalysisStore{db: db, dialect: d}
}

// Migrate creates the schema. It is safe to run repeatedly and returns
// the IDs of the migrations it applied.
func (s *SQLAnalysisStore) Migrate(ctx context.Context) ([]string, error) {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan migration id: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	rows.Close()

	appliedIDs := []string{}
	for _, m := range migrations {
		if applied[m.id] {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return appliedIDs, fmt.Errorf("begin migration %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, m.up(s.dialect)); err != nil {
			_ = tx.Rollback()
			return appliedIDs, fmt.Errorf("apply migration %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`),
			m.id, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return appliedIDs, fmt.Errorf("record migration %s: %w", m.id, err)
		}
		if err := tx.Commit(); err != nil {
			return appliedIDs, fmt.Errorf("commit migration %s: %w", m.id, err)
		}
		appliedIDs = append(appliedIDs, m.id)
	}
	return appliedIDs, nil
}

// observe starts a span for a store operation and returns a func that
// records its outcome.
func (s *SQLAnalysisStore) observe(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := s.tracer.TraceStoreQuery(ctx, op, "analyses")
	start := time.Now()
	return ctx, func(err error) {
		status := "success"
		if err != nil && !errors.Is(err, ErrNotFound) {
			status = "error"
			s.tracer.RecordError(span, err)
		}
		s.metrics.RecordStoreQuery(op, status, time.Since(start).Seconds())
		span.End()
	}
}

const analysisColumns = `id, name, created_at, file_name, row_count, uploaded_at, file_size, result`

func (s *SQLAnalysisStore) Create(ctx context.Context, analysis *Analysis) (err error) {
	if err := analysis.validate(); err != nil {
		return err
	}
	ctx, done := s.observe(ctx, "insert")
	defer func() { done(err) }()

	result, err := json.Marshal(analysis.Result)
	if err != nil {
		return fmt.Errorf("marshal analysis result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO analyses (`+analysisColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		analysis.ID,
		analysis.Name,
		analysis.CreatedAt.UTC(),
		analysis.Dataset.FileName,
		analysis.Dataset.RowCount,
		analysis.Dataset.UploadedAt.UTC(),
		analysis.Dataset.FileSize,
		string(result),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create analysis: %w", err)
	}
	return nil
}

func (s *SQLAnalysisStore) Get(ctx context.Context, id string) (analysis *Analysis, err error) {
	if id == "" {
		return nil, ErrNotFound
	}
	ctx, done := s.observe(ctx, "select")
	defer func() { done(err) }()

	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT `+analysisColumns+` FROM analyses WHERE id = ?`), id)
	analysis, err = scanAnalysis(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	return analysis, nil
}

func (s *SQLAnalysisStore) List(ctx context.Context, limit, offset int) (analyses []*Analysis, total int, err error) {
	ctx, done := s.observe(ctx, "list")
	defer func() { done(err) }()

	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM analyses`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}

	args := []any{}
	var query strings.Builder
	query.WriteString(`SELECT ` + analysisColumns + ` FROM analyses ORDER BY created_at DESC, id ASC`)
	if limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}
	if offset > 0 {
		if limit <= 0 {
			query.WriteString(` LIMIT ` + s.dialect.noLimit)
		}
		query.WriteString(` OFFSET ?`)
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query.String()), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	analyses = []*Analysis{}
	for rows.Next() {
		analysis, err := scanAnalysis(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan analysis: %w", err)
		}
		analyses = append(analyses, analysis)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list analyses: %w", err)
	}
	return analyses, total, nil
}

func (s *SQLAnalysisStore) Delete(ctx context.Context, id string) (err error) {
	if id == "" {
		return ErrNotFound
	}
	ctx, done := s.observe(ctx, "delete")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM analyses WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLAnalysisStore) PruneBefore(ctx context.Context, t time.Time) (n int, err error) {
	ctx, done := s.observe(ctx, "prune")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM analyses WHERE created_at < ?`), t.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune analyses: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune analyses: %w", err)
	}
	return int(affected), nil
}

func (s *SQLAnalysisStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLAnalysisStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row scanner) (*Analysis, error) {
	var analysis Analysis
	var createdAt, uploadedAt sqlTime
	var result []byte
	if err := row.Scan(
		&analysis.ID,
		&analysis.Name,
		&createdAt,
		&analysis.Dataset.FileName,
		&analysis.Dataset.RowCount,
		&uploadedAt,
		&analysis.Dataset.FileSize,
		&result,
	); err != nil {
		return nil, err
	}
	analysis.CreatedAt = createdAt.Time
	analysis.Dataset.UploadedAt = uploadedAt.Time

	analysis.Result = &metrics.Result{}
	if err := json.Unmarshal(result, analysis.Result); err != nil {
		return nil, fmt.Errorf("unmarshal analysis result: %w", err)
	}
	return &analysis, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// sqlTime scans timestamps that drivers return as time.Time or text.
type sqlTime struct {
	Time time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (t *sqlTime) parse(s string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}
