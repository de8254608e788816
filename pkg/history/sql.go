package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/vyvo/forge/bridge/pkg/training"
)

// Dialect selects the SQL driver.
type Dialect string

const (
	Postgres Dialect = "pgx"
	SQLite   Dialect = "sqlite"
)

// SQLStore persists runs and events to Postgres or SQLite. Times are
// stored as unix milliseconds so both drivers scan them the same way.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewPostgresStore connects to Postgres and creates the tables if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open(string(Postgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	return newSQLStore(ctx, db, Postgres)
}

// NewSQLiteStore opens (or creates) a SQLite database file.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open(string(SQLite), dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, SQLite)
}

func newSQLStore(ctx context.Context, db *sql.DB, d Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	serial := "BIGSERIAL PRIMARY KEY"
	if s.dialect == SQLite {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS training_runs (
    id TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    config TEXT,
    status TEXT NOT NULL,
    step BIGINT NOT NULL,
    total_steps BIGINT NOT NULL,
    last_loss DOUBLE PRECISION NOT NULL,
    exit_code BIGINT,
    error TEXT,
    started_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    finished_at BIGINT
)`,
		`CREATE TABLE IF NOT EXISTS training_run_events (
    id ` + serial + `,
    run_id TEXT NOT NULL REFERENCES training_runs(id) ON DELETE CASCADE,
    seq BIGINT NOT NULL,
    created_at BIGINT NOT NULL,
    payload TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS training_run_events_run ON training_run_events (run_id, seq)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// rebind turns ? placeholders into $N for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
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

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *SQLStore) Save(ctx context.Context, run Run) error {
	var cfg sql.NullString
	if run.Config != nil {
		raw, err := json.Marshal(run.Config)
		if err != nil {
			return fmt.Errorf("encode run config: %w", err)
		}
		cfg = sql.NullString{String: string(raw), Valid: true}
	}
	var exitCode, finished sql.NullInt64
	if run.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*run.ExitCode), Valid: true}
	}
	if run.FinishedAt != nil {
		finished = sql.NullInt64{Int64: millis(*run.FinishedAt), Valid: true}
	}
	query := `INSERT INTO training_runs (id, provider, model, config, status, step, total_steps, last_loss, exit_code, error, started_at, updated_at, finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET
    provider = EXCLUDED.provider,
    model = EXCLUDED.model,
    config = EXCLUDED.config,
    status = EXCLUDED.status,
    step = EXCLUDED.step,
    total_steps = EXCLUDED.total_steps,
    last_loss = EXCLUDED.last_loss,
    exit_code = EXCLUDED.exit_code,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at,
    finished_at = EXCLUDED.finished_at`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		run.ID,
		string(run.Provider),
		run.Model,
		cfg,
		string(run.Status),
		run.Step,
		run.TotalSteps,
		run.LastLoss,
		exitCode,
		run.Error,
		millis(run.StartedAt),
		millis(run.UpdatedAt),
		finished,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, id string, e Entry) error {
	payload, err := json.Marshal(e.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO training_run_events (run_id, seq, created_at, payload) VALUES (?,?,?,?)`),
		id, e.Seq, millis(e.Time), string(payload))
	if err != nil {
		return fmt.Errorf("append event to %s: %w", id, err)
	}
	return nil
}

const runColumns = `id, provider, model, config, status, step, total_steps, last_loss, exit_code, error, started_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                  Run
		provider, status   string
		cfg, errMsg        sql.NullString
		exitCode, finished sql.NullInt64
		started, updated   int64
	)
	if err := row.Scan(&r.ID, &provider, &r.Model, &cfg, &status, &r.Step, &r.TotalSteps, &r.LastLoss, &exitCode, &errMsg, &started, &updated, &finished); err != nil {
		return Run{}, err
	}
	r.Provider = training.Provider(provider)
	r.Status = Status(status)
	r.StartedAt = fromMillis(started)
	r.UpdatedAt = fromMillis(updated)
	if cfg.Valid {
		var c training.Config
		if err := json.Unmarshal([]byte(cfg.String), &c); err != nil {
			return Run{}, fmt.Errorf("decode run config: %w", err)
		}
		r.Config = &c
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		r.ExitCode = &code
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	if finished.Valid {
		t := fromMillis(finished.Int64)
		r.FinishedAt = &t
	}
	return r, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM training_runs WHERE id=?`), id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+runColumns+` FROM training_runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLStore) Events(ctx context.Context, id string, limit int) ([]Entry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	query := `SELECT seq, created_at, payload FROM training_run_events WHERE run_id=? ORDER BY seq ASC`
	args := []any{id}
	if limit > 0 {
		query = `SELECT seq, created_at, payload FROM (
			SELECT seq, created_at, payload FROM training_run_events WHERE run_id=? ORDER BY seq DESC LIMIT ?
		) AS tail ORDER BY seq ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list events of %s: %w", id, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
			payload string
		)
		if err := rows.Scan(&e.Seq, &created, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		e.Time = fromMillis(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
