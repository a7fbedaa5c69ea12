package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	DSN             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPostgresConfig returns pool defaults. DSN must still be set.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Validate checks the pool settings.
func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return errors.New("postgres dsn is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be between 0 and max open conns")
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	caller_id      TEXT NOT NULL,
	preset         TEXT NOT NULL DEFAULT '',
	construct_name TEXT NOT NULL,
	fingerprint    TEXT NOT NULL,
	mode           TEXT NOT NULL,
	status         TEXT NOT NULL,
	outcome        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS runs_fingerprint_idx ON runs (fingerprint, created_at DESC);
CREATE INDEX IF NOT EXISTS runs_caller_idx ON runs (caller_id, created_at DESC);

CREATE TABLE IF NOT EXISTS rounds (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	round      INTEGER NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, round)
);

CREATE TABLE IF NOT EXISTS research_cache (
	fingerprint TEXT PRIMARY KEY,
	summary     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT PRIMARY KEY,
	id         TEXT NOT NULL,
	round      INTEGER NOT NULL,
	phase      TEXT NOT NULL,
	state      BYTEA NOT NULL,
	checksum   TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback (
	id         BIGSERIAL PRIMARY KEY,
	run_id     TEXT NOT NULL,
	round      INTEGER NOT NULL,
	source     TEXT NOT NULL,
	decision   TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

// Postgres is a Store backed by PostgreSQL through pgx's database/sql driver.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, pings and ensures the schema exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) SaveRound(ctx context.Context, runID string, round int, rec RoundRecord) error {
	rec.Round = round
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal round: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rounds (run_id, round, data, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, round) DO UPDATE SET data = EXCLUDED.data, created_at = EXCLUDED.created_at`,
		runID, round, data, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save round: %w", err)
	}
	return nil
}

func (p *Postgres) LoadPreviousItems(ctx context.Context, fingerprint string, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT ON (r.id) r.id, r.created_at, rd.data
		FROM runs r JOIN rounds rd ON rd.run_id = r.id
		WHERE r.fingerprint = $1
		ORDER BY r.id, rd.round DESC`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("load previous items: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	latest := make(map[string]*RoundRecord)
	for rows.Next() {
		var (
			run  RunRecord
			data []byte
			rec  RoundRecord
		)
		if err := rows.Scan(&run.ID, &run.CreatedAt, &data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode round: %w", err)
		}
		runs = append(runs, run)
		latest[run.ID] = &rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keptItems(runs, func(runID string) (*RoundRecord, error) {
		if rec, ok := latest[runID]; ok {
			return rec, nil
		}
		return nil, ErrNotFound
	}, limit)
}

func (p *Postgres) GetCachedResearch(ctx context.Context, fingerprint string, ttl time.Duration) (string, bool, error) {
	var (
		summary   string
		createdAt time.Time
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT summary, created_at FROM research_cache WHERE fingerprint = $1`, fingerprint,
	).Scan(&summary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cached research: %w", err)
	}
	if ttl > 0 && time.Since(createdAt) > ttl {
		return "", false, nil
	}
	return summary, true, nil
}

func (p *Postgres) SaveResearch(ctx context.Context, fingerprint, summary string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO research_cache (fingerprint, summary, created_at) VALUES ($1, $2, now())
		ON CONFLICT (fingerprint) DO UPDATE SET summary = EXCLUDED.summary, created_at = EXCLUDED.created_at`,
		fingerprint, summary)
	if err != nil {
		return fmt.Errorf("save research: %w", err)
	}
	return nil
}

func (p *Postgres) CreateRun(ctx context.Context, rec RunRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO runs (id, caller_id, preset, construct_name, fingerprint, mode, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.CallerID, rec.Preset, rec.ConstructName, rec.Fingerprint, rec.Mode, rec.Status, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (p *Postgres) FinishRun(ctx context.Context, runID, status, outcome, errMsg string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE runs SET status = $2, outcome = $3, error = $4, finished_at = now() WHERE id = $1`,
		runID, status, outcome, errMsg)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, caller_id, preset, construct_name, fingerprint, mode, status, outcome, error, created_at, finished_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s rowScanner) (RunRecord, error) {
	var (
		rec      RunRecord
		finished sql.NullTime
	)
	err := s.Scan(&rec.ID, &rec.CallerID, &rec.Preset, &rec.ConstructName, &rec.Fingerprint,
		&rec.Mode, &rec.Status, &rec.Outcome, &rec.Error, &rec.CreatedAt, &finished)
	if finished.Valid {
		rec.FinishedAt = &finished.Time
	}
	return rec, err
}

func (p *Postgres) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	rec, err := scanRun(p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) ListRuns(ctx context.Context, callerID string, offset, limit int) ([]RunRecord, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM runs WHERE $1 = '' OR caller_id = $1`, callerID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}
	if limit <= 0 {
		limit = total
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE $1 = '' OR caller_id = $1
		ORDER BY created_at DESC OFFSET $2 LIMIT $3`, callerID, max(offset, 0), limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (p *Postgres) SaveCheckpoint(ctx context.Context, rec CheckpointRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, id, round, phase, state, checksum, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET id = EXCLUDED.id, round = EXCLUDED.round, phase = EXCLUDED.phase,
			state = EXCLUDED.state, checksum = EXCLUDED.checksum, version = EXCLUDED.version,
			created_at = EXCLUDED.created_at`,
		rec.RunID, rec.ID, rec.Round, rec.Phase, rec.State, rec.Checksum, rec.Version, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (p *Postgres) LoadCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error) {
	var rec CheckpointRecord
	err := p.db.QueryRowContext(ctx, `
		SELECT id, run_id, round, phase, state, checksum, version, created_at
		FROM checkpoints WHERE run_id = $1`, runID,
	).Scan(&rec.ID, &rec.RunID, &rec.Round, &rec.Phase, &rec.State, &rec.Checksum, &rec.Version, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) SaveFeedback(ctx context.Context, runID string, rec FeedbackRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO feedback (run_id, round, source, decision, text, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		runID, rec.Round, rec.Source, rec.Decision, rec.Text, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save feedback: %w", err)
	}
	return nil
}

func (p *Postgres) ListFeedback(ctx context.Context, runID string) ([]FeedbackRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT round, source, decision, text, created_at FROM feedback WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()
	var out []FeedbackRecord
	for rows.Next() {
		var rec FeedbackRecord
		if err := rows.Scan(&rec.Round, &rec.Source, &rec.Decision, &rec.Text, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
