// Package store provides the durable Postgres-backed profile store: the
// bulk persona's adaptive rate override (so it survives a worker restart)
// and a rolling log of completed session summaries for the stats history
// view.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	"github.com/librenet/bufferbloat-test/internal/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// NewPool creates a pgxpool connection pool from a config.Postgres struct.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}

// RunMigrations applies all pending goose migrations from the embedded SQL files.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// ProfileOverride is a persisted adaptive-rate adjustment for one persona,
// read once at worker startup and written on every accepted
// /update-profile call.
type ProfileOverride struct {
	Persona      string
	DownloadMbps float64
	UploadMbps   float64
	UpdatedAt    time.Time
}

// SessionSummary is a persisted record of one completed session, written
// best-effort by the scheduler's cleanup phase.
type SessionSummary struct {
	SessionID             string
	Persona               string
	WorkerPort            int
	StartedAt             time.Time
	EndedAt               time.Time
	BytesSent             int64
	BytesReceived         int64
	PeakLatencyIncreaseMs float64
	CloseReason           string
}

// Store wraps a pgxpool.Pool with the profile-override and
// session-summary operations.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// GetProfileOverride returns the persisted override for persona, or
// (ProfileOverride{}, false, nil) if none has ever been written.
func (s *Store) GetProfileOverride(ctx context.Context, persona string) (ProfileOverride, bool, error) {
	var o ProfileOverride
	row := s.pool.QueryRow(ctx,
		`SELECT persona, download_mbps, upload_mbps, updated_at FROM profile_overrides WHERE persona = $1`,
		persona)
	err := row.Scan(&o.Persona, &o.DownloadMbps, &o.UploadMbps, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProfileOverride{}, false, nil
	}
	if err != nil {
		return ProfileOverride{}, false, fmt.Errorf("store: get profile override: %w", err)
	}
	return o, true, nil
}

// UpsertProfileOverride writes o, replacing any previous override for the
// same persona.
func (s *Store) UpsertProfileOverride(ctx context.Context, o ProfileOverride) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profile_overrides (persona, download_mbps, upload_mbps, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (persona) DO UPDATE
		SET download_mbps = EXCLUDED.download_mbps,
		    upload_mbps = EXCLUDED.upload_mbps,
		    updated_at = EXCLUDED.updated_at`,
		o.Persona, o.DownloadMbps, o.UploadMbps, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert profile override: %w", err)
	}
	return nil
}

// InsertSessionSummary records one completed session. Callers treat a
// failure as non-fatal: the cleanup phase logs and drops it rather than
// blocking session teardown on store availability.
func (s *Store) InsertSessionSummary(ctx context.Context, sum SessionSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_summaries
			(session_id, persona, worker_port, started_at, ended_at,
			 bytes_sent, bytes_received, peak_latency_increase_ms, close_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO NOTHING`,
		sum.SessionID, sum.Persona, sum.WorkerPort, sum.StartedAt, sum.EndedAt,
		sum.BytesSent, sum.BytesReceived, sum.PeakLatencyIncreaseMs, sum.CloseReason)
	if err != nil {
		return fmt.Errorf("store: insert session summary: %w", err)
	}
	return nil
}

// RecentSessionSummaries returns the most recent limit summaries for
// persona, newest first. If persona is empty, summaries for every
// persona are returned.
func (s *Store) RecentSessionSummaries(ctx context.Context, persona string, limit int) ([]SessionSummary, error) {
	var rows pgx.Rows
	var err error
	if persona == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT session_id, persona, worker_port, started_at, ended_at,
			       bytes_sent, bytes_received, peak_latency_increase_ms, close_reason
			FROM session_summaries
			ORDER BY ended_at DESC
			LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT session_id, persona, worker_port, started_at, ended_at,
			       bytes_sent, bytes_received, peak_latency_increase_ms, close_reason
			FROM session_summaries
			WHERE persona = $1
			ORDER BY ended_at DESC
			LIMIT $2`, persona, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: query session summaries: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.Persona, &sum.WorkerPort, &sum.StartedAt, &sum.EndedAt,
			&sum.BytesSent, &sum.BytesReceived, &sum.PeakLatencyIncreaseMs, &sum.CloseReason); err != nil {
			return nil, fmt.Errorf("store: scan session summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate session summaries: %w", err)
	}
	return out, nil
}
