package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/apperror"
	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

var (
	_ repo.TargetStore     = (*Store)(nil)
	_ repo.MeasurementSink = (*Store)(nil)
	_ repo.AlertStore      = (*Store)(nil)
	_ repo.OwnerDirectory  = (*Store)(nil)
	_ repo.TargetMirror    = (*Store)(nil)
)

//go:embed schema.sql
var schemaSQL string

type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, opts Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperror.New(apperror.Config, "postgres.pool.parse", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	log.Info("postgres_connected",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns))
	return &Store{pool: pool, log: log}, nil
}

// EnsureSchema creates the tables and indexes the store relies on when they
// are missing. It never alters existing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return apperror.New(apperror.Persistence, "postgres.schema.ensure", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ---- TargetStore ----

func (s *Store) ListTargets(ctx context.Context) ([]domain.Target, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, url, owner_id, interval_seconds, created_at
		   FROM targets
		  ORDER BY created_at, id`)
	if err != nil {
		return nil, apperror.New(apperror.Persistence, "postgres.targets.list", err)
	}
	defer rows.Close()

	var out []domain.Target
	for rows.Next() {
		var (
			t  domain.Target
			id string
		)
		if err := rows.Scan(&id, &t.Name, &t.URL, &t.OwnerID, &t.IntervalSeconds, &t.CreatedAt); err != nil {
			return nil, apperror.New(apperror.Persistence, "postgres.targets.scan", err)
		}
		t.ID = domain.TargetID(id)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.New(apperror.Persistence, "postgres.targets.list", err)
	}
	return out, nil
}

// PutTarget upserts a target. Used by the preflight seed and tests; target
// management proper belongs to the registration API.
func (s *Store) PutTarget(ctx context.Context, t domain.Target) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.IntervalSeconds == 0 {
		t.IntervalSeconds = domain.DefaultIntervalSeconds
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO targets (id, name, url, owner_id, interval_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		    SET name = EXCLUDED.name,
		        url = EXCLUDED.url,
		        owner_id = EXCLUDED.owner_id,
		        interval_seconds = EXCLUDED.interval_seconds`,
		string(t.ID), t.Name, t.URL, t.OwnerID, t.IntervalSeconds, t.CreatedAt,
	)
	if err != nil {
		return apperror.New(apperror.Persistence, "postgres.targets.put", err)
	}
	return nil
}

// SyncTargets upserts owners and targets from an external list in one
// transaction. Rows for targets missing from the list are kept so their
// history and alerts survive an edit.
func (s *Store) SyncTargets(ctx context.Context, owners map[string]string, targets []domain.Target) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperror.New(apperror.Persistence, "postgres.targets.sync.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b := &pgx.Batch{}
	for id, email := range owners {
		b.Queue(`INSERT INTO users (id, email) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email`, id, email)
	}
	now := time.Now().UTC()
	for _, t := range targets {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.IntervalSeconds == 0 {
			t.IntervalSeconds = domain.DefaultIntervalSeconds
		}
		b.Queue(`INSERT INTO targets (id, name, url, owner_id, interval_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		    SET name = EXCLUDED.name,
		        url = EXCLUDED.url,
		        owner_id = EXCLUDED.owner_id,
		        interval_seconds = EXCLUDED.interval_seconds`,
			string(t.ID), t.Name, t.URL, t.OwnerID, t.IntervalSeconds, t.CreatedAt)
	}
	if b.Len() > 0 {
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return apperror.New(apperror.Persistence, "postgres.targets.sync", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.New(apperror.Persistence, "postgres.targets.sync.commit", err)
	}
	s.log.Info("targets_synced", zap.Int("targets", len(targets)), zap.Int("owners", len(owners)))
	return nil
}

// ---- MeasurementSink ----

// SaveMeasurements writes the whole batch with COPY inside one transaction, so
// a cycle's measurements land together or not at all.
func (s *Store) SaveMeasurements(ctx context.Context, batch []domain.Measurement) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperror.New(apperror.Persistence, "postgres.measurements.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows := make([][]any, 0, len(batch))
	for _, m := range batch {
		var status *int
		if m.StatusCode != 0 {
			code := m.StatusCode
			status = &code
		}
		rows = append(rows, []any{string(m.TargetID), m.Up, status, m.LatencyMS, m.Reason, m.CheckedAt})
	}
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"measurements"},
		[]string{"target_id", "up", "status_code", "latency_ms", "reason", "checked_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return apperror.New(apperror.Persistence, "postgres.measurements.copy", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return apperror.New(apperror.Persistence, "postgres.measurements.commit", err)
	}
	s.log.Debug("measurements_saved", zap.Int64("rows", n))
	return nil
}

// LatestMeasurement returns the newest measurement for a target, or nil.
func (s *Store) LatestMeasurement(ctx context.Context, id domain.TargetID) (*domain.Measurement, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT up, status_code, latency_ms, reason, checked_at
		   FROM measurements
		  WHERE target_id = $1
		  ORDER BY checked_at DESC
		  LIMIT 1`, string(id))
	m := domain.Measurement{TargetID: id}
	var status *int
	if err := row.Scan(&m.Up, &status, &m.LatencyMS, &m.Reason, &m.CheckedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.New(apperror.Persistence, "postgres.measurements.latest", err)
	}
	if status != nil {
		m.StatusCode = *status
	}
	return &m, nil
}

// ---- OwnerDirectory ----

func (s *Store) ContactFor(ctx context.Context, ownerID string) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, ownerID).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repo.ErrOwnerNotFound
		}
		return "", apperror.New(apperror.Persistence, "postgres.users.contact", err)
	}
	if email == "" {
		return "", repo.ErrOwnerNotFound
	}
	return email, nil
}

// PutOwner upserts an owner contact.
func (s *Store) PutOwner(ctx context.Context, ownerID, email string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email`, ownerID, email)
	if err != nil {
		return apperror.New(apperror.Persistence, "postgres.users.put", err)
	}
	return nil
}
