package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hamed0406/uptimewatch/internal/apperror"
	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

// FindUnresolvedAlert returns the unresolved alert for (target, kind). More
// than one row is reported as an invariant violation rather than picking one.
func (s *Store) FindUnresolvedAlert(ctx context.Context, id domain.TargetID, kind domain.AlertKind) (*domain.Alert, error) {
	const q = `
		SELECT id, opened_at
		  FROM alerts
		 WHERE target_id = $1 AND kind = $2 AND status = 'unresolved'
		 LIMIT 2`
	rows, err := s.pool.Query(ctx, q, string(id), string(kind))
	if err != nil {
		return nil, apperror.New(apperror.Persistence, "postgres.alerts.find", err)
	}
	defer rows.Close()

	var found []domain.Alert
	for rows.Next() {
		a := domain.Alert{TargetID: id, Kind: kind, Status: domain.AlertUnresolved}
		if err := rows.Scan(&a.ID, &a.OpenedAt); err != nil {
			return nil, apperror.New(apperror.Persistence, "postgres.alerts.scan", err)
		}
		found = append(found, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.New(apperror.Persistence, "postgres.alerts.find", err)
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, apperror.New(apperror.InvariantViolation, "postgres.alerts.find",
			errors.New("multiple unresolved alerts for target "+string(id)))
	}
}

// CreateAlert inserts an unresolved alert. The partial unique index on
// (target_id, kind) WHERE status='unresolved' turns a racing second insert
// into a no-op, reported as repo.ErrAlertExists.
func (s *Store) CreateAlert(ctx context.Context, a domain.Alert) (domain.Alert, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = domain.AlertUnresolved
	}
	if a.OpenedAt.IsZero() {
		a.OpenedAt = time.Now().UTC()
	}
	const q = `
		INSERT INTO alerts (id, target_id, kind, status, opened_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (target_id, kind) WHERE status = 'unresolved' DO NOTHING
		RETURNING id`
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, q, a.ID, string(a.TargetID), string(a.Kind), string(a.Status), a.OpenedAt).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Alert{}, repo.ErrAlertExists
		}
		return domain.Alert{}, apperror.New(apperror.Persistence, "postgres.alerts.create", err)
	}
	return a, nil
}

// ResolveAlert flips an unresolved alert to resolved. Resolving an alert that
// is missing or already resolved yields repo.ErrAlertNotUnresolved.
func (s *Store) ResolveAlert(ctx context.Context, id uuid.UUID, at time.Time) error {
	const q = `
		UPDATE alerts
		   SET status = 'resolved', resolved_at = $2
		 WHERE id = $1 AND status = 'unresolved'`
	tag, err := s.pool.Exec(ctx, q, id, at)
	if err != nil {
		return apperror.New(apperror.Persistence, "postgres.alerts.resolve", err)
	}
	if tag.RowsAffected() == 0 {
		return repo.ErrAlertNotUnresolved
	}
	return nil
}
