package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hamed0406/uptimewatch/internal/domain"
)

var (
	// ErrAlertExists is returned by CreateAlert when an unresolved alert of the
	// same kind already exists for the target.
	ErrAlertExists = errors.New("unresolved alert already exists")
	// ErrAlertNotUnresolved is returned by ResolveAlert when the alert is missing
	// or was already resolved.
	ErrAlertNotUnresolved = errors.New("alert is not unresolved")
	// ErrOwnerNotFound is returned by ContactFor when the owner has no contact.
	ErrOwnerNotFound = errors.New("owner not found")
)

// Ports (interfaces) the monitoring core consumes. Adapters live in sub-packages.

// TargetStore supplies the current set of monitored targets.
type TargetStore interface {
	ListTargets(ctx context.Context) ([]domain.Target, error)
}

// MeasurementSink persists one cycle's measurements as a batch.
type MeasurementSink interface {
	SaveMeasurements(ctx context.Context, batch []domain.Measurement) error
}

// AlertStore persists alert state. Implementations must reject a second
// unresolved alert for the same (target, kind) with ErrAlertExists.
type AlertStore interface {
	// FindUnresolvedAlert returns nil, nil when no unresolved alert exists.
	FindUnresolvedAlert(ctx context.Context, id domain.TargetID, kind domain.AlertKind) (*domain.Alert, error)
	CreateAlert(ctx context.Context, a domain.Alert) (domain.Alert, error)
	ResolveAlert(ctx context.Context, id uuid.UUID, at time.Time) error
}

// OwnerDirectory resolves the opaque owner reference of a target to a
// notification recipient.
type OwnerDirectory interface {
	ContactFor(ctx context.Context, ownerID string) (string, error)
}

// TargetMirror receives every snapshot of an external target list so that
// stores keyed on target ids hold a row for each one before it is probed.
type TargetMirror interface {
	SyncTargets(ctx context.Context, owners map[string]string, targets []domain.Target) error
}
