// Package alert turns measurements into alert state transitions while
// keeping at most one unresolved alert per (target, kind).
package alert

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/apperror"
	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

// Result is the verdict for one measurement. Alert is set for Opened and
// Resolved and reflects the stored state after the transition.
type Result struct {
	Transition domain.Transition
	Alert      *domain.Alert
}

// Engine evaluates measurements against the alert store. Lookup and
// mutation for the same (target, kind) run under one in-process lock; the
// store's own uniqueness check covers evaluators in other processes.
type Engine struct {
	store repo.AlertStore
	log   *zap.Logger
	locks keyedMutex
}

func NewEngine(store repo.AlertStore, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: store, log: log}
}

// Evaluate applies the reachability rule to m:
//
//	down, no unresolved alert  -> create one, Opened
//	down, unresolved alert     -> None
//	up,   unresolved alert     -> resolve it, Resolved
//	up,   no unresolved alert  -> None
//
// Storage failures return a persistence error with transition None.
func (e *Engine) Evaluate(ctx context.Context, m domain.Measurement) (Result, error) {
	kind := domain.AlertKindReachability
	unlock := e.locks.Lock(string(m.TargetID) + "|" + string(kind))
	defer unlock()

	open, err := e.store.FindUnresolvedAlert(ctx, m.TargetID, kind)
	if err != nil {
		if apperror.IsKind(err, apperror.InvariantViolation) {
			e.log.Error("alert_invariant_violation",
				zap.String("target_id", string(m.TargetID)),
				zap.String("kind", string(kind)),
				zap.Error(err))
			return Result{Transition: domain.TransitionNone}, err
		}
		return Result{Transition: domain.TransitionNone}, persistence("alert.unresolved.find", err)
	}

	if !m.Up {
		if open != nil {
			return Result{Transition: domain.TransitionNone}, nil
		}
		created, err := e.store.CreateAlert(ctx, domain.Alert{
			TargetID: m.TargetID,
			Kind:     kind,
			Status:   domain.AlertUnresolved,
			OpenedAt: m.CheckedAt,
		})
		if errors.Is(err, repo.ErrAlertExists) {
			// another evaluator opened it first
			e.log.Debug("alert_open_lost_race", zap.String("target_id", string(m.TargetID)))
			return Result{Transition: domain.TransitionNone}, nil
		}
		if err != nil {
			return Result{Transition: domain.TransitionNone}, persistence("alert.create", err)
		}
		e.log.Info("alert_opened",
			zap.String("target_id", string(m.TargetID)),
			zap.String("alert_id", created.ID.String()),
			zap.String("reason", m.Reason))
		return Result{Transition: domain.TransitionOpened, Alert: &created}, nil
	}

	if open == nil {
		return Result{Transition: domain.TransitionNone}, nil
	}
	if err := e.store.ResolveAlert(ctx, open.ID, m.CheckedAt); err != nil {
		if errors.Is(err, repo.ErrAlertNotUnresolved) {
			e.log.Debug("alert_resolve_lost_race", zap.String("target_id", string(m.TargetID)))
			return Result{Transition: domain.TransitionNone}, nil
		}
		return Result{Transition: domain.TransitionNone}, persistence("alert.resolve", err)
	}
	resolved := *open
	resolved.Status = domain.AlertResolved
	at := m.CheckedAt
	resolved.ResolvedAt = &at
	e.log.Info("alert_resolved",
		zap.String("target_id", string(m.TargetID)),
		zap.String("alert_id", resolved.ID.String()))
	return Result{Transition: domain.TransitionResolved, Alert: &resolved}, nil
}

func persistence(op string, err error) error {
	var ae *apperror.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperror.New(apperror.Persistence, op, err)
}
