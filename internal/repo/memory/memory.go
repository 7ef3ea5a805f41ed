package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

var (
	_ repo.TargetStore     = (*Store)(nil)
	_ repo.MeasurementSink = (*Store)(nil)
	_ repo.AlertStore      = (*Store)(nil)
	_ repo.OwnerDirectory  = (*Store)(nil)
)

// Store keeps targets, measurements, alerts and owner contacts in process
// memory. Alert creation checks for an existing unresolved alert under the
// write lock, so the one-unresolved-per-target rule holds here too.
type Store struct {
	mu           sync.RWMutex
	targets      map[domain.TargetID]domain.Target
	measurements []domain.Measurement
	alerts       map[uuid.UUID]domain.Alert
	contacts     map[string]string
}

func New() *Store {
	return &Store{
		targets:      make(map[domain.TargetID]domain.Target),
		measurements: make([]domain.Measurement, 0, 128),
		alerts:       make(map[uuid.UUID]domain.Alert),
		contacts:     make(map[string]string),
	}
}

// ---- targets (collaborator side) ----

func (m *Store) PutTarget(t domain.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = domain.TargetID(time.Now().UTC().Format("20060102T150405.000000000"))
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.IntervalSeconds == 0 {
		t.IntervalSeconds = domain.DefaultIntervalSeconds
	}
	m.targets[t.ID] = t
}

func (m *Store) DeleteTarget(id domain.TargetID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.targets, id)
}

func (m *Store) ListTargets(ctx context.Context) ([]domain.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- measurements ----

func (m *Store) SaveMeasurements(ctx context.Context, batch []domain.Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.measurements = append(m.measurements, batch...)
	return nil
}

// Measurements returns a copy of every saved measurement for id, oldest first.
func (m *Store) Measurements(id domain.TargetID) []domain.Measurement {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Measurement
	for _, ms := range m.measurements {
		if ms.TargetID == id {
			out = append(out, ms)
		}
	}
	return out
}

// ---- alerts ----

func (m *Store) FindUnresolvedAlert(ctx context.Context, id domain.TargetID, kind domain.AlertKind) (*domain.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.unresolvedLocked(id, kind); ok {
		return &a, nil
	}
	return nil, nil
}

func (m *Store) unresolvedLocked(id domain.TargetID, kind domain.AlertKind) (domain.Alert, bool) {
	for _, a := range m.alerts {
		if a.TargetID == id && a.Kind == kind && a.Status == domain.AlertUnresolved {
			return a, true
		}
	}
	return domain.Alert{}, false
}

func (m *Store) CreateAlert(ctx context.Context, a domain.Alert) (domain.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Status == "" {
		a.Status = domain.AlertUnresolved
	}
	if a.Status == domain.AlertUnresolved {
		if _, exists := m.unresolvedLocked(a.TargetID, a.Kind); exists {
			return domain.Alert{}, repo.ErrAlertExists
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.alerts[a.ID] = a
	return a, nil
}

func (m *Store) ResolveAlert(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Status != domain.AlertUnresolved {
		return repo.ErrAlertNotUnresolved
	}
	a.Status = domain.AlertResolved
	resolved := at
	a.ResolvedAt = &resolved
	m.alerts[id] = a
	return nil
}

// Alerts returns every alert recorded for id ordered by opening time.
func (m *Store) Alerts(id domain.TargetID) []domain.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Alert
	for _, a := range m.alerts {
		if a.TargetID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ---- owners ----

func (m *Store) SetContact(ownerID, contact string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[ownerID] = contact
}

func (m *Store) ContactFor(ctx context.Context, ownerID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contacts[ownerID]
	if !ok || c == "" {
		return "", repo.ErrOwnerNotFound
	}
	return c, nil
}
