package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hamed0406/uptimewatch/internal/alert"
	"github.com/hamed0406/uptimewatch/internal/apperror"
	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/lease"
	"github.com/hamed0406/uptimewatch/internal/metrics"
	"github.com/hamed0406/uptimewatch/internal/probe"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultConcurrency = 10
)

// Evaluator decides the alert transition for one measurement.
type Evaluator interface {
	Evaluate(ctx context.Context, m domain.Measurement) (alert.Result, error)
}

// Notifier accepts transitions for asynchronous delivery.
type Notifier interface {
	Notify(recipient string, tr domain.Transition, t domain.Target, latest domain.Measurement)
}

type Deps struct {
	Logger   *zap.Logger
	Targets  repo.TargetStore
	Sink     repo.MeasurementSink
	Prober   probe.Prober
	Engine   Evaluator
	Notifier Notifier
	// Owners resolves recipients; nil sends everything to DefaultRecipient.
	Owners repo.OwnerDirectory
	// Lease coordinates replicas; nil means lease.Local.
	Lease   lease.Lease
	Metrics *metrics.Metrics
}

type Config struct {
	Interval    time.Duration
	Concurrency int
	// LeaseTTL bounds how long a crashed replica can hold the cycle slot.
	// Defaults to Interval.
	LeaseTTL         time.Duration
	DefaultRecipient string
}

// CycleReport summarizes one completed cycle.
type CycleReport struct {
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	DurationMS     int64     `json:"duration_ms"`
	Targets        int       `json:"targets"`
	InvalidTargets int       `json:"invalid_targets"`
	Up             int       `json:"up"`
	Down           int       `json:"down"`
	Opened         int       `json:"opened"`
	Resolved       int       `json:"resolved"`
	EvalErrors     int       `json:"eval_errors"`
	ListFailed     bool      `json:"list_failed,omitempty"`
	PersistFailed  bool      `json:"persist_failed,omitempty"`
}

// Scheduler runs monitoring cycles on a fixed tick. A tick that arrives
// while a cycle is still running is dropped, never queued.
type Scheduler struct {
	log      *zap.Logger
	targets  repo.TargetStore
	sink     repo.MeasurementSink
	prober   probe.Prober
	engine   Evaluator
	notifier Notifier
	owners   repo.OwnerDirectory
	lease    lease.Lease
	metrics  *metrics.Metrics
	cfg      Config

	running atomic.Bool
	cycles  atomic.Int64
	skipped atomic.Int64
	wg      sync.WaitGroup

	mu   sync.RWMutex
	last *CycleReport
}

func New(d Deps, cfg Config) *Scheduler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Lease == nil {
		d.Lease = lease.Local{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.Interval
	}
	return &Scheduler{
		log:      d.Logger,
		targets:  d.Targets,
		sink:     d.Sink,
		prober:   d.Prober,
		engine:   d.Engine,
		notifier: d.Notifier,
		owners:   d.Owners,
		lease:    d.Lease,
		metrics:  d.Metrics,
		cfg:      cfg,
	}
}

// Run ticks until ctx is cancelled, starting with an immediate pass. On
// shutdown it waits for an in-flight cycle to finish.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	s.log.Info("scheduler_started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("concurrency", s.cfg.Concurrency))

	s.spawnTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("scheduler_stopped",
				zap.Int64("cycles", s.cycles.Load()),
				zap.Int64("skipped", s.skipped.Load()))
			return
		case <-t.C:
			s.spawnTick(ctx)
		}
	}
}

func (s *Scheduler) spawnTick(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx)
	}()
}

// Tick runs one cycle unless one is already running here or another
// replica holds the lease. It reports whether a cycle ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.metrics.CycleSkipped("skipped_busy")
		s.log.Warn("cycle_skipped", zap.String("reason", "previous_cycle_running"))
		return false
	}
	defer s.running.Store(false)

	release, ok, err := s.lease.Acquire(ctx, s.cfg.LeaseTTL)
	if err != nil {
		s.skipped.Add(1)
		s.metrics.CycleSkipped("skipped_lease")
		s.log.Warn("cycle_skipped", zap.String("reason", "lease_error"), zap.Error(err))
		return false
	}
	if !ok {
		s.skipped.Add(1)
		s.metrics.CycleSkipped("skipped_lease")
		s.log.Debug("cycle_skipped", zap.String("reason", "lease_held_elsewhere"))
		return false
	}

	// a started cycle runs to completion; shutdown only stops new ticks
	cycleCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := release(cycleCtx); err != nil {
			s.log.Warn("lease_release_failed", zap.Error(err))
		}
	}()

	s.RunCycle(cycleCtx)
	return true
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

func (s *Scheduler) Cycles() int64  { return s.cycles.Load() }
func (s *Scheduler) Skipped() int64 { return s.skipped.Load() }

// LastReport returns the most recent cycle report; ok is false before the
// first cycle finishes.
func (s *Scheduler) LastReport() (CycleReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return CycleReport{}, false
	}
	return *s.last, true
}

// RunCycle performs one full pass: snapshot, probe, persist, evaluate,
// notify. Callers must not run it concurrently with itself; Tick
// guarantees that.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	rep := CycleReport{StartedAt: time.Now().UTC()}
	defer func() {
		rep.FinishedAt = time.Now().UTC()
		rep.DurationMS = rep.FinishedAt.Sub(rep.StartedAt).Milliseconds()
		s.cycles.Add(1)
		s.metrics.CycleCompleted(rep.Targets, rep.FinishedAt.Sub(rep.StartedAt))
		s.mu.Lock()
		r := rep
		s.last = &r
		s.mu.Unlock()
	}()

	snapshot, err := s.targets.ListTargets(ctx)
	if err != nil {
		rep.ListFailed = true
		s.log.Error("cycle_list_targets_failed", zap.Error(err))
		return rep
	}
	targets := make([]domain.Target, 0, len(snapshot))
	for _, t := range snapshot {
		if err := t.Validate(); err != nil {
			rep.InvalidTargets++
			s.log.Warn("cycle_target_invalid", zap.String("target_id", string(t.ID)), zap.Error(err))
			continue
		}
		targets = append(targets, t)
	}
	rep.Targets = len(targets)
	if len(targets) == 0 {
		s.log.Debug("cycle_no_targets")
		return rep
	}

	measurements := s.probeAll(ctx, targets)
	for _, m := range measurements {
		s.metrics.ProbeObserved(m.Up, m.LatencyMS)
		if m.Up {
			rep.Up++
		} else {
			rep.Down++
		}
	}

	if err := s.sink.SaveMeasurements(ctx, measurements); err != nil {
		rep.PersistFailed = true
		s.metrics.PersistFailed()
		if !apperror.IsKind(err, apperror.Persistence) {
			err = apperror.New(apperror.Persistence, "scheduler.measurements.save", err)
		}
		s.log.Error("cycle_persist_failed", zap.Int("measurements", len(measurements)), zap.Error(err))
	}

	results := s.evaluateAll(ctx, measurements, &rep)
	for i, res := range results {
		switch res.Transition {
		case domain.TransitionOpened:
			rep.Opened++
		case domain.TransitionResolved:
			rep.Resolved++
		default:
			continue
		}
		s.metrics.AlertTransition(res.Transition.String())
		t := targets[i]
		if s.notifier != nil {
			s.notifier.Notify(s.recipientFor(ctx, t), res.Transition, t, measurements[i])
		}
	}

	s.log.Info("cycle_completed",
		zap.Int("targets", rep.Targets),
		zap.Int("up", rep.Up),
		zap.Int("down", rep.Down),
		zap.Int("opened", rep.Opened),
		zap.Int("resolved", rep.Resolved),
		zap.Int("eval_errors", rep.EvalErrors),
		zap.Bool("persist_failed", rep.PersistFailed),
		zap.Duration("elapsed", time.Since(rep.StartedAt)))
	return rep
}

// probeAll returns one measurement per target, index-aligned.
func (s *Scheduler) probeAll(ctx context.Context, targets []domain.Target) []domain.Measurement {
	out := make([]domain.Measurement, len(targets))
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, t := range targets {
		g.Go(func() error {
			out[i] = s.probeOne(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Scheduler) probeOne(ctx context.Context, t domain.Target) (m domain.Measurement) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("probe_panic", zap.String("target_id", string(t.ID)), zap.Any("panic", r))
			m = domain.Measurement{TargetID: t.ID, Up: false, Reason: "probe_panic", CheckedAt: time.Now().UTC()}
		}
	}()
	m = s.prober.Probe(ctx, t)
	m.TargetID = t.ID
	if !m.Up {
		m.LatencyMS = 0
	}
	s.log.Debug("probe_checked",
		zap.String("target_id", string(t.ID)),
		zap.String("url", t.URL),
		zap.Int("status", m.StatusCode),
		zap.Bool("up", m.Up),
		zap.Float64("latency_ms", m.LatencyMS),
		zap.String("reason", m.Reason))
	return m
}

func (s *Scheduler) evaluateAll(ctx context.Context, ms []domain.Measurement, rep *CycleReport) []alert.Result {
	out := make([]alert.Result, len(ms))
	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, m := range ms {
		g.Go(func() error {
			res, err := s.engine.Evaluate(ctx, m)
			if err != nil {
				failed.Add(1)
				if !apperror.IsKind(err, apperror.InvariantViolation) {
					// invariant violations are logged by the engine
					s.log.Error("alert_evaluate_failed", zap.String("target_id", string(m.TargetID)), zap.Error(err))
				}
				res = alert.Result{Transition: domain.TransitionNone}
			}
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()
	rep.EvalErrors = int(failed.Load())
	return out
}

func (s *Scheduler) recipientFor(ctx context.Context, t domain.Target) string {
	if s.owners == nil || t.OwnerID == "" {
		return s.cfg.DefaultRecipient
	}
	contact, err := s.owners.ContactFor(ctx, t.OwnerID)
	if err != nil {
		level := s.log.Warn
		if errors.Is(err, repo.ErrOwnerNotFound) {
			level = s.log.Debug
		}
		level("recipient_fallback",
			zap.String("target_id", string(t.ID)),
			zap.String("owner_id", t.OwnerID),
			zap.Error(err))
		return s.cfg.DefaultRecipient
	}
	return contact
}
