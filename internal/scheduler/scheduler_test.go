package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hamed0406/uptimewatch/internal/alert"
	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/lease"
	"github.com/hamed0406/uptimewatch/internal/notify"
	"github.com/hamed0406/uptimewatch/internal/probe"
	"github.com/hamed0406/uptimewatch/internal/repo/memory"
)

// --- fakes ---

type notification struct {
	to string
	tr domain.Transition
	id domain.TargetID
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (r *recordingNotifier) Notify(to string, tr domain.Transition, t domain.Target, _ domain.Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notification{to: to, tr: tr, id: t.ID})
}

func (r *recordingNotifier) all() []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification(nil), r.sent...)
}

// upProber reports every target reachable and tracks peak concurrency.
type upProber struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (p *upProber) Probe(ctx context.Context, t domain.Target) domain.Measurement {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(p.delay)
	return domain.Measurement{TargetID: t.ID, Up: true, StatusCode: 200, LatencyMS: 12, Reason: "200 OK", CheckedAt: time.Now().UTC()}
}

type failingSink struct{ calls atomic.Int32 }

func (f *failingSink) SaveMeasurements(context.Context, []domain.Measurement) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

type deniedLease struct{}

func (deniedLease) Acquire(context.Context, time.Duration) (lease.ReleaseFunc, bool, error) {
	return nil, false, nil
}

func seedTargets(store *memory.Store, n int, url string) {
	for i := 0; i < n; i++ {
		store.PutTarget(domain.Target{
			ID:              domain.TargetID(fmt.Sprintf("t%02d", i)),
			URL:             url,
			OwnerID:         "owner",
			IntervalSeconds: 60,
		})
	}
}

func newScheduler(store *memory.Store, p probe.Prober, n Notifier, cfg Config) *Scheduler {
	return New(Deps{
		Targets:  store,
		Sink:     store,
		Prober:   p,
		Engine:   alert.NewEngine(store, nil),
		Notifier: n,
		Owners:   store,
	}, cfg)
}

// --- tests ---

func TestRunCycle_OneMeasurementPerTarget_RespectsConcurrency(t *testing.T) {
	store := memory.New()
	seedTargets(store, 25, "https://example.com")
	p := &upProber{delay: 5 * time.Millisecond}
	s := newScheduler(store, p, &recordingNotifier{}, Config{Concurrency: 3})

	rep := s.RunCycle(context.Background())
	if rep.Targets != 25 || rep.Up != 25 || rep.Down != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	for i := 0; i < 25; i++ {
		id := domain.TargetID(fmt.Sprintf("t%02d", i))
		if got := len(store.Measurements(id)); got != 1 {
			t.Fatalf("target %s: want 1 measurement, got %d", id, got)
		}
	}
	if peak := p.peak.Load(); peak > 3 {
		t.Fatalf("concurrency cap exceeded: peak %d", peak)
	}
	if last, ok := s.LastReport(); !ok || last.Targets != 25 {
		t.Fatalf("LastReport: %+v ok=%v", last, ok)
	}
}

func TestRunCycle_SkipsInvalidTargets(t *testing.T) {
	store := memory.New()
	store.PutTarget(domain.Target{ID: "ok", URL: "https://example.com", IntervalSeconds: 60})
	store.PutTarget(domain.Target{ID: "bad-interval", URL: "https://example.com", IntervalSeconds: 45})
	store.PutTarget(domain.Target{ID: "bad-url", URL: "not a url", IntervalSeconds: 60})

	s := newScheduler(store, &upProber{}, &recordingNotifier{}, Config{})
	rep := s.RunCycle(context.Background())
	if rep.Targets != 1 || rep.InvalidTargets != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(store.Measurements("bad-interval")) != 0 || len(store.Measurements("ok")) != 1 {
		t.Fatal("only valid targets may be measured")
	}
}

func TestTick_SkipsWhileCycleRunning(t *testing.T) {
	store := memory.New()
	seedTargets(store, 1, "https://example.com")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	p := probe.ProberFunc(func(ctx context.Context, tg domain.Target) domain.Measurement {
		once.Do(func() { close(entered) })
		<-release
		return domain.Measurement{TargetID: tg.ID, Up: true, LatencyMS: 1, CheckedAt: time.Now().UTC()}
	})
	s := newScheduler(store, p, &recordingNotifier{}, Config{})

	first := make(chan bool)
	go func() { first <- s.Tick(context.Background()) }()
	<-entered

	// ticks during the running cycle are no-ops
	for i := 0; i < 3; i++ {
		if s.Tick(context.Background()) {
			t.Fatal("overlapping tick must not run a cycle")
		}
	}
	close(release)
	if !<-first {
		t.Fatal("first tick should have run")
	}
	if s.Cycles() != 1 || s.Skipped() != 3 {
		t.Fatalf("cycles=%d skipped=%d", s.Cycles(), s.Skipped())
	}
	if got := len(store.Measurements("t00")); got != 1 {
		t.Fatalf("want 1 measurement, got %d", got)
	}
	// idle again: next tick runs
	if !s.Tick(context.Background()) {
		t.Fatal("tick after completion should run")
	}
}

func TestTick_LeaseHeldElsewhere(t *testing.T) {
	store := memory.New()
	seedTargets(store, 1, "https://example.com")
	s := New(Deps{
		Targets: store, Sink: store, Prober: &upProber{},
		Engine: alert.NewEngine(store, nil), Lease: deniedLease{},
	}, Config{})

	if s.Tick(context.Background()) {
		t.Fatal("tick must skip without the lease")
	}
	if s.Cycles() != 0 || s.Skipped() != 1 {
		t.Fatalf("cycles=%d skipped=%d", s.Cycles(), s.Skipped())
	}
	if s.Running() {
		t.Fatal("scheduler must return to idle")
	}
}

func TestRunCycle_PersistFailureStillEvaluates(t *testing.T) {
	store := memory.New()
	seedTargets(store, 2, "https://example.com")
	sink := &failingSink{}
	n := &recordingNotifier{}
	down := probe.ProberFunc(func(ctx context.Context, tg domain.Target) domain.Measurement {
		return domain.Measurement{TargetID: tg.ID, Up: false, Reason: "timeout", CheckedAt: time.Now().UTC()}
	})
	s := New(Deps{
		Targets: store, Sink: sink, Prober: down,
		Engine: alert.NewEngine(store, nil), Notifier: n,
	}, Config{DefaultRecipient: "ops@example.com"})

	rep := s.RunCycle(context.Background())
	if !rep.PersistFailed || sink.calls.Load() != 1 {
		t.Fatalf("want one failed save without retry: %+v calls=%d", rep, sink.calls.Load())
	}
	if rep.Opened != 2 || len(n.all()) != 2 {
		t.Fatalf("alerts must still be evaluated: %+v sent=%d", rep, len(n.all()))
	}
	for _, x := range n.all() {
		if x.to != "ops@example.com" {
			t.Fatalf("want default recipient without owner directory, got %q", x.to)
		}
	}
}

func TestRunCycle_ListFailure(t *testing.T) {
	s := New(Deps{
		Targets: failingTargets{}, Sink: memory.New(), Prober: &upProber{},
		Engine: alert.NewEngine(memory.New(), nil),
	}, Config{})
	rep := s.RunCycle(context.Background())
	if !rep.ListFailed || rep.Targets != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

type failingTargets struct{}

func (failingTargets) ListTargets(context.Context) ([]domain.Target, error) {
	return nil, errors.New("db unreachable")
}

// Scenarios: down opens once and notifies once, repeat is silent,
// recovery resolves and notifies once.
func TestScheduler_OutageLifecycle(t *testing.T) {
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer live.Close()
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	store := memory.New()
	store.SetContact("owner", "owner@example.com")
	store.PutTarget(domain.Target{ID: "site", URL: live.URL, OwnerID: "owner", IntervalSeconds: 60})
	n := &recordingNotifier{}
	s := newScheduler(store, probe.NewHTTPProber(2*time.Second), n, Config{DefaultRecipient: "fallback@example.com"})
	ctx := context.Background()

	// healthy: measurement up, no alert
	rep := s.RunCycle(ctx)
	if rep.Up != 1 || rep.Opened != 0 || len(store.Alerts("site")) != 0 {
		t.Fatalf("healthy cycle: %+v", rep)
	}

	// connection refused: one alert, one down notification
	store.PutTarget(domain.Target{ID: "site", URL: deadURL, OwnerID: "owner", IntervalSeconds: 60})
	rep = s.RunCycle(ctx)
	if rep.Down != 1 || rep.Opened != 1 {
		t.Fatalf("outage cycle: %+v", rep)
	}
	ms := store.Measurements("site")
	if last := ms[len(ms)-1]; last.Up || last.LatencyMS != 0 {
		t.Fatalf("down measurement must have uptime 0 and latency 0: %+v", last)
	}

	// still down: nothing new
	rep = s.RunCycle(ctx)
	if rep.Opened != 0 || len(store.Alerts("site")) != 1 {
		t.Fatalf("repeat outage cycle: %+v alerts=%d", rep, len(store.Alerts("site")))
	}

	// recovery: resolved once
	store.PutTarget(domain.Target{ID: "site", URL: live.URL, OwnerID: "owner", IntervalSeconds: 60})
	rep = s.RunCycle(ctx)
	if rep.Resolved != 1 {
		t.Fatalf("recovery cycle: %+v", rep)
	}
	alerts := store.Alerts("site")
	if len(alerts) != 1 || alerts[0].Status != domain.AlertResolved {
		t.Fatalf("alert should be resolved: %+v", alerts)
	}

	got := n.all()
	if len(got) != 2 ||
		got[0].tr != domain.TransitionOpened || got[1].tr != domain.TransitionResolved ||
		got[0].to != "owner@example.com" {
		t.Fatalf("unexpected notifications: %+v", got)
	}

	// measurement history is cycle-ordered
	ms = store.Measurements("site")
	if len(ms) != 4 {
		t.Fatalf("want 4 measurements, got %d", len(ms))
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].CheckedAt.Before(ms[i-1].CheckedAt) {
			t.Fatalf("measurement %d out of order", i)
		}
	}
}

// Notification failure does not touch alert state.
func TestScheduler_NotificationFailureKeepsAlert(t *testing.T) {
	store := memory.New()
	seedTargets(store, 1, "https://example.com")
	down := probe.ProberFunc(func(ctx context.Context, tg domain.Target) domain.Measurement {
		return domain.Measurement{TargetID: tg.ID, Up: false, Reason: "connection_refused", CheckedAt: time.Now().UTC()}
	})
	var attempts atomic.Int32
	failing := notify.TransportFunc(func(context.Context, string, string, string) (bool, error) {
		attempts.Add(1)
		return false, errors.New("smtp down")
	})
	nt := notify.New(failing, nil, notify.Options{
		Workers: 1,
		Sleep:   func(context.Context, time.Duration) error { return nil },
	})
	s := newScheduler(store, down, nt, Config{})

	rep := s.RunCycle(context.Background())
	if err := nt.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rep.Opened != 1 || attempts.Load() != 3 {
		t.Fatalf("opened=%d attempts=%d", rep.Opened, attempts.Load())
	}
	a, _ := store.FindUnresolvedAlert(context.Background(), "t00", domain.AlertKindReachability)
	if a == nil {
		t.Fatal("alert must stay unresolved after notification failure")
	}
}

func TestRun_ImmediatePassAndShutdown(t *testing.T) {
	store := memory.New()
	seedTargets(store, 2, "https://example.com")
	s := newScheduler(store, &upProber{}, &recordingNotifier{}, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.LastReport(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("immediate pass did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if s.Cycles() != 1 {
		t.Fatalf("want 1 cycle with an hour interval, got %d", s.Cycles())
	}
}

func TestRun_CyclesNeverExceedTicks(t *testing.T) {
	store := memory.New()
	seedTargets(store, 1, "https://example.com")
	// each cycle outlasts several ticks
	s := newScheduler(store, &upProber{delay: 30 * time.Millisecond}, &recordingNotifier{}, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	cycles, skipped := s.Cycles(), s.Skipped()
	if cycles == 0 || skipped == 0 {
		t.Fatalf("want cycles and skips, got cycles=%d skipped=%d", cycles, skipped)
	}
	if got := int64(len(store.Measurements("t00"))); got != cycles {
		t.Fatalf("measurements %d != cycles %d", got, cycles)
	}
}
