package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hamed0406/uptimewatch/internal/domain"
)

// ---- fakes ----

type recordingTransport struct {
	mu       sync.Mutex
	calls    []string
	failures int // first N calls fail
	block    chan struct{}
}

func (r *recordingTransport) Send(ctx context.Context, to, subject, body string) (bool, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, subject)
	if len(r.calls) <= r.failures {
		return false, errors.New("smtp unavailable")
	}
	return true, nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

var (
	tgt     = domain.Target{ID: "a", URL: "https://a.example.com"}
	downM   = domain.Measurement{TargetID: "a", Up: false, Reason: "connection_refused", CheckedAt: time.Now().UTC()}
	openJob = Job{Recipient: "owner@example.com", Transition: domain.TransitionOpened, Target: tgt, Latest: downM}
)

// ---- tests ----

func TestDeliver_GivesUpAfterThreeAttempts(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tr := &recordingTransport{failures: 100}
	sl := &sleepRecorder{}
	n := New(tr, zap.New(core), Options{Workers: 1, Sleep: sl.sleep})
	defer n.Close(context.Background())

	err := n.Deliver(context.Background(), openJob)
	if err == nil {
		t.Fatal("want error after exhausting retries")
	}
	if got := tr.count(); got != 3 {
		t.Fatalf("want 3 attempts, got %d", got)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(sl.delays) != len(want) || sl.delays[0] != want[0] || sl.delays[1] != want[1] {
		t.Fatalf("unexpected backoff: %v", sl.delays)
	}
	if logs.FilterMessage("notify_permanent_failure").Len() != 1 {
		t.Fatal("want one notify_permanent_failure log")
	}
	if logs.FilterMessage("notify_attempt_failed").Len() != 3 {
		t.Fatal("want three notify_attempt_failed logs")
	}
}

func TestDeliver_SucceedsOnRetry(t *testing.T) {
	tr := &recordingTransport{failures: 1}
	sl := &sleepRecorder{}
	n := New(tr, nil, Options{Workers: 1, Sleep: sl.sleep})
	defer n.Close(context.Background())

	if err := n.Deliver(context.Background(), openJob); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if tr.count() != 2 || len(sl.delays) != 1 || sl.delays[0] != 2*time.Second {
		t.Fatalf("calls=%d delays=%v", tr.count(), sl.delays)
	}
}

func TestDeliver_FalseResultIsFailure(t *testing.T) {
	var calls atomic.Int32
	tr := TransportFunc(func(context.Context, string, string, string) (bool, error) {
		calls.Add(1)
		return false, nil
	})
	n := New(tr, nil, Options{Workers: 1, Sleep: (&sleepRecorder{}).sleep})
	defer n.Close(context.Background())

	if err := n.Deliver(context.Background(), openJob); err == nil {
		t.Fatal("want failure when transport reports false")
	}
	if calls.Load() != 3 {
		t.Fatalf("want 3 attempts, got %d", calls.Load())
	}
}

func TestDeliver_TransportPanicIsContained(t *testing.T) {
	tr := TransportFunc(func(context.Context, string, string, string) (bool, error) {
		panic("boom")
	})
	n := New(tr, nil, Options{Workers: 1, Retry: RetryPolicy{Attempts: 1}})
	defer n.Close(context.Background())

	if err := n.Deliver(context.Background(), openJob); err == nil {
		t.Fatal("want error from panicking transport")
	}
}

func TestNotify_AsyncDeliveryAndDrain(t *testing.T) {
	tr := &recordingTransport{}
	n := New(tr, nil, Options{Workers: 2})

	n.Notify("owner@example.com", domain.TransitionOpened, tgt, downM)
	n.Notify("owner@example.com", domain.TransitionNone, tgt, downM)
	upM := downM
	upM.Up, upM.LatencyMS = true, 42
	n.Notify("owner@example.com", domain.TransitionResolved, tgt, upM)

	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := tr.count(); got != 2 {
		t.Fatalf("want 2 deliveries (None ignored), got %d", got)
	}
	// closing twice is harmless and later notifications are dropped
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	n.Notify("owner@example.com", domain.TransitionOpened, tgt, downM)
	if got := tr.count(); got != 2 {
		t.Fatalf("notification after close was delivered")
	}
}

func TestNotify_DoesNotBlockWhenQueueFull(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	tr := &recordingTransport{block: make(chan struct{})}
	n := New(tr, zap.New(core), Options{Workers: 1, QueueSize: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			n.Notify("x", domain.TransitionOpened, tgt, downM)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	close(tr.block)
	_ = n.Close(context.Background())

	if logs.FilterMessage("notify_dropped").Len() == 0 {
		t.Fatal("want dropped jobs to be logged")
	}
}

func TestClose_ContextDeadlineAbandonsRetries(t *testing.T) {
	tr := &recordingTransport{failures: 100}
	// real sleeps: 1h backoff would hang without cancellation
	n := New(tr, nil, Options{Workers: 1, Retry: RetryPolicy{Attempts: 3, Backoff: time.Hour}})
	n.Notify("x", domain.TransitionOpened, tgt, downM)

	deadline := time.Now().Add(2 * time.Second)
	for tr.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := n.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if got := tr.count(); got != 1 {
		t.Fatalf("want retries abandoned after 1 attempt, got %d", got)
	}
}

func TestDeliver_RetriesEachTransportOfMulti(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	chat := &recordingTransport{}
	mail := &recordingTransport{failures: 2}
	sl := &sleepRecorder{}
	n := New(Multi{chat, mail}, zap.New(core), Options{Workers: 1, Sleep: sl.sleep})
	defer n.Close(context.Background())

	if err := n.Deliver(context.Background(), openJob); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if chat.count() != 1 {
		t.Fatalf("healthy transport should be sent once, got %d", chat.count())
	}
	if mail.count() != 3 {
		t.Fatalf("failing transport should be retried to success, got %d calls", mail.count())
	}
	if got := logs.FilterMessage("notify_delivered").Len(); got != 2 {
		t.Fatalf("want 2 notify_delivered entries, got %d", got)
	}
}

func TestDeliver_MultiReportsTransportThatGaveUp(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	chat := &recordingTransport{}
	mail := &recordingTransport{failures: 10}
	n := New(Multi{chat, mail}, zap.New(core), Options{Workers: 1, Sleep: (&sleepRecorder{}).sleep})
	defer n.Close(context.Background())

	if err := n.Deliver(context.Background(), openJob); err == nil {
		t.Fatal("want an error when one transport never delivers")
	}
	if chat.count() != 1 || mail.count() != 3 {
		t.Fatalf("calls chat=%d mail=%d", chat.count(), mail.count())
	}
	if got := logs.FilterMessage("notify_permanent_failure").Len(); got != 1 {
		t.Fatalf("want 1 notify_permanent_failure, got %d", got)
	}
}
