package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/metrics"
)

const (
	DefaultQueueSize   = 256
	DefaultWorkers     = 4
	defaultSendTimeout = 15 * time.Second
)

// ErrQueueFull is reported to the log when a job is dropped at intake.
var ErrQueueFull = errors.New("notification queue full")

// Job is one transition waiting to be delivered.
type Job struct {
	Recipient  string
	Transition domain.Transition
	Target     domain.Target
	Latest     domain.Measurement
}

type Options struct {
	QueueSize int
	Workers   int
	Retry     RetryPolicy
	// SendTimeout bounds a single transport attempt.
	SendTimeout time.Duration
	// Sleep replaces the backoff wait; tests pass a recorder.
	Sleep   SleepFunc
	Metrics *metrics.Metrics
}

// Notifier queues transitions and delivers them from a small worker pool,
// retrying failed sends with exponential backoff. Callers never block on
// delivery and never see its errors.
type Notifier struct {
	transports []Transport
	log       *zap.Logger
	opts      Options

	queue  chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(transport Transport, log *zap.Logger, opts Options) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	opts.Retry = opts.Retry.normalized()

	// members of a Multi are retried independently so that one channel
	// succeeding does not mask another one failing
	transports := []Transport{transport}
	if m, ok := transport.(Multi); ok {
		transports = transports[:0]
		for _, t := range m {
			if t != nil {
				transports = append(transports, t)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		transports: transports,
		log:       log,
		opts:      opts,
		queue:     make(chan Job, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}
	return n
}

// Notify enqueues a transition for delivery and returns immediately. None
// transitions are ignored; a full or closed queue drops the job.
func (n *Notifier) Notify(recipient string, tr domain.Transition, t domain.Target, latest domain.Measurement) {
	if tr != domain.TransitionOpened && tr != domain.TransitionResolved {
		return
	}
	job := Job{Recipient: recipient, Transition: tr, Target: t, Latest: latest}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.log.Warn("notify_dropped", zap.String("target_id", string(t.ID)), zap.String("reason", "closed"))
		n.opts.Metrics.Notification("dropped")
		return
	}
	select {
	case n.queue <- job:
		n.opts.Metrics.QueueDepth(len(n.queue))
	default:
		n.log.Error("notify_dropped",
			zap.String("target_id", string(t.ID)),
			zap.String("transition", tr.String()),
			zap.Error(ErrQueueFull))
		n.opts.Metrics.Notification("dropped")
	}
}

func (n *Notifier) worker(id int) {
	defer n.wg.Done()
	for job := range n.queue {
		n.opts.Metrics.QueueDepth(len(n.queue))
		_ = n.Deliver(n.ctx, job)
	}
	n.log.Debug("notify_worker_stopped", zap.Int("worker", id))
}

// Deliver composes and sends one job synchronously to every transport,
// retrying each per the policy. It returns the combined errors of the
// transports whose final attempt failed.
func (n *Notifier) Deliver(ctx context.Context, job Job) error {
	subject, body, ok := Compose(job.Transition, job.Target, job.Latest)
	if !ok {
		return nil
	}
	fields := []zap.Field{
		zap.String("target_id", string(job.Target.ID)),
		zap.String("transition", job.Transition.String()),
		zap.String("to", job.Recipient),
	}
	if len(n.transports) == 1 {
		return n.deliverVia(ctx, n.transports[0], job.Recipient, subject, body, fields)
	}

	errs := make([]error, len(n.transports))
	var wg sync.WaitGroup
	for i, t := range n.transports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = n.deliverVia(ctx, t, job.Recipient, subject, body,
				append(fields[:len(fields):len(fields)], zap.String("transport", fmt.Sprintf("%T", t))))
		}()
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

func (n *Notifier) deliverVia(ctx context.Context, t Transport, to, subject, body string, fields []zap.Field) error {
	policy := n.opts.Retry
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		lastErr = n.attempt(ctx, t, to, subject, body)
		if lastErr == nil {
			n.log.Info("notify_delivered", append(fields, zap.Int("attempt", attempt))...)
			n.opts.Metrics.Notification("delivered")
			return nil
		}
		n.log.Warn("notify_attempt_failed", append(fields,
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.Attempts),
			zap.Error(lastErr))...)
		if attempt == policy.Attempts {
			break
		}
		if err := n.opts.Sleep(ctx, policy.Delay(attempt)); err != nil {
			lastErr = fmt.Errorf("backoff interrupted: %w", err)
			break
		}
	}

	n.log.Error("notify_permanent_failure", append(fields, zap.Error(lastErr))...)
	n.opts.Metrics.Notification("failed")
	return lastErr
}

func (n *Notifier) attempt(ctx context.Context, t Transport, to, subject, body string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, n.opts.SendTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	ok, err := t.Send(ctx, to, subject, body)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("transport reported failure")
	}
	return nil
}

// Close stops intake and waits for queued jobs to finish. If ctx ends
// first, in-flight retries are abandoned and ctx's error is returned.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}
