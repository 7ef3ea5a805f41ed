// Package lease provides the single-slot coordination that keeps monitor
// replicas from running the same cycle at once.
package lease

import (
	"context"
	"sync"
	"time"
)

// ReleaseFunc gives the slot back before its TTL runs out.
type ReleaseFunc func(ctx context.Context) error

// Lease grants the cycle slot to at most one holder per TTL window.
// ok is false when another holder has it; err reports backend failures.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (release ReleaseFunc, ok bool, err error)
}

// Local always grants. Used for single-replica deployments, where the
// scheduler's own try-lock is enough.
type Local struct{}

func (Local) Acquire(context.Context, time.Duration) (ReleaseFunc, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// keepAlive calls renew every interval until the returned stop func is
// called or renew reports false. stop waits for an in-flight renew.
func keepAlive(every time.Duration, renew func(ctx context.Context) bool) (stop func()) {
	if every <= 0 {
		every = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !renew(ctx) {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
