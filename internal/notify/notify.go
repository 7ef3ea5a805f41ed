package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Transport delivers one message. A false result or a non-nil error counts
// as a failed attempt for retry accounting.
type Transport interface {
	Send(ctx context.Context, to, subject, body string) (bool, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, to, subject, body string) (bool, error)

func (f TransportFunc) Send(ctx context.Context, to, subject, body string) (bool, error) {
	return f(ctx, to, subject, body)
}

// Multi fans a message out to every transport. A direct Send succeeds when
// at least one transport delivered; errors from the others are combined.
// The Notifier does not call Send on a Multi: it retries each member on
// its own so a failing channel is not hidden by a working one.
type Multi []Transport

func (m Multi) Send(ctx context.Context, to, subject, body string) (bool, error) {
	var (
		delivered bool
		errs      error
	)
	for i, t := range m {
		if t == nil {
			continue
		}
		ok, err := t.Send(ctx, to, subject, body)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("transport %d: %w", i, err))
		}
		if ok && err == nil {
			delivered = true
		}
	}
	if delivered {
		return true, nil
	}
	if errs == nil {
		errs = errors.New("no transport delivered")
	}
	return false, errs
}

// Log writes the message to the logger instead of sending it. Used when no
// outbound transport is configured.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Send(ctx context.Context, to, subject, body string) (bool, error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("notification",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.String("body", body))
	return true, nil
}
