package probe

import (
	"context"

	"github.com/hamed0406/uptimewatch/internal/domain"
)

// Prober measures a single target once. Implementations never return an
// error: every failure is folded into a down Measurement with a Reason.
type Prober interface {
	Probe(ctx context.Context, t domain.Target) domain.Measurement
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, t domain.Target) domain.Measurement

func (f ProberFunc) Probe(ctx context.Context, t domain.Target) domain.Measurement {
	return f(ctx, t)
}
