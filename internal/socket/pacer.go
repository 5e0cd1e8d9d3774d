package socket

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer throttles send-slot reservation to a configured byte rate.
// Pacing is not congestion control: it bounds the emission rate, it
// does not react to loss.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a Pacer allowing up to bytesPerSecond steady-state,
// with a burst of burstBytes.
func NewPacer(bytesPerSecond, burstBytes int) *Pacer {
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstBytes)}
}

// Wait blocks until n bytes' worth of pacing budget is available or ctx
// is done.
func (p *Pacer) Wait(ctx context.Context, n int) error {
	if p == nil {
		return nil
	}
	return p.limiter.WaitN(ctx, n)
}

// Allow reports whether n bytes may be sent immediately without
// consuming budget from a future caller, for non-blocking send paths.
func (p *Pacer) Allow(n int) bool {
	if p == nil {
		return true
	}
	return p.limiter.AllowN(time.Now(), n)
}
