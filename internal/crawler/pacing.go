package crawler

import (
	"context"
	"math/rand/v2"
	"time"
)

// Pacer draws a uniform delay from a window and waits it out.
type Pacer struct {
	sleeper Sleeper
	int64N  func(n int64) int64
}

// NewPacer builds a Pacer that sleeps through sleeper.
func NewPacer(sleeper Sleeper) *Pacer {
	return NewPacerWithSource(sleeper, rand.Int64N)
}

// NewPacerWithSource is NewPacer with an explicit random source, for tests.
// int64N must return a value in [0, n).
func NewPacerWithSource(sleeper Sleeper, int64N func(n int64) int64) *Pacer {
	if int64N == nil {
		int64N = rand.Int64N
	}
	return &Pacer{sleeper: sleeper, int64N: int64N}
}

// Draw picks a delay uniformly from [w.Min, w.Max].
func (p *Pacer) Draw(w DelayWindow) time.Duration {
	lo := max(w.Min, 0)
	if w.Max <= lo {
		return lo
	}
	return lo + time.Duration(p.int64N(int64(w.Max-lo)+1))
}

// Wait draws a delay and sleeps for it, returning the delay taken.
func (p *Pacer) Wait(ctx context.Context, w DelayWindow) (time.Duration, error) {
	d := p.Draw(w)
	if d <= 0 || p.sleeper == nil {
		return 0, ctx.Err()
	}
	if err := p.sleeper.Sleep(ctx, d); err != nil {
		return d, err
	}
	return d, nil
}
