// Package limiter provides per-torrent and process-wide upload/download
// throttles, each a pair of token buckets (one per direction) that a
// torrent's transfer path waits on before moving bytes.
package limiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Unlimited configures a Limiter with no cap, matching rate.Inf.
const Unlimited = rate.Inf

// Limiter throttles one direction of transfer. A zero-value Limiter is
// not usable; use New.
type Limiter struct {
	l *rate.Limiter
}

// New returns a Limiter capped at bytesPerSec (rate.Inf for
// unlimited), with the given burst in bytes (at least 1). WaitN
// fails for any n larger than the burst unless the limit is rate.Inf.
func New(bytesPerSec rate.Limit, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{l: rate.NewLimiter(bytesPerSec, burst)}
}

// WaitN blocks until n bytes' worth of tokens are available or ctx is
// cancelled.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	return l.l.WaitN(ctx, n)
}

// SetLimit changes the throttle's steady-state rate.
func (l *Limiter) SetLimit(bytesPerSec rate.Limit) {
	l.l.SetLimit(bytesPerSec)
}

// Limit returns the throttle's current steady-state rate.
func (l *Limiter) Limit() rate.Limit {
	return l.l.Limit()
}

// Pair bundles the up/down throttle handles a torrent or the process
// as a whole exposes to RPC (`Throttle`, `ThrottleUp`, `ThrottleDown`).
type Pair struct {
	Up   *Limiter
	Down *Limiter
}

// NewPair returns a Pair with independent up/down limiters, each with
// burst sized to holdOneBlock bytes.
func NewPair(upBytesPerSec, downBytesPerSec rate.Limit, holdOneBlock int) *Pair {
	return &Pair{
		Up:   New(upBytesPerSec, holdOneBlock),
		Down: New(downBytesPerSec, holdOneBlock),
	}
}
