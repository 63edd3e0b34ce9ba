package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

// Probe is evaluated at request time. nil = OK, non-nil = FAIL with reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe that always passes or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes only if every non-nil probe passes, returning the first error.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate flips readiness to false during shutdown.
type ShutdownGate struct {
	closed atomic.Bool
	reason atomic.Value
}

func (g *ShutdownGate) Set(reason string) {
	g.reason.Store(reason)
	g.closed.Store(true)
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if !g.closed.Load() {
			return nil
		}
		r, _ := g.reason.Load().(string)
		if r == "" {
			r = "shutting down"
		}
		return xerrors.New(r)
	}
}

// Heartbeat records the last loop tick. Its probe fails before the first
// beat and whenever the last beat is older than MaxAge.
type Heartbeat struct {
	MaxAge time.Duration
	Now    func() time.Time

	last atomic.Int64
}

// Beat marks the loop alive at t.
func (h *Heartbeat) Beat(t time.Time) { h.last.Store(t.UnixNano()) }

// Last returns the time of the most recent beat, zero if none.
func (h *Heartbeat) Last() time.Time {
	n := h.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (h *Heartbeat) Probe() CheckFunc {
	return func(context.Context) error {
		last := h.Last()
		if last.IsZero() {
			return xerrors.New("control loop has not ticked yet")
		}
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		if age := now().Sub(last); h.MaxAge > 0 && age > h.MaxAge {
			return xerrors.Newf("control loop stalled: last tick %s ago", age.Truncate(time.Millisecond))
		}
		return nil
	}
}
