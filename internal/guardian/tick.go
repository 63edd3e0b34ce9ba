package guardian

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/server-guardian/internal/breaker"
	"github.com/keithlinneman/server-guardian/internal/otelx"
	"github.com/keithlinneman/server-guardian/internal/throttle"
)

const bitsPerMbit = 1 << 20

// TickResult describes what one Advance observed and did.
type TickResult struct {
	At          time.Time
	Day         string
	Rolled      bool
	DeltaBytes  uint64
	RateMbps    float64
	ActiveAddrs int
	NewAddrs    int
	Transition  throttle.Transition
	Tripped     breaker.Reason
}

// Advance runs one tick at now. Steps run in this order and a breaker
// trip returns ErrShutdown before any later step:
//
//  1. day rollover
//  2. traffic sample and delta, added to the day
//  3. traffic breaker
//  4. connection sample, added to the day
//  5. unique address breaker
//  6. throttle step, with the new ceiling applied on a transition
func (g *Guardian) Advance(ctx context.Context, now time.Time) (TickResult, error) {
	ctx, span := otelx.Tracer().Start(ctx, "guardian.tick")
	defer span.End()
	start := time.Now()

	if !g.started {
		if err := g.Start(ctx); err != nil {
			return TickResult{}, err
		}
	}
	st := &g.state
	res := TickResult{At: now}

	if prev, rolled := st.Daily.Rollover(now); rolled {
		res.Rolled = true
		g.logger.Info(ctx, "accounting day rolled over",
			"previous_day", prev.Day,
			"previous_total_bytes", prev.TotalBytes,
			"previous_unique_addrs", prev.UniqueAddrs,
			"day", st.Daily.Day(),
		)
		if g.metrics != nil {
			g.metrics.IncRollover()
		}
		g.publish(ctx, prev, true)
	}
	res.Day = st.Daily.Day()

	delta, elapsed := g.sampleTraffic(ctx, now)
	st.Daily.AddSampled(delta)
	res.DeltaBytes = delta
	res.RateMbps = rateMbps(delta, elapsed)
	st.RateMbps = res.RateMbps

	if g.brk.CheckTraffic(st.Daily.TotalBytes()) {
		return g.trip(ctx, span, res, breaker.ReasonDailyTraffic)
	}

	addrs, err := g.conns.EstablishedRemoteAddrs(ctx)
	if err != nil {
		g.incSampleError("connections")
		addrs = nil
	}
	res.ActiveAddrs = distinct(addrs)
	res.NewAddrs = st.Daily.AddAddresses(addrs)
	st.ActiveAddrs = res.ActiveAddrs
	if res.NewAddrs > 0 {
		g.logger.Debug(ctx, "new client addresses today",
			"new", res.NewAddrs,
			"unique_today", st.Daily.UniqueCount(),
		)
	}

	if g.brk.CheckUnique(st.Daily.UniqueCount()) {
		return g.trip(ctx, span, res, breaker.ReasonDailyUnique)
	}

	res.Transition = st.Throttle.Step(now, res.RateMbps)
	if res.Transition.Changed() {
		g.onTransition(ctx, res)
	}

	st.LastTick = now
	if g.hb != nil {
		g.hb.Beat(now)
	}
	if g.metrics != nil {
		g.metrics.ObserveTick(now, time.Since(start), res.RateMbps, res.ActiveAddrs)
		g.metrics.SetDaily(st.Daily.TotalBytes(), st.Daily.UniqueCount())
		g.metrics.SetThrottle(st.Throttle.State() == throttle.Throttled, st.Throttle.Overage())
	}
	span.SetAttributes(
		attribute.Float64("guardian.rate_mbps", res.RateMbps),
		attribute.Int("guardian.active_addrs", res.ActiveAddrs),
		attribute.String("guardian.throttle", st.Throttle.State().String()),
	)
	g.publishStatus()
	return res, nil
}

// sampleTraffic returns the bytes moved since the last good sample and
// the wall time they were moved over. A failed sample yields zero and
// keeps the old baseline. A counter that went backwards re-baselines.
func (g *Guardian) sampleTraffic(ctx context.Context, now time.Time) (uint64, time.Duration) {
	st := &g.state
	cur, err := g.traffic.CumulativeBytes(ctx)
	if err != nil {
		g.incSampleError("traffic")
		return 0, g.cfg.Tick
	}
	if !st.HaveBaseline {
		st.LastBytes, st.LastSampleAt, st.HaveBaseline = cur, now, true
		return 0, g.cfg.Tick
	}

	var delta uint64
	if cur >= st.LastBytes {
		delta = cur - st.LastBytes
	}
	elapsed := now.Sub(st.LastSampleAt)
	if elapsed <= 0 {
		elapsed = g.cfg.Tick
	}
	st.LastBytes, st.LastSampleAt = cur, now
	return delta, elapsed
}

// rateMbps converts delta bytes over elapsed to megabits per second,
// with a megabit of 2^20 bits.
func rateMbps(delta uint64, elapsed time.Duration) float64 {
	if delta == 0 || elapsed <= 0 {
		return 0
	}
	return float64(delta) * 8 / bitsPerMbit / elapsed.Seconds()
}

func distinct(addrs []string) int {
	if len(addrs) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		seen[a] = struct{}{}
	}
	return len(seen)
}

func (g *Guardian) onTransition(ctx context.Context, res TickResult) {
	tr := res.Transition
	switch tr.To {
	case throttle.Throttled:
		g.logger.Warn(ctx, "sustained overage, throttling bandwidth",
			"rate_mbps", res.RateMbps,
			"trigger_mbit", g.cfg.Throttle.TriggerMbps,
			"ceiling_mbit", tr.CeilingMbit,
			"until", tr.PunishUntil,
		)
		if g.metrics != nil {
			g.metrics.IncThrottleEngaged()
		}
	case throttle.Normal:
		g.logger.Info(ctx, "punishment window over, restoring bandwidth",
			"ceiling_mbit", tr.CeilingMbit,
		)
	}
	g.applyCeiling(ctx, tr.CeilingMbit)
}

func (g *Guardian) trip(ctx context.Context, span trace.Span, res TickResult, reason breaker.Reason) (TickResult, error) {
	st := &g.state
	first := st.Tripped == ""
	res.Tripped = reason
	st.Tripped = reason

	inc := breaker.Incident{
		At:          res.At,
		Reason:      reason,
		Day:         st.Daily.Day(),
		TotalBytes:  st.Daily.TotalBytes(),
		UniqueAddrs: st.Daily.UniqueCount(),
		Host:        g.cfg.Host,
	}
	if g.metrics != nil {
		if first {
			g.metrics.IncBreakerTrip(reason.Label())
		}
		g.metrics.SetDaily(inc.TotalBytes, inc.UniqueAddrs)
	}
	span.SetAttributes(attribute.String("guardian.trip", reason.Label()))
	span.SetStatus(codes.Error, string(reason))
	g.publishStatus()

	if err := g.brk.Trip(ctx, inc); err != nil {
		g.logger.Error(ctx, err, "shutdown sequence incomplete", "reason", string(reason))
		return res, errors.Join(ErrShutdown, err)
	}
	return res, ErrShutdown
}
