// Package guardian is the control loop. Once per tick it samples the
// interface counters and the TCP socket table, feeds the daily record,
// consults both circuit breakers, and steps the throttle state machine,
// applying a new bandwidth ceiling only when the state changes.
//
// All loop state lives in a single State value owned by the goroutine that
// calls Advance or Run. Other goroutines observe it only through the
// published Status snapshot.
package guardian

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/server-guardian/internal/accounting"
	"github.com/keithlinneman/server-guardian/internal/breaker"
	"github.com/keithlinneman/server-guardian/internal/health"
	"github.com/keithlinneman/server-guardian/internal/log"
	"github.com/keithlinneman/server-guardian/internal/throttle"
)

// ErrShutdown is returned by Advance and Run after a circuit breaker trip.
var ErrShutdown = errors.New("circuit breaker tripped")

type TrafficSampler interface {
	CumulativeBytes(ctx context.Context) (uint64, error)
}

type ConnectionSampler interface {
	EstablishedRemoteAddrs(ctx context.Context) ([]string, error)
}

// Enforcer applies the packet filter rule and the traffic shaper ceiling.
type Enforcer interface {
	ApplyConnectionLimit(ctx context.Context, maxIPs int) error
	SetBandwidthCeiling(ctx context.Context, mbit int) error
}

// Breaker is satisfied by *breaker.Breaker.
type Breaker interface {
	CheckTraffic(totalBytes uint64) bool
	CheckUnique(count int) bool
	Trip(ctx context.Context, inc breaker.Incident) error
}

// Checkpointer is the subset of checkpoint.Store the loop uses.
type Checkpointer interface {
	Load(ctx context.Context, day string) (accounting.Summary, bool, error)
	Save(ctx context.Context, s accounting.Summary) error
	LastIncident(ctx context.Context) (breaker.Incident, bool, error)
}

// Reporter is satisfied by *report.Publisher.
type Reporter interface {
	PublishDaily(ctx context.Context, s accounting.Summary, final bool) error
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveTick(end time.Time, took time.Duration, rateMbps float64, activeAddrs int)
	SetDaily(totalBytes uint64, unique int)
	SetThrottle(throttled bool, overage time.Duration)
	SetCeiling(mbit int)
	IncThrottleEngaged()
	IncRollover()
	IncSampleError(sampler string)
	IncEnforcementError(action string)
	IncBreakerTrip(reason string)
	IncCheckpointError()
}

// Config holds the thresholds, fixed for the life of the process.
type Config struct {
	Host              string
	MaxConcurrentIPs  int
	MaxDailyUniqueIPs int
	MaxDailyTrafficGB float64
	ResetHour         int
	Tick              time.Duration
	Throttle          throttle.Config

	// zero disables the periodic flush or report
	CheckpointInterval time.Duration
	ReportInterval     time.Duration
}

type Options struct {
	Logger      log.Logger
	Config      Config
	Traffic     TrafficSampler
	Connections ConnectionSampler
	Enforcer    Enforcer
	Breaker     Breaker

	// optional
	Checkpoint Checkpointer
	Reporter   Reporter
	Metrics    Metrics
	Heartbeat  *health.Heartbeat
	Clock      func() time.Time
}

// State is everything the loop remembers between ticks.
type State struct {
	Daily    *accounting.Daily
	Throttle *throttle.Machine

	// last good traffic sample; HaveBaseline is false until one succeeds
	LastBytes    uint64
	LastSampleAt time.Time
	HaveBaseline bool

	RateMbps    float64
	ActiveAddrs int
	LastTick    time.Time
	Tripped     breaker.Reason
}

type Guardian struct {
	logger  log.Logger
	cfg     Config
	traffic TrafficSampler
	conns   ConnectionSampler
	enf     Enforcer
	brk     Breaker
	store   Checkpointer
	rep     Reporter
	metrics Metrics
	hb      *health.Heartbeat
	now     func() time.Time

	state   State
	started bool
	status  atomic.Pointer[Status]

	// in-flight report publishes
	reports sync.WaitGroup
}

func New(opts Options) *Guardian {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Config.Tick <= 0 {
		opts.Config.Tick = time.Second
	}
	opts.Config.Throttle.Tick = opts.Config.Tick

	g := &Guardian{
		logger:  opts.Logger,
		cfg:     opts.Config,
		traffic: opts.Traffic,
		conns:   opts.Connections,
		enf:     opts.Enforcer,
		brk:     opts.Breaker,
		store:   opts.Checkpoint,
		rep:     opts.Reporter,
		metrics: opts.Metrics,
		hb:      opts.Heartbeat,
		now:     opts.Clock,
	}
	g.state.Throttle = throttle.New(g.cfg.Throttle)
	return g
}

// State returns the loop state. Only safe on the loop goroutine.
func (g *Guardian) State() *State { return &g.state }

// Start installs the connection limit and the normal ceiling, takes the
// traffic baseline, and restores today's checkpoint. Enforcement and
// sampling failures are logged and do not prevent the loop from running.
func (g *Guardian) Start(ctx context.Context) error {
	now := g.now()
	g.started = true

	if err := g.enf.ApplyConnectionLimit(ctx, g.cfg.MaxConcurrentIPs); err != nil {
		g.logger.Error(ctx, err, "apply connection limit", "max_concurrent_ips", g.cfg.MaxConcurrentIPs)
		g.incEnforcementError("connlimit")
	}
	g.applyCeiling(ctx, g.cfg.Throttle.NormalMbit)

	if n, err := g.traffic.CumulativeBytes(ctx); err != nil {
		g.incSampleError("traffic")
	} else {
		g.state.LastBytes = n
		g.state.LastSampleAt = now
		g.state.HaveBaseline = true
	}

	g.state.Daily = accounting.New(now, g.cfg.ResetHour)
	g.restore(ctx)

	g.logger.Info(ctx, "guardian started",
		"day", g.state.Daily.Day(),
		"tick", g.cfg.Tick.String(),
		"max_concurrent_ips", g.cfg.MaxConcurrentIPs,
		"max_daily_unique_ips", g.cfg.MaxDailyUniqueIPs,
		"max_daily_traffic_gb", g.cfg.MaxDailyTrafficGB,
		"trigger_mbit", g.cfg.Throttle.TriggerMbps,
		"normal_limit_mbit", g.cfg.Throttle.NormalMbit,
		"throttle_limit_mbit", g.cfg.Throttle.ThrottledMbit,
	)
	g.publishStatus()
	return nil
}

// restore merges a stored record for the current day. A day that already
// ended in a power-off starts from zero, otherwise the first tick after
// the operator brings the host back would trip again.
func (g *Guardian) restore(ctx context.Context) {
	if g.store == nil {
		return
	}
	day := g.state.Daily.Day()

	inc, ok, err := g.store.LastIncident(ctx)
	if err != nil {
		g.logger.Warn(ctx, "load last incident failed", "err", err)
	}
	if ok {
		g.logger.Warn(ctx, "previous run ended in a breaker power-off",
			"at", inc.At,
			"reason", string(inc.Reason),
			"incident_day", inc.Day,
			"total_bytes", inc.TotalBytes,
			"unique_addrs", inc.UniqueAddrs,
		)
		if inc.Day == day {
			g.logger.Info(ctx, "not restoring checkpoint for a day that already tripped", "day", day)
			return
		}
	}

	sum, ok, err := g.store.Load(ctx, day)
	if err != nil {
		g.logger.Error(ctx, err, "load checkpoint", "day", day)
		g.incCheckpointError()
		return
	}
	if !ok {
		return
	}
	if g.state.Daily.Restore(sum) {
		g.logger.Info(ctx, "restored checkpoint",
			"day", day,
			"total_bytes", g.state.Daily.TotalBytes(),
			"unique_addrs", g.state.Daily.UniqueCount(),
		)
	}
}

// Run ticks until ctx is cancelled or a breaker trips. It calls Start
// first if that has not happened. The installed rules are left in place
// on a clean exit.
func (g *Guardian) Run(ctx context.Context) error {
	if !g.started {
		if err := g.Start(ctx); err != nil {
			return err
		}
	}
	defer g.reports.Wait()

	ticker := time.NewTicker(g.cfg.Tick)
	defer ticker.Stop()

	var flushC, reportC <-chan time.Time
	if g.store != nil && g.cfg.CheckpointInterval > 0 {
		t := time.NewTicker(g.cfg.CheckpointInterval)
		defer t.Stop()
		flushC = t.C
	}
	if g.rep != nil && g.cfg.ReportInterval > 0 {
		t := time.NewTicker(g.cfg.ReportInterval)
		defer t.Stop()
		reportC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			g.flush(context.WithoutCancel(ctx))
			g.logger.Info(ctx, "guardian stopping",
				"reason", ctx.Err(),
				"day", g.state.Daily.Day(),
				"total_bytes", g.state.Daily.TotalBytes(),
				"unique_addrs", g.state.Daily.UniqueCount(),
			)
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.Advance(ctx, g.now()); err != nil {
				return err
			}
		case <-flushC:
			g.flush(ctx)
		case <-reportC:
			g.publish(ctx, g.state.Daily.Snapshot(), false)
		}
	}
}

const flushTimeout = 5 * time.Second

// flush writes the current day to the checkpoint store.
func (g *Guardian) flush(ctx context.Context) {
	if g.store == nil || g.state.Daily == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := g.store.Save(ctx, g.state.Daily.Snapshot()); err != nil {
		g.logger.Error(ctx, err, "save checkpoint", "day", g.state.Daily.Day())
		g.incCheckpointError()
	}
}

// publish hands a summary to the reporter without blocking the tick. The
// publisher bounds each sink by its own timeout.
func (g *Guardian) publish(ctx context.Context, s accounting.Summary, final bool) {
	if g.rep == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	g.reports.Add(1)
	go func() {
		defer g.reports.Done()
		_ = g.rep.PublishDaily(ctx, s, final)
	}()
}

// Wait blocks until in-flight report publishes finish.
func (g *Guardian) Wait() { g.reports.Wait() }

func (g *Guardian) applyCeiling(ctx context.Context, mbit int) {
	if err := g.enf.SetBandwidthCeiling(ctx, mbit); err != nil {
		g.logger.Error(ctx, err, "set bandwidth ceiling", "mbit", mbit)
		g.incEnforcementError("ceiling")
		return
	}
	if g.metrics != nil {
		g.metrics.SetCeiling(mbit)
	}
}

func (g *Guardian) incSampleError(s string) {
	if g.metrics != nil {
		g.metrics.IncSampleError(s)
	}
}

func (g *Guardian) incEnforcementError(action string) {
	if g.metrics != nil {
		g.metrics.IncEnforcementError(action)
	}
}

func (g *Guardian) incCheckpointError() {
	if g.metrics != nil {
		g.metrics.IncCheckpointError()
	}
}
