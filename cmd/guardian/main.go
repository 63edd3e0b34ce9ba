package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/server-guardian/internal/breaker"
	"github.com/keithlinneman/server-guardian/internal/cfg"
	"github.com/keithlinneman/server-guardian/internal/checkpoint"
	"github.com/keithlinneman/server-guardian/internal/enforce"
	"github.com/keithlinneman/server-guardian/internal/guardian"
	"github.com/keithlinneman/server-guardian/internal/health"
	"github.com/keithlinneman/server-guardian/internal/log"
	"github.com/keithlinneman/server-guardian/internal/metrics"
	"github.com/keithlinneman/server-guardian/internal/opshttp"
	"github.com/keithlinneman/server-guardian/internal/otelx"
	"github.com/keithlinneman/server-guardian/internal/prof"
	"github.com/keithlinneman/server-guardian/internal/report"
	"github.com/keithlinneman/server-guardian/internal/sampler"
	"github.com/keithlinneman/server-guardian/internal/throttle"
	v "github.com/keithlinneman/server-guardian/internal/version"
)

const component = "guardian"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		return 0
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	// iptables, tc and shutdown all need root
	if err := requireRoot(os.Geteuid(), conf.DryRun); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		return 1
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		return 1
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	L.Info(ctx, "initializing guardian",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"host", host,
		"interface", conf.Interface,
		"dry_run", conf.DryRun,
		"admin_port", conf.AdminPort,
		"state_db", conf.StateDB,
		"state_redis", conf.StateRedisAddr != "",
		"report_s3_bucket", conf.ReportS3Bucket,
		"report_appwrite", conf.AppwriteEndpoint != "",
		"enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": component,
			"version":   vi.Version,
			"host":      host,
		},
	})
	profiling := err == nil && conf.EnablePyroscope
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector is expected on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(component, vi)
	m.SetProfilingActive(profiling)

	// durable state
	store, err := openCheckpoints(ctx, L, conf, host)
	if err != nil {
		L.Error(ctx, err, "open checkpoint store")
		return 1
	}
	if store != nil {
		defer store.Close()
	}

	// off-host reports
	publisher := report.NewPublisher(report.PublisherOptions{
		Logger:  L.With("subsystem", "report"),
		Host:    host,
		Sinks:   openSinks(ctx, L, conf, host),
		Timeout: conf.ReportTimeout,
		Metrics: m,
	})

	excludes, _ := cfg.ParseCIDRs(conf.ExcludeCIDRs)
	traffic, err := sampler.NewTraffic(conf.ProcRoot, conf.Interface, L.With("sampler", "traffic"))
	if err != nil {
		L.Error(ctx, err, "traffic sampler")
		return 1
	}
	conns, err := sampler.NewConnections(conf.ProcRoot, sampler.ConnectionsOptions{
		IgnoreLoopback: conf.IgnoreLoopback,
		Exclude:        excludes,
		Logger:         L.With("sampler", "connections"),
	})
	if err != nil {
		L.Error(ctx, err, "connection sampler")
		return 1
	}

	var runner enforce.Runner = enforce.ExecRunner{Timeout: conf.CommandTimeout}
	if conf.DryRun {
		runner = enforce.DryRunner{Logger: L.With("subsystem", "enforce")}
	}
	shell := enforce.New(runner, conf.Interface, conf.TCBurst, conf.TCLatency)

	var recorders []breaker.IncidentRecorder
	if store != nil {
		recorders = append(recorders, store)
	}
	if publisher.Enabled() {
		recorders = append(recorders, publisher)
	}
	brk := breaker.New(breaker.Options{
		Logger:            L.With("subsystem", "breaker"),
		MaxDailyTrafficGB: conf.MaxDailyTrafficGB,
		MaxDailyUniqueIPs: conf.MaxDailyUniqueIPs,
		ShutdownLog:       conf.ShutdownLog,
		PowerOff:          shell,
		Recorders:         recorders,
		RecordTimeout:     conf.ReportTimeout,
	})

	// ready once the loop is ticking; stale after five missed ticks
	hb := &health.Heartbeat{MaxAge: 5 * conf.TickInterval}
	var gate health.ShutdownGate

	gopts := guardian.Options{
		Logger: L,
		Config: guardian.Config{
			Host:              host,
			MaxConcurrentIPs:  conf.MaxConcurrentIPs,
			MaxDailyUniqueIPs: conf.MaxDailyUniqueIPs,
			MaxDailyTrafficGB: conf.MaxDailyTrafficGB,
			ResetHour:         conf.ResetHour,
			Tick:              conf.TickInterval,
			Throttle: throttle.Config{
				TriggerMbps:     conf.TriggerMbit,
				TriggerDuration: conf.TriggerDuration,
				PunishDuration:  conf.PunishDuration,
				NormalMbit:      conf.NormalLimitMbit,
				ThrottledMbit:   conf.ThrottleLimitMbit,
			},
			CheckpointInterval: conf.CheckpointInterval,
			ReportInterval:     conf.ReportInterval,
		},
		Traffic:     traffic,
		Connections: conns,
		Enforcer:    shell,
		Breaker:     brk,
		Metrics:     m,
		Heartbeat:   hb,
	}
	if store != nil {
		gopts.Checkpoint = store
	}
	if publisher.Enabled() {
		gopts.Reporter = publisher
	}
	gd := guardian.New(gopts)

	if err := gd.Start(ctx); err != nil {
		L.Error(ctx, err, "guardian start")
		return 1
	}

	if conf.AdminPort != 0 {
		opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
			Port:        conf.AdminPort,
			Bind:        conf.AdminBind,
			Metrics:     m.Handler(),
			MetricsMW:   m.Middleware,
			Status:      gd.StatusHandler(),
			EnablePprof: conf.EnablePprof,
			Health:      health.Fixed(true, ""),
			Readiness:   health.All(gate.Probe(), hb.Probe()),
			AllowPublic: conf.AdminAllowPublic,
			OnPanic:     m.IncHttpPanic,
		})
		if err != nil {
			L.Error(ctx, err, "failed to start ops http listener")
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := opsStop(sctx); err != nil {
				L.Error(sctx, err, "ops http server shutdown")
			}
		}()
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return gd.Run(egCtx) })
	eg.Go(func() error {
		<-egCtx.Done()
		gate.Set("shutting down")
		return nil
	})
	err = eg.Wait()

	switch {
	case errors.Is(err, guardian.ErrShutdown):
		L.Warn(context.Background(), "circuit breaker tripped, guardian exiting")
		return 0
	case err == nil, errors.Is(err, context.Canceled):
		// rules stay installed on a signal exit
		L.Info(context.Background(), "shutdown signal received, guardian exiting; enforcement rules left in place")
		return 0
	default:
		L.Error(context.Background(), err, "guardian stopped")
		return 1
	}
}

// requireRoot refuses to start without root unless nothing will be executed.
func requireRoot(euid int, dryRun bool) error {
	if euid == 0 || dryRun {
		return nil
	}
	return fmt.Errorf("must run as root (euid=%d); use -dry-run to run unprivileged", euid)
}

func openCheckpoints(ctx context.Context, L log.Logger, conf cfg.App, host string) (checkpoint.Store, error) {
	var stores checkpoint.Multi
	if conf.StateDB != "" {
		s, err := checkpoint.OpenSQLite(ctx, conf.StateDB)
		if err != nil {
			return nil, err
		}
		stores = append(stores, s)
		L.Info(ctx, "sqlite checkpoint enabled", "path", conf.StateDB)
	}
	if conf.StateRedisAddr != "" {
		r, err := checkpoint.DialRedis(ctx, conf.StateRedisAddr, conf.StateRedisPassword,
			checkpoint.WithRedisPrefix("guardian:"+host))
		if err != nil {
			// the local store is enough to keep going
			L.Error(ctx, err, "redis checkpoint disabled", "addr", conf.StateRedisAddr)
		} else {
			stores = append(stores, r)
			L.Info(ctx, "redis checkpoint enabled", "addr", conf.StateRedisAddr)
		}
	}
	switch len(stores) {
	case 0:
		return nil, nil
	case 1:
		return stores[0], nil
	default:
		return stores, nil
	}
}

func openSinks(ctx context.Context, L log.Logger, conf cfg.App, host string) []report.Sink {
	var sinks []report.Sink
	if conf.ReportS3Bucket != "" {
		s, err := report.NewS3Sink(ctx, conf.ReportS3Bucket, conf.ReportS3Prefix, host)
		if err != nil {
			L.Error(ctx, err, "s3 report sink disabled", "bucket", conf.ReportS3Bucket)
		} else {
			sinks = append(sinks, s)
		}
	}
	if conf.AppwriteEndpoint != "" {
		s, err := report.NewAppwriteSink(report.AppwriteOptions{
			Endpoint: conf.AppwriteEndpoint,
			Project:  conf.AppwriteProject,
			APIKey:   conf.AppwriteAPIKey,
			Database: conf.AppwriteDatabase,
			Table:    conf.AppwriteTable,
			Host:     host,
			Timeout:  conf.ReportTimeout,
		})
		if err != nil {
			L.Error(ctx, err, "appwrite report sink disabled", "endpoint", conf.AppwriteEndpoint)
		} else {
			sinks = append(sinks, s)
		}
	}
	return sinks
}

func notifySystemd() error {
	// set when started under systemd with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	_, _ = conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
