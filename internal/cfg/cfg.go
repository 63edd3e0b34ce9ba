package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/server-guardian/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "GUARDIAN_"

type App struct {
	// policy
	Interface         string
	MaxConcurrentIPs  int
	MaxDailyUniqueIPs int
	NormalLimitMbit   int
	ThrottleLimitMbit int
	TriggerMbit       float64
	TriggerDuration   time.Duration
	PunishDuration    time.Duration
	MaxDailyTrafficGB float64
	ResetHour         int
	TickInterval      time.Duration
	IgnoreLoopback    bool
	ExcludeCIDRs      string
	DryRun            bool

	// enforcement
	CommandTimeout time.Duration
	TCBurst        string
	TCLatency      string
	ProcRoot       string

	// durable state
	ShutdownLog        string
	StateDB            string
	StateRedisAddr     string
	StateRedisPassword string
	CheckpointInterval time.Duration

	// reporting
	ReportInterval   time.Duration
	ReportTimeout    time.Duration
	ReportS3Bucket   string
	ReportS3Prefix   string
	AppwriteEndpoint string
	AppwriteProject  string
	AppwriteAPIKey   string
	AppwriteDatabase string
	AppwriteTable    string

	// ops / observability
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	AdminPort         int
	AdminBind         string
	AdminAllowPublic  bool
	EnablePprof       bool
	EnableTracing     bool
	OTLPEndpoint      string
	TraceSample       float64
	EnablePyroscope   bool
	PyroServer        string
	PyroTenantID      string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.StringVar(&c.Interface, "interface", "eth0", "network interface to shape and meter")
	fs.IntVar(&c.MaxConcurrentIPs, "max-concurrent-ips", 8, "reject new TCP connections from a source above this many concurrent connections")
	fs.IntVar(&c.MaxDailyUniqueIPs, "max-daily-unique-ips", 15, "power off when more distinct client addresses than this are seen in one day")
	fs.IntVar(&c.NormalLimitMbit, "normal-limit-mbit", 150, "bandwidth ceiling in normal state (mbit/s)")
	fs.IntVar(&c.ThrottleLimitMbit, "throttle-limit-mbit", 60, "bandwidth ceiling while throttled (mbit/s)")
	fs.Float64Var(&c.TriggerMbit, "trigger-mbit", 100, "throughput above this counts as overage (mbit/s)")
	fs.DurationVar(&c.TriggerDuration, "trigger-duration", 10*time.Second, "sustained overage needed to throttle")
	fs.DurationVar(&c.PunishDuration, "punish-duration", 900*time.Second, "how long a throttle lasts")
	fs.Float64Var(&c.MaxDailyTrafficGB, "max-daily-traffic-gb", 100, "power off when daily rx+tx exceeds this many GiB")
	fs.IntVar(&c.ResetHour, "reset-hour", 0, "local hour (0..23) at which the accounting day starts")
	fs.DurationVar(&c.TickInterval, "tick-interval", time.Second, "control loop cadence")
	fs.BoolVar(&c.IgnoreLoopback, "ignore-loopback", true, "do not count loopback peers as clients")
	fs.StringVar(&c.ExcludeCIDRs, "exclude-cidrs", "", "comma separated CIDRs never counted as clients")
	fs.BoolVar(&c.DryRun, "dry-run", false, "log enforcement and shutdown commands instead of running them")

	fs.DurationVar(&c.CommandTimeout, "command-timeout", 5*time.Second, "timeout for each iptables/tc/shutdown invocation")
	fs.StringVar(&c.TCBurst, "tc-burst", "32kbit", "token bucket burst passed to tc")
	fs.StringVar(&c.TCLatency, "tc-latency", "400ms", "token bucket latency bound passed to tc")
	fs.StringVar(&c.ProcRoot, "proc-root", "/proc", "proc filesystem mount point")

	fs.StringVar(&c.ShutdownLog, "shutdown-log", "/var/log/server_shutdown.log", "append-only log of breaker shutdowns")
	fs.StringVar(&c.StateDB, "state-db", "", "sqlite path for the daily checkpoint (empty disables)")
	fs.StringVar(&c.StateRedisAddr, "state-redis-addr", "", "redis host:port for the daily checkpoint (empty disables)")
	fs.StringVar(&c.StateRedisPassword, "state-redis-password", "", "redis password")
	fs.DurationVar(&c.CheckpointInterval, "checkpoint-interval", 5*time.Second, "how often the daily checkpoint is flushed")

	fs.DurationVar(&c.ReportInterval, "report-interval", 5*time.Minute, "how often the daily summary is published")
	fs.DurationVar(&c.ReportTimeout, "report-timeout", 5*time.Second, "timeout for each report publish")
	fs.StringVar(&c.ReportS3Bucket, "report-s3-bucket", "", "s3 bucket for daily summaries and incidents (empty disables)")
	fs.StringVar(&c.ReportS3Prefix, "report-s3-prefix", "server-guardian", "s3 key prefix for reports")
	fs.StringVar(&c.AppwriteEndpoint, "appwrite-endpoint", "", "appwrite endpoint (empty disables)")
	fs.StringVar(&c.AppwriteProject, "appwrite-project", "", "appwrite project id")
	fs.StringVar(&c.AppwriteAPIKey, "appwrite-api-key", "", "appwrite api key")
	fs.StringVar(&c.AppwriteDatabase, "appwrite-database", "", "appwrite database id")
	fs.StringVar(&c.AppwriteTable, "appwrite-table", "", "appwrite table id")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.IntVar(&c.AdminPort, "admin-port", 9100, "ops listen TCP port (1..65535, 0 disables)")
	fs.StringVar(&c.AdminBind, "admin-bind", "127.0.0.1", "ops listen address")
	fs.BoolVar(&c.AdminAllowPublic, "admin-allow-public", false, "Serve ops requests from public peer addresses")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof on the ops port")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// ParseCIDRs parses the comma separated exclude list. Bare addresses are
// accepted as single-host prefixes.
func ParseCIDRs(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", part, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", part, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Policy
	if strings.TrimSpace(c.Interface) == "" || strings.ContainsAny(c.Interface, "/ ") {
		errs = append(errs, fmt.Errorf("invalid INTERFACE %q", c.Interface))
	}
	if c.MaxConcurrentIPs < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_IPS must be >= 1 (got %d)", c.MaxConcurrentIPs))
	}
	if c.MaxDailyUniqueIPs < 1 {
		errs = append(errs, fmt.Errorf("MAX_DAILY_UNIQUE_IPS must be >= 1 (got %d)", c.MaxDailyUniqueIPs))
	}
	if c.NormalLimitMbit < 1 {
		errs = append(errs, fmt.Errorf("NORMAL_LIMIT_MBIT must be >= 1 (got %d)", c.NormalLimitMbit))
	}
	if c.ThrottleLimitMbit < 1 {
		errs = append(errs, fmt.Errorf("THROTTLE_LIMIT_MBIT must be >= 1 (got %d)", c.ThrottleLimitMbit))
	}
	if c.ThrottleLimitMbit > c.NormalLimitMbit {
		errs = append(errs, fmt.Errorf("THROTTLE_LIMIT_MBIT (%d) must not exceed NORMAL_LIMIT_MBIT (%d)", c.ThrottleLimitMbit, c.NormalLimitMbit))
	}
	if c.TriggerMbit <= 0 {
		errs = append(errs, fmt.Errorf("TRIGGER_MBIT must be > 0 (got %g)", c.TriggerMbit))
	}
	if c.TickInterval < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("TICK_INTERVAL must be >= 10ms (got %s)", c.TickInterval))
	}
	if c.TriggerDuration < c.TickInterval {
		errs = append(errs, fmt.Errorf("TRIGGER_DURATION (%s) must be >= TICK_INTERVAL (%s)", c.TriggerDuration, c.TickInterval))
	}
	if c.PunishDuration <= 0 {
		errs = append(errs, fmt.Errorf("PUNISH_DURATION must be > 0 (got %s)", c.PunishDuration))
	}
	if c.MaxDailyTrafficGB <= 0 {
		errs = append(errs, fmt.Errorf("MAX_DAILY_TRAFFIC_GB must be > 0 (got %g)", c.MaxDailyTrafficGB))
	}
	if c.ResetHour < 0 || c.ResetHour > 23 {
		errs = append(errs, fmt.Errorf("RESET_HOUR must be 0..23 (got %d)", c.ResetHour))
	}
	if _, err := ParseCIDRs(c.ExcludeCIDRs); err != nil {
		errs = append(errs, fmt.Errorf("invalid EXCLUDE_CIDRS: %w", err))
	}

	// Enforcement
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("COMMAND_TIMEOUT must be > 0 (got %s)", c.CommandTimeout))
	}
	if c.TCBurst == "" || c.TCLatency == "" {
		errs = append(errs, fmt.Errorf("TC_BURST and TC_LATENCY are required"))
	}
	if c.ProcRoot == "" {
		errs = append(errs, fmt.Errorf("PROC_ROOT is required"))
	}

	// Durable state
	if c.ShutdownLog == "" {
		errs = append(errs, fmt.Errorf("SHUTDOWN_LOG is required"))
	}
	if c.StateRedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.StateRedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("STATE_REDIS_ADDR must be host:port (got %q): %v", c.StateRedisAddr, err))
		}
	}
	if (c.StateDB != "" || c.StateRedisAddr != "") && c.CheckpointInterval <= 0 {
		errs = append(errs, fmt.Errorf("CHECKPOINT_INTERVAL must be > 0 when a state store is configured"))
	}

	// Reporting
	if c.ReportS3Bucket != "" || c.AppwriteEndpoint != "" {
		if c.ReportInterval <= 0 {
			errs = append(errs, fmt.Errorf("REPORT_INTERVAL must be > 0 when reporting is enabled"))
		}
		if c.ReportTimeout <= 0 {
			errs = append(errs, fmt.Errorf("REPORT_TIMEOUT must be > 0 when reporting is enabled"))
		}
	}
	if c.AppwriteEndpoint != "" {
		if u, err := url.Parse(c.AppwriteEndpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("APPWRITE_ENDPOINT must be a URL (got %q)", c.AppwriteEndpoint))
		}
		if c.AppwriteProject == "" || c.AppwriteAPIKey == "" || c.AppwriteDatabase == "" || c.AppwriteTable == "" {
			errs = append(errs, fmt.Errorf("APPWRITE_PROJECT, APPWRITE_API_KEY, APPWRITE_DATABASE and APPWRITE_TABLE are required when APPWRITE_ENDPOINT is set"))
		}
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Ops server
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 0..65535)", c.AdminPort))
	}
	if c.AdminPort != 0 && net.ParseIP(c.AdminBind) == nil {
		errs = append(errs, fmt.Errorf("ADMIN_BIND must be an IP address (got %q)", c.AdminBind))
	}

	// Tracing
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pyroscope
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
