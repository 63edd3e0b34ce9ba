package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses args, and
// returns the FlagSet too so env fill can be exercised.
func newTestConfig(t *testing.T, args []string) (App, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c, fs
}

func TestRegister_Defaults(t *testing.T) {
	c, _ := newTestConfig(t, nil)

	if c.Interface != "eth0" {
		t.Errorf("Interface = %q", c.Interface)
	}
	if c.MaxConcurrentIPs != 8 || c.MaxDailyUniqueIPs != 15 {
		t.Errorf("connection limits = %d/%d, want 8/15", c.MaxConcurrentIPs, c.MaxDailyUniqueIPs)
	}
	if c.NormalLimitMbit != 150 || c.ThrottleLimitMbit != 60 {
		t.Errorf("ceilings = %d/%d, want 150/60", c.NormalLimitMbit, c.ThrottleLimitMbit)
	}
	if c.TriggerMbit != 100 || c.TriggerDuration != 10*time.Second || c.PunishDuration != 900*time.Second {
		t.Errorf("trigger = %g/%s/%s", c.TriggerMbit, c.TriggerDuration, c.PunishDuration)
	}
	if c.MaxDailyTrafficGB != 100 {
		t.Errorf("MaxDailyTrafficGB = %g", c.MaxDailyTrafficGB)
	}
	if c.TickInterval != time.Second {
		t.Errorf("TickInterval = %s", c.TickInterval)
	}
	if c.ShutdownLog != "/var/log/server_shutdown.log" {
		t.Errorf("ShutdownLog = %q", c.ShutdownLog)
	}
	if c.TCBurst != "32kbit" || c.TCLatency != "400ms" {
		t.Errorf("tc = %q/%q", c.TCBurst, c.TCLatency)
	}
	if c.AdminBind != "127.0.0.1" || c.AdminAllowPublic {
		t.Errorf("admin = %q public=%v, want loopback only", c.AdminBind, c.AdminAllowPublic)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c, _ := newTestConfig(t, []string{
		"-interface=ens33",
		"-max-daily-unique-ips=50",
		"-trigger-duration=30s",
		"-punish-duration=5m",
		"-max-daily-traffic-gb=12.5",
		"-dry-run",
		"-state-db=/var/lib/guardian/state.db",
	})
	if c.Interface != "ens33" {
		t.Errorf("Interface = %q", c.Interface)
	}
	if c.MaxDailyUniqueIPs != 50 {
		t.Errorf("MaxDailyUniqueIPs = %d", c.MaxDailyUniqueIPs)
	}
	if c.TriggerDuration != 30*time.Second || c.PunishDuration != 5*time.Minute {
		t.Errorf("durations = %s/%s", c.TriggerDuration, c.PunishDuration)
	}
	if c.MaxDailyTrafficGB != 12.5 {
		t.Errorf("MaxDailyTrafficGB = %g", c.MaxDailyTrafficGB)
	}
	if !c.DryRun {
		t.Error("DryRun: want true")
	}
	if c.StateDB != "/var/lib/guardian/state.db" {
		t.Errorf("StateDB = %q", c.StateDB)
	}
}

func TestFillFromEnv_Precedence(t *testing.T) {
	t.Setenv("GUARDIAN_INTERFACE", "wlan0")
	t.Setenv("GUARDIAN_MAX_CONCURRENT_IPS", "20")
	t.Setenv("GUARDIAN_NORMAL_LIMIT_MBIT", "not-a-number")

	c, fs := newTestConfig(t, []string{"-max-concurrent-ips=4"})
	var logged []string
	FillFromEnv(fs, EnvPrefix, func(format string, args ...any) {
		logged = append(logged, format)
	})

	if c.Interface != "wlan0" {
		t.Errorf("env should fill unset flag: Interface = %q", c.Interface)
	}
	if c.MaxConcurrentIPs != 4 {
		t.Errorf("cli should beat env: MaxConcurrentIPs = %d", c.MaxConcurrentIPs)
	}
	if c.NormalLimitMbit != 150 {
		t.Errorf("invalid env should keep default: NormalLimitMbit = %d", c.NormalLimitMbit)
	}
	if len(logged) != 2 {
		t.Errorf("expected 2 log lines (override + invalid), got %d", len(logged))
	}
}

func TestParseCIDRs(t *testing.T) {
	got, err := ParseCIDRs(" 10.0.0.0/8, 192.168.1.7 ,2001:db8::/32,")
	if err != nil {
		t.Fatalf("ParseCIDRs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[1].String() != "192.168.1.7/32" {
		t.Errorf("bare address = %s, want /32", got[1])
	}
	if _, err := ParseCIDRs("10.0.0.0/33"); err == nil {
		t.Error("expected error for bad prefix length")
	}
	if _, err := ParseCIDRs("example.com"); err == nil {
		t.Error("expected error for hostname")
	}
}

func TestValidate(t *testing.T) {
	valid, _ := newTestConfig(t, nil)

	cases := []struct {
		name   string
		mutate func(*App)
		want   string
	}{
		{"empty interface", func(c *App) { c.Interface = "" }, "INTERFACE"},
		{"zero unique", func(c *App) { c.MaxDailyUniqueIPs = 0 }, "MAX_DAILY_UNIQUE_IPS"},
		{"throttle above normal", func(c *App) { c.ThrottleLimitMbit = 200 }, "must not exceed"},
		{"trigger shorter than tick", func(c *App) { c.TriggerDuration = 500 * time.Millisecond }, "TRIGGER_DURATION"},
		{"zero punish", func(c *App) { c.PunishDuration = 0 }, "PUNISH_DURATION"},
		{"zero traffic", func(c *App) { c.MaxDailyTrafficGB = 0 }, "MAX_DAILY_TRAFFIC_GB"},
		{"reset hour", func(c *App) { c.ResetHour = 24 }, "RESET_HOUR"},
		{"bad cidr", func(c *App) { c.ExcludeCIDRs = "nope" }, "EXCLUDE_CIDRS"},
		{"bad redis", func(c *App) { c.StateRedisAddr = "redis" }, "STATE_REDIS_ADDR"},
		{"appwrite partial", func(c *App) { c.AppwriteEndpoint = "https://cloud.appwrite.io/v1" }, "APPWRITE_PROJECT"},
		{"bad log level", func(c *App) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"bad admin bind", func(c *App) { c.AdminBind = "localhost" }, "ADMIN_BIND"},
		{"tracing without endpoint", func(c *App) { c.EnableTracing = true }, "OTLP_ENDPOINT"},
		{"pyroscope bad url", func(c *App) { c.EnablePyroscope = true; c.PyroServer = "pyro:4040" }, "PYRO_SERVER"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			wantErrContains(t, Validate(c), tc.want)
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	c, _ := newTestConfig(t, nil)
	c.MaxConcurrentIPs = 0
	c.LogLevel = "nope"
	err := Validate(c)
	wantErrContains(t, err, "MAX_CONCURRENT_IPS")
	wantErrContains(t, err, "LOG_LEVEL")
}

func TestValidate_AdminDisabledSkipsBind(t *testing.T) {
	c, _ := newTestConfig(t, nil)
	c.AdminPort = 0
	c.AdminBind = ""
	if err := Validate(c); err != nil {
		t.Fatalf("admin disabled should not require a bind address: %v", err)
	}
}
