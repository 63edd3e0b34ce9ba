// Package enforce drives the host's packet filter and traffic shaper, and
// owns the power-off primitive. Commands go through a Runner so tests and
// dry-run mode never touch the network stack.
package enforce

import (
	"context"
	"strconv"

	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

const (
	DefaultBurst   = "32kbit"
	DefaultLatency = "400ms"
)

// Shell applies policy with iptables, tc and shutdown.
type Shell struct {
	Runner    Runner
	Interface string

	// token bucket parameters passed to tc tbf
	Burst   string
	Latency string
}

// New returns a Shell for iface, filling burst and latency defaults.
func New(r Runner, iface, burst, latency string) *Shell {
	if burst == "" {
		burst = DefaultBurst
	}
	if latency == "" {
		latency = DefaultLatency
	}
	return &Shell{Runner: r, Interface: iface, Burst: burst, Latency: latency}
}

// ApplyConnectionLimit rejects new inbound SYNs from any source that already
// holds more than maxIPs concurrent connections. The rule is deleted before
// it is appended so repeated calls never stack duplicates.
func (s *Shell) ApplyConnectionLimit(ctx context.Context, maxIPs int) error {
	if maxIPs < 1 {
		return xerrors.Newf("connection limit must be >= 1 (got %d)", maxIPs)
	}
	// "rule not found" on the first run is expected
	_ = s.Runner.Run(ctx, "iptables", connlimitArgs("-D", maxIPs)...)
	if err := s.Runner.Run(ctx, "iptables", connlimitArgs("-A", maxIPs)...); err != nil {
		return xerrors.Wrap(err, "install connlimit rule")
	}
	return nil
}

// SetBandwidthCeiling replaces the root qdisc on the interface with a token
// bucket filter capped at mbit.
func (s *Shell) SetBandwidthCeiling(ctx context.Context, mbit int) error {
	if mbit < 1 {
		return xerrors.Newf("bandwidth ceiling must be >= 1 mbit (got %d)", mbit)
	}
	// no root qdisc to delete is fine
	_ = s.Runner.Run(ctx, "tc", "qdisc", "del", "dev", s.Interface, "root")
	err := s.Runner.Run(ctx, "tc", "qdisc", "add", "dev", s.Interface, "root", "tbf",
		"rate", strconv.Itoa(mbit)+"mbit",
		"burst", s.Burst,
		"latency", s.Latency,
	)
	if err != nil {
		return xerrors.Wrapf(err, "set %s ceiling to %dmbit", s.Interface, mbit)
	}
	return nil
}

// PowerOff halts the host.
func (s *Shell) PowerOff(ctx context.Context) error {
	if err := s.Runner.Run(ctx, "shutdown", "-h", "now"); err != nil {
		return xerrors.Wrap(err, "power off")
	}
	return nil
}

func connlimitArgs(op string, maxIPs int) []string {
	return []string{
		op, "INPUT",
		"-p", "tcp", "--syn",
		"-m", "connlimit", "--connlimit-above", strconv.Itoa(maxIPs),
		"-j", "REJECT",
	}
}
