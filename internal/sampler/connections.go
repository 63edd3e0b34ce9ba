package sampler

import (
	"context"
	"errors"
	iofs "io/fs"
	"net/netip"

	"github.com/prometheus/procfs"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/server-guardian/internal/log"
	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

// TCP_ESTABLISHED in include/net/tcp_states.h
const tcpEstablished = 0x01

// Connections enumerates remote peers of established TCP sockets.
type Connections struct {
	fs             procfs.FS
	ignoreLoopback bool
	exclude        []netip.Prefix
	L              log.Logger
	warn           rate.Sometimes
}

type ConnectionsOptions struct {
	// IgnoreLoopback drops 127.0.0.0/8 and ::1 peers.
	IgnoreLoopback bool
	// Exclude lists peers that are never reported.
	Exclude []netip.Prefix
	Logger  log.Logger
}

func NewConnections(root string, opts ConnectionsOptions) (*Connections, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open procfs at %s", root)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Connections{
		fs:             fs,
		ignoreLoopback: opts.IgnoreLoopback,
		exclude:        opts.Exclude,
		L:              opts.Logger,
		warn:           rate.Sometimes{First: 1, Interval: logEvery},
	}, nil
}

// EstablishedRemoteAddrs returns the remote address (no port) of every
// established IPv4 and IPv6 TCP socket. Duplicates are kept. On failure
// it returns an empty slice with the error.
func (c *Connections) EstablishedRemoteAddrs(ctx context.Context) ([]string, error) {
	addrs, err := c.read()
	if err != nil {
		c.warn.Do(func() {
			c.L.Warn(ctx, "connection sample failed", "err", err)
		})
		return []string{}, err
	}
	return addrs, nil
}

func (c *Connections) read() ([]string, error) {
	v4, err := c.fs.NetTCP()
	if err != nil {
		return nil, xerrors.Wrap(err, "read net/tcp")
	}
	// kernels built without IPv6 have no tcp6 table
	v6, err := c.fs.NetTCP6()
	if err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return nil, xerrors.Wrap(err, "read net/tcp6")
	}

	out := make([]string, 0, len(v4)+len(v6))
	for _, table := range []procfs.NetTCP{v4, v6} {
		for _, line := range table {
			if line.St != tcpEstablished {
				continue
			}
			addr, ok := netip.AddrFromSlice(line.RemAddr)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if c.skip(addr) {
				continue
			}
			out = append(out, addr.String())
		}
	}
	return out, nil
}

func (c *Connections) skip(addr netip.Addr) bool {
	if c.ignoreLoopback && addr.IsLoopback() {
		return true
	}
	for _, p := range c.exclude {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
