// Package sampler reads interface byte counters and the TCP socket tables
// from the proc filesystem.
package sampler

import (
	"context"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/server-guardian/internal/log"
	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

// repeated failures are logged at most once per interval
const logEvery = time.Minute

// Traffic reads cumulative rx+tx bytes for one interface from net/dev.
type Traffic struct {
	fs    procfs.FS
	iface string
	L     log.Logger
	warn  rate.Sometimes
}

// NewTraffic opens the proc filesystem at root (usually /proc).
func NewTraffic(root, iface string, L log.Logger) (*Traffic, error) {
	fs, err := procfs.NewFS(root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open procfs at %s", root)
	}
	if L == nil {
		L = log.Nop()
	}
	return &Traffic{fs: fs, iface: iface, L: L, warn: rate.Sometimes{First: 1, Interval: logEvery}}, nil
}

// CumulativeBytes returns received plus transmitted bytes since the
// interface was last reset. On failure it returns 0 with the error.
func (t *Traffic) CumulativeBytes(ctx context.Context) (uint64, error) {
	n, err := t.read()
	if err != nil {
		t.warn.Do(func() {
			t.L.Warn(ctx, "traffic sample failed", "interface", t.iface, "err", err)
		})
		return 0, err
	}
	return n, nil
}

func (t *Traffic) read() (uint64, error) {
	nd, err := t.fs.NetDev()
	if err != nil {
		return 0, xerrors.Wrap(err, "read net/dev")
	}
	line, ok := nd[t.iface]
	if !ok {
		return 0, xerrors.Newf("interface %q not present in net/dev", t.iface)
	}
	return line.RxBytes + line.TxBytes, nil
}
