// Package breaker holds the daily circuit breakers. A trip is terminal:
// it is written to the shutdown log, recorded best effort, and followed by
// the power-off primitive.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/server-guardian/internal/log"
	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

const bytesPerGiB = 1 << 30

type Reason string

const (
	ReasonDailyTraffic Reason = "daily traffic exceeded"
	ReasonDailyUnique  Reason = "daily unique address count exceeded"
)

// Label is the metric label form of r.
func (r Reason) Label() string {
	switch r {
	case ReasonDailyTraffic:
		return "daily_traffic"
	case ReasonDailyUnique:
		return "daily_unique"
	default:
		return "other"
	}
}

// Incident describes one trip.
type Incident struct {
	At          time.Time `json:"at"`
	Reason      Reason    `json:"reason"`
	Day         string    `json:"day"`
	TotalBytes  uint64    `json:"total_bytes"`
	UniqueAddrs int       `json:"unique_addrs"`
	Host        string    `json:"host,omitempty"`
}

// IncidentRecorder persists or forwards an incident before power-off.
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, inc Incident) error
}

type PowerOffer interface {
	PowerOff(ctx context.Context) error
}

type Options struct {
	Logger            log.Logger
	MaxDailyTrafficGB float64
	MaxDailyUniqueIPs int

	// ShutdownLog is appended one line per trip.
	ShutdownLog string
	PowerOff    PowerOffer

	// Recorders run in order before power-off, each bounded by RecordTimeout.
	Recorders     []IncidentRecorder
	RecordTimeout time.Duration
}

type Breaker struct {
	logger        log.Logger
	maxGB         float64
	maxUnique     int
	shutdownLog   string
	power         PowerOffer
	recorders     []IncidentRecorder
	recordTimeout time.Duration

	tripped atomic.Bool
}

func New(opts Options) *Breaker {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 5 * time.Second
	}
	return &Breaker{
		logger:        opts.Logger,
		maxGB:         opts.MaxDailyTrafficGB,
		maxUnique:     opts.MaxDailyUniqueIPs,
		shutdownLog:   opts.ShutdownLog,
		power:         opts.PowerOff,
		recorders:     opts.Recorders,
		recordTimeout: opts.RecordTimeout,
	}
}

// CheckTraffic reports whether totalBytes is strictly above the daily
// ceiling. Equal is not a trip.
func (b *Breaker) CheckTraffic(totalBytes uint64) bool {
	return float64(totalBytes)/bytesPerGiB > b.maxGB
}

// CheckUnique reports whether count is strictly above the daily ceiling.
func (b *Breaker) CheckUnique(count int) bool {
	return count > b.maxUnique
}

func (b *Breaker) Tripped() bool { return b.tripped.Load() }

// Trip runs the shutdown sequence once per process. Later calls return nil
// without side effects. Cancellation of ctx is ignored; each recorder is
// bounded by RecordTimeout instead. Failures to log or record do not stop the
// power-off; they are returned joined with any power-off error.
func (b *Breaker) Trip(ctx context.Context, inc Incident) error {
	if !b.tripped.CompareAndSwap(false, true) {
		return nil
	}
	if inc.At.IsZero() {
		inc.At = time.Now()
	}
	// a signal arriving mid-trip must not stop the power-off
	ctx = context.WithoutCancel(ctx)

	L := b.logger.With("reason", string(inc.Reason), "day", inc.Day)
	L.Warn(ctx, "circuit breaker tripped, powering off",
		"total_bytes", inc.TotalBytes,
		"unique_addrs", inc.UniqueAddrs,
	)

	var errs []error
	if b.shutdownLog != "" {
		if err := AppendShutdownLog(b.shutdownLog, inc.At, inc.Reason); err != nil {
			L.Error(ctx, err, "write shutdown log")
			errs = append(errs, err)
		}
	}

	for _, r := range b.recorders {
		rctx, cancel := context.WithTimeout(ctx, b.recordTimeout)
		err := r.RecordIncident(rctx, inc)
		cancel()
		if err != nil {
			L.Error(ctx, err, "record incident", "recorder", fmt.Sprintf("%T", r))
			errs = append(errs, err)
		}
	}

	if b.power == nil {
		errs = append(errs, xerrors.New("no power-off primitive configured"))
	} else if err := b.power.PowerOff(ctx); err != nil {
		L.Error(ctx, err, "power off failed")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

const shutdownLogLayout = "2006-01-02 15:04:05.000000"

// AppendShutdownLog appends "<ts> - Shutdown triggered by: <reason>" to path,
// creating it if needed, and syncs it to disk.
func AppendShutdownLog(path string, at time.Time, reason Reason) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Wrapf(err, "open shutdown log %s", path)
	}
	line := fmt.Sprintf("%s - Shutdown triggered by: %s\n", at.Format(shutdownLogLayout), reason)
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return xerrors.Wrapf(err, "append shutdown log %s", path)
	}
	// the host is about to power off
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return xerrors.Wrapf(err, "sync shutdown log %s", path)
	}
	return f.Close()
}
