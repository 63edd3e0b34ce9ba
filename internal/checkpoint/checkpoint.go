// Package checkpoint persists the current accounting day so a restart
// mid-day resumes its counters, and keeps the incident history across the
// power-offs the breaker causes.
//
// Two backends are provided: [SQLite] for a local file and [Redis] for a
// store that outlives the host's disk. [Multi] fans out to several.
package checkpoint

import (
	"context"
	"errors"

	"github.com/keithlinneman/server-guardian/internal/accounting"
	"github.com/keithlinneman/server-guardian/internal/breaker"
)

type Store interface {
	// Load returns the saved record for day. ok is false when none exists.
	Load(ctx context.Context, day string) (s accounting.Summary, ok bool, err error)
	Save(ctx context.Context, s accounting.Summary) error

	RecordIncident(ctx context.Context, inc breaker.Incident) error
	// LastIncident returns the most recent recorded incident, if any.
	LastIncident(ctx context.Context) (inc breaker.Incident, ok bool, err error)

	Close() error
}

// Multi writes to every store and reads from the first that has data.
type Multi []Store

func (m Multi) Load(ctx context.Context, day string) (accounting.Summary, bool, error) {
	var errs []error
	for _, s := range m {
		sum, ok, err := s.Load(ctx, day)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return sum, true, nil
		}
	}
	return accounting.Summary{}, false, errors.Join(errs...)
}

func (m Multi) Save(ctx context.Context, sum accounting.Summary) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Save(ctx, sum))
	}
	return errors.Join(errs...)
}

func (m Multi) RecordIncident(ctx context.Context, inc breaker.Incident) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordIncident(ctx, inc))
	}
	return errors.Join(errs...)
}

// LastIncident returns the newest incident across all stores.
func (m Multi) LastIncident(ctx context.Context) (breaker.Incident, bool, error) {
	var (
		best  breaker.Incident
		found bool
		errs  []error
	)
	for _, s := range m {
		inc, ok, err := s.LastIncident(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok && (!found || inc.At.After(best.At)) {
			best, found = inc, true
		}
	}
	return best, found, errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
