// Package report publishes daily summaries and breaker incidents off the
// host, so the record survives the power-off that an incident causes.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/keithlinneman/server-guardian/internal/accounting"
	"github.com/keithlinneman/server-guardian/internal/breaker"
	"github.com/keithlinneman/server-guardian/internal/log"
)

// Daily is the published form of one accounting day.
type Daily struct {
	Host        string    `json:"host"`
	Day         string    `json:"day"`
	Start       time.Time `json:"start"`
	GeneratedAt time.Time `json:"generated_at"`
	// Final is set once the day has rolled over and will not change again.
	Final       bool     `json:"final"`
	TotalBytes  uint64   `json:"total_bytes"`
	UniqueAddrs int      `json:"unique_addrs"`
	Addrs       []string `json:"addrs,omitempty"`
}

func NewDaily(host string, s accounting.Summary, final bool, now time.Time) Daily {
	return Daily{
		Host:        host,
		Day:         s.Day,
		Start:       s.Start,
		GeneratedAt: now,
		Final:       final,
		TotalBytes:  s.TotalBytes,
		UniqueAddrs: s.UniqueAddrs,
		Addrs:       s.Addrs,
	}
}

type Sink interface {
	Name() string
	PublishDaily(ctx context.Context, d Daily) error
	RecordIncident(ctx context.Context, inc breaker.Incident) error
}

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncReportError(sink string)
}

type PublisherOptions struct {
	Logger  log.Logger
	Host    string
	Sinks   []Sink
	Timeout time.Duration
	Metrics Metrics
	Now     func() time.Time
}

// Publisher fans a report out to every sink, each bounded by Timeout.
// A failing sink is logged and counted and never blocks the others.
type Publisher struct {
	logger  log.Logger
	host    string
	sinks   []Sink
	timeout time.Duration
	metrics Metrics
	now     func() time.Time
}

func NewPublisher(opts PublisherOptions) *Publisher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{
		logger:  opts.Logger,
		host:    opts.Host,
		sinks:   opts.Sinks,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Enabled reports whether any sink is configured.
func (p *Publisher) Enabled() bool { return p != nil && len(p.sinks) > 0 }

func (p *Publisher) PublishDaily(ctx context.Context, s accounting.Summary, final bool) error {
	if !p.Enabled() {
		return nil
	}
	d := NewDaily(p.host, s, final, p.now())
	return p.each(ctx, "publish daily summary", func(ctx context.Context, sink Sink) error {
		return sink.PublishDaily(ctx, d)
	})
}

// RecordIncident makes the publisher a breaker.IncidentRecorder.
func (p *Publisher) RecordIncident(ctx context.Context, inc breaker.Incident) error {
	if !p.Enabled() {
		return nil
	}
	if inc.Host == "" {
		inc.Host = p.host
	}
	return p.each(ctx, "publish incident", func(ctx context.Context, sink Sink) error {
		return sink.RecordIncident(ctx, inc)
	})
}

func (p *Publisher) each(ctx context.Context, what string, fn func(context.Context, Sink) error) error {
	var errs []error
	for _, sink := range p.sinks {
		sctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := fn(sctx, sink)
		cancel()
		if err == nil {
			continue
		}
		p.logger.Error(ctx, err, what, "sink", sink.Name())
		if p.metrics != nil {
			p.metrics.IncReportError(sink.Name())
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
