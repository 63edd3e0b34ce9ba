// Package opshttp is the admin listener: metrics, health probes, the
// guardian status snapshot and, when enabled, pprof.
package opshttp

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/server-guardian/internal/health"
	"github.com/keithlinneman/server-guardian/internal/log"
	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

const (
	DefaultPort = 9100
	DefaultBind = "127.0.0.1"
)

// NewHandler builds the ops router with its middleware.
func NewHandler(L log.Logger, opts Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	r := chi.NewRouter()
	// inside the router so the route pattern is known once next returns
	r.Use(annotateRoute)
	if opts.MetricsMW != nil {
		r.Use(opts.MetricsMW)
	}
	r.Use(accessLog(L))

	r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Status != nil {
		r.Handle("/api/v1/status", opts.Status)
	}

	// pprof, or shadow it with 404s
	if opts.EnablePprof {
		RegisterPprof(r)
	} else {
		r.HandleFunc("/debug/pprof/*", http.NotFound)
	}

	var h http.Handler = r

	// scrapes and probes are not traced
	h = otelhttp.NewHandler(h, "ops.http",
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/metrics", "/-/healthy", "/-/ready":
				return false
			}
			return true
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	h = Recover(L, opts.OnPanic)(h)
	if !opts.AllowPublic {
		h = requireNonPublicNetwork(L, h)
	}
	return h
}

func newServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// profile and trace run for up to 30s by default
		WriteTimeout:   40 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

// Start serves the ops router on Bind:Port until the returned stop
// function is called.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	bind := opts.Bind
	if bind == "" {
		bind = DefaultBind
	}
	addr := net.JoinHostPort(bind, strconv.Itoa(port))

	srv := newServer(addr, NewHandler(L, opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
