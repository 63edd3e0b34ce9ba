package opshttp

import (
	"net/http"

	"github.com/keithlinneman/server-guardian/internal/health"
)

type Options struct {
	Port int
	// Bind is the listen address, 127.0.0.1 when empty.
	Bind string

	Metrics   http.Handler
	MetricsMW func(http.Handler) http.Handler

	// Status serves the control loop snapshot at /api/v1/status.
	Status http.Handler

	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// AllowPublic disables the private-network guard.
	AllowPublic bool

	// OnPanic runs after a handler panic is recovered, e.g. to count it.
	OnPanic func()
}
