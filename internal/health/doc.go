// Package health provides composable probes for the ops server's liveness
// and readiness endpoints.
//
// Probes combine with [All] (AND) and [Fixed] (static). [CheckFunc] adapts a
// plain function. [Heartbeat] fails once the control loop stops ticking, and
// [ShutdownGate] flips readiness off while the daemon is exiting.
package health
