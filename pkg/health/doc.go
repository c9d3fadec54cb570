// Package health provides HTTP, TCP, and exec liveness checkers, reused by
// the subprocess supervisor to probe a running child and by the daemon's
// own /healthz endpoint via pkg/metrics's component registry.
package health
