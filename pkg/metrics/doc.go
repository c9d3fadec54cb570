// Package metrics defines wisp's Prometheus metrics and the component
// health registry served at /healthz, /ready, and /live.
package metrics
