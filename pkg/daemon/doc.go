// Package daemon provides the Engine harness that starts the intrinsic
// sources, reads pkg/config's YAML convention to build sinks on top of
// them, and runs the dispatcher loop until a caller cancels its context.
package daemon
