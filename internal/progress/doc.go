// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that workers use to report run progress. It batches events per run on a
// background goroutine and fans them out to pluggable sinks such as Prometheus
// metrics or the run history store.
package progress
