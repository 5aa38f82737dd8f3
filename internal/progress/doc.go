// Package progress turns job phase reports into a non-blocking event stream.
// The Hub batches events on a background goroutine and fans them out to
// pluggable sinks such as structured logs, Prometheus gauges, or a message
// publisher.
package progress
