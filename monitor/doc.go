// Package monitor records operation latencies and event counts and reports
// them periodically to one or more sinks.
package monitor
