// Package metrics exposes the unit's operational instruments through a
// process-local Prometheus registry. Every recording function is a nil-guarded
// package function so components never carry a metrics handle and tests run
// without initialization.
package metrics

import "time"

var startTime = time.Now()

// StartTime returns the time when the process started.
func StartTime() time.Time {
	return startTime
}
