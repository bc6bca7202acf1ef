// Package scheduler triggers periodic measurements.
//
// A schedule is a cron expression, an "@every" descriptor, an HH:MM interval
// or a Go duration. Ticks that fire while a run is active are skipped.
package scheduler
