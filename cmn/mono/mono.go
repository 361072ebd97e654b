// Package mono provides a monotonic nanosecond clock, ported from the
// teacher's cmn/mono helper referenced throughout fs and lru.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since package init; monotonic,
// never affected by wall-clock adjustments.
func NanoTime() int64 {
	return int64(time.Since(start))
}
