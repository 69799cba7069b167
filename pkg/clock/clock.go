// Package clock provides a process-wide monotonic nanosecond timestamp used
// for latency accounting across pipeline stages.
package clock

import "time"

var start = time.Now()

// Nanos returns nanoseconds since process start on the monotonic clock.
// Values are only meaningful relative to other Nanos readings in the same
// process.
func Nanos() uint64 {
	return uint64(time.Since(start))
}
