// clock.go: Compact monotonic timestamps for bucket state
package ratelimit

import (
	"sync"
	"time"
)

// processStart anchors all InstantSecs values. It is captured on first use,
// from the runtime's steady clock, so wall-clock adjustments never move it.
var processStart = sync.OnceValue(time.Now)

// InstantSecs is a monotonic timestamp in whole seconds since the
// process-local epoch. Four bytes instead of time.Time's twenty-four; every
// tracked address prefix stores one per action type, so the size adds up.
type InstantSecs uint32

// NowSecs returns the current monotonic timestamp. Callable from any
// goroutine without synchronization.
func NowSecs() InstantSecs {
	return InstantSecs(time.Since(processStart()) / time.Second)
}

// secondsSince returns t - earlier, saturating at zero so a stale "now" can
// never underflow the elapsed time.
func (t InstantSecs) secondsSince(earlier InstantSecs) uint32 {
	if earlier >= t {
		return 0
	}
	return uint32(t - earlier)
}
