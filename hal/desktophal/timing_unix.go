//go:build !headless && !windows

package desktophal

import (
	"time"

	"golang.org/x/sys/unix"
)

var bootTime = unixMonotonicNow()

func unixMonotonicNow() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// TickMS returns milliseconds since the port was loaded, sourced from
// CLOCK_MONOTONIC so it is immune to wall-clock adjustments (spec §6.2
// "timing monotonic").
func (p *Port) TickMS() uint32 {
	return uint32((unixMonotonicNow() - bootTime) / int64(time.Millisecond))
}

// Sleep blocks for approximately d milliseconds using a timespec sleep
// rather than time.Sleep, keeping the scan-cycle pacing loop on the same
// monotonic source as TickMS. Retries on EINTR so a signal never shortens
// the pacing interval.
func (p *Port) Sleep(d uint32) {
	ts := unix.NsecToTimespec(int64(d) * int64(time.Millisecond))
	for {
		rem := unix.Timespec{}
		err := unix.Nanosleep(&ts, &rem)
		if err == nil {
			return
		}
		if err != unix.EINTR {
			return
		}
		ts = rem
	}
}
