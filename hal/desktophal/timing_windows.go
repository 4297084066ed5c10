//go:build !headless && windows

package desktophal

import (
	"time"

	"golang.org/x/sys/windows"
)

var (
	perfFrequency = queryPerfFrequency()
	perfEpoch     = queryPerfCounter()
)

func queryPerfFrequency() int64 {
	var freq int64
	if err := windows.QueryPerformanceFrequency(&freq); err != nil || freq == 0 {
		return 1
	}
	return freq
}

func queryPerfCounter() int64 {
	var c int64
	windows.QueryPerformanceCounter(&c)
	return c
}

// TickMS returns milliseconds since the port was loaded, sourced from
// QueryPerformanceCounter so it is immune to wall-clock adjustments (spec
// §6.2 "timing monotonic").
func (p *Port) TickMS() uint32 {
	elapsed := queryPerfCounter() - perfEpoch
	return uint32(elapsed * 1000 / perfFrequency)
}

// Sleep blocks for approximately d milliseconds.
func (p *Port) Sleep(d uint32) {
	time.Sleep(time.Duration(d) * time.Millisecond)
}
