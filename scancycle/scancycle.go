// Package scancycle implements the Scan-cycle Orchestrator (C6, spec §4.6):
// the fixed five-phase outer loop — INPUT LATCH, TASK EXECUTION, OUTPUT
// FLUSH, HOUSEKEEPING, PACING — that couples the scheduler to a HAL port.
//
// PACING computes a deadline, lets the other phases do their work, then
// sleeps and checks again; if the deadline has already passed it does not
// sleep at all, so the cycle runs as fast as it can instead of compounding
// an overrun. Orchestrator.Run constructs nothing itself — it assumes every
// subsystem is already wired and simply hands control to one blocking loop.
package scancycle

import (
	"context"
	"sync"

	"github.com/zplcvm/zplcvm/hal"
	"github.com/zplcvm/zplcvm/loader"
	"github.com/zplcvm/zplcvm/memory"
	"github.com/zplcvm/zplcvm/persist"
	"github.com/zplcvm/zplcvm/scheduler"
)

// I/O map entry type_id values: digital channels are 1 byte wide, analog
// channels are the 2-byte u16 the HAL's adc_read/dac_write contract uses.
const (
	IOTypeDigital = 0
	IOTypeAnalog  = 1
)

// Stats is the cumulative scan-cycle counters exposed to the operator
// surface's "status" command (spec §6.3).
type Stats struct {
	Cycles   uint64
	Overruns uint64
}

// Orchestrator drives one loaded program's scan cycle over a shared
// memory.Map, scheduler, HAL port, and persistence gateway.
type Orchestrator struct {
	mu sync.Mutex

	mem      *memory.Map
	sched    *scheduler.Scheduler
	port     hal.Port
	gateway  *persist.Gateway
	ioMap    []loader.IOMapEntry
	periodMS uint32

	stats Stats

	onOverrun func()
	isForced  func(addr uint32) bool
}

// New creates an Orchestrator pacing at periodMS milliseconds per outer
// tick. gateway may be nil to disable RETAIN/program persistence.
func New(mem *memory.Map, sched *scheduler.Scheduler, port hal.Port, gateway *persist.Gateway, ioMap []loader.IOMapEntry, periodMS uint32) *Orchestrator {
	return &Orchestrator{
		mem:      mem,
		sched:    sched,
		port:     port,
		gateway:  gateway,
		ioMap:    ioMap,
		periodMS: periodMS,
	}
}

// SetOverrunHook installs a callback fired every time PACING detects a
// missed tick boundary (spec §4.6 phase 5).
func (o *Orchestrator) SetOverrunHook(f func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onOverrun = f
}

// SetForceQuery installs a predicate consulted by inputLatch: addresses it
// reports as forced are left untouched by the HAL reading that cycle
// (normally wired to debug.Engine.IsForced). A nil predicate (the default)
// disables forcing.
func (o *Orchestrator) SetForceQuery(f func(addr uint32) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.isForced = f
}

// Stats returns a snapshot of the cumulative cycle/overrun counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// inputLatch copies HAL digital/analog inputs into IPI (spec §4.6 phase 1).
// IPI values are snapshotted here and do not change again until the next
// INPUT LATCH (spec §5 ordering guarantees). IPI refuses VM-context writes,
// so the latch goes through memory.Map's privileged Poke path.
func (o *Orchestrator) inputLatch() {
	o.mu.Lock()
	isForced := o.isForced
	o.mu.Unlock()

	for _, e := range o.ioMap {
		if e.Direction != loader.DirIn {
			continue
		}
		if isForced != nil && isForced(uint32(e.VarAddr)) {
			continue
		}
		switch e.TypeID {
		case IOTypeDigital:
			v, err := o.port.GPIORead(e.Channel)
			if err != nil {
				o.port.Log(hal.LevelWarn, "gpio_read failed", hal.F("channel", e.Channel), hal.F("err", err))
				continue
			}
			o.mem.Poke(uint32(e.VarAddr), []byte{v})
		case IOTypeAnalog:
			v, err := o.port.ADCRead(e.Channel)
			if err != nil {
				o.port.Log(hal.LevelWarn, "adc_read failed", hal.F("channel", e.Channel), hal.F("err", err))
				continue
			}
			o.mem.Poke(uint32(e.VarAddr), []byte{byte(v), byte(v >> 8)})
		}
	}
}

// outputFlush copies OPI-mapped variables to HAL outputs (spec §4.6 phase 3).
func (o *Orchestrator) outputFlush() {
	for _, e := range o.ioMap {
		if e.Direction != loader.DirOut {
			continue
		}
		switch e.TypeID {
		case IOTypeDigital:
			v, err := o.mem.Read8(uint32(e.VarAddr))
			if err != nil {
				continue
			}
			if err := o.port.GPIOWrite(e.Channel, v); err != nil {
				o.port.Log(hal.LevelWarn, "gpio_write failed", hal.F("channel", e.Channel), hal.F("err", err))
			}
		case IOTypeAnalog:
			v, err := o.mem.Read16(uint32(e.VarAddr))
			if err != nil {
				continue
			}
			if err := o.port.DACWrite(e.Channel, v); err != nil {
				o.port.Log(hal.LevelWarn, "dac_write failed", hal.F("channel", e.Channel), hal.F("err", err))
			}
		}
	}
}

// housekeeping runs RETAIN flush and any other cycle-end bookkeeping (spec
// §4.6 phase 4). Communications and debug protocol service are driven by
// their own host goroutines (package operator, scheduler.CommGroup) rather
// than polled from here.
func (o *Orchestrator) housekeeping() {
	if o.gateway != nil {
		o.gateway.FlushRetain(o.mem)
	}
}

// RunOnce executes a single outer tick's INPUT LATCH, TASK EXECUTION, and
// OUTPUT FLUSH/HOUSEKEEPING phases, in that fixed order. It does not pace;
// callers that want the PACING phase too should use Run.
func (o *Orchestrator) RunOnce() {
	o.inputLatch()
	o.sched.RunTick()
	o.outputFlush()
	o.housekeeping()

	o.mu.Lock()
	o.stats.Cycles++
	o.mu.Unlock()
}

// Run executes RunOnce in a loop paced to periodMS, until ctx is cancelled.
// PACING (phase 5): if a cycle overran its tick boundary, the overrun
// counter is incremented and the next cycle starts immediately without
// sleeping (spec §4.6).
func (o *Orchestrator) Run(ctx context.Context) error {
	next := o.port.TickMS() + o.periodMS
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		o.RunOnce()

		now := o.port.TickMS()
		if now >= next {
			o.mu.Lock()
			o.stats.Overruns++
			hook := o.onOverrun
			o.mu.Unlock()
			if hook != nil {
				hook()
			}
			next = now + o.periodMS
			continue
		}

		o.port.Sleep(next - now)
		next += o.periodMS
	}
}
