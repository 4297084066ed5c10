// Package debug implements the Debug Engine (C7, spec §4.7): the
// load_program/start/stop/pause/resume/step/reset operations, region-checked
// peek/poke (with forced-I/O bookkeeping), breakpoint management, and the
// get_info/get_status snapshots, plus the six asynchronous notification
// events.
//
// A single debug session fans out over several independently-running task
// VMs: pause/resume/step/reset/get_info take an explicit task ID, while
// peek/poke act on the shared memory map and breakpoints on the one set
// every task VM shares. Events are
// plain callback hooks (onStateChange, onError, ...), matching the style
// already established by scheduler.SetErrorHook/SetSafeStateHook elsewhere
// in this module.
package debug

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zplcvm/zplcvm/hal"
	"github.com/zplcvm/zplcvm/loader"
	"github.com/zplcvm/zplcvm/memory"
	"github.com/zplcvm/zplcvm/scheduler"
	"github.com/zplcvm/zplcvm/vm"
)

// Info is get_info()'s per-task snapshot (spec §4.7).
type Info struct {
	PC     uint16
	SP     int
	Halted bool
	Cycles uint64
	Error  string
	TOS    uint32
	HasTOS bool
}

// MemoryStatus summarises the shared memory map for get_status().
type MemoryStatus struct {
	CodeLen     int
	RetainDirty bool
}

// Status is get_status()'s system-wide snapshot (spec §4.7).
type Status struct {
	State      string
	UptimeMS   uint64
	Tasks      []scheduler.TaskStatus
	Memory     MemoryStatus
	OPI        []byte
	ForcedMask []uint32
}

// Engine is the single debug session over a loaded program's shared memory
// map and scheduler. One Engine serves every task; per-task operations take
// an explicit taskID, mirroring debug_monitor.go's focusedID-selected but
// multi-CPU-aware design.
type Engine struct {
	mu sync.Mutex

	mem                 *memory.Map
	sched               *scheduler.Scheduler
	bp                  *vm.Breakpoints
	port                hal.Port
	runtimeVersionMajor uint16

	startMS uint32
	forced  map[uint32]struct{}

	onStateChange   func(taskID uint16, state vm.State)
	onGpioChange    func(channel uint16, value uint8)
	onError         func(taskID uint16, msg string)
	onInfoUpdate    func(taskID uint16, info Info)
	onBreakpointHit func(taskID uint16, pc uint16)
	onStepComplete  func(taskID uint16, pc uint16)
}

// New creates a debug Engine. runtimeVersionMajor gates load_program's
// version check (spec §4.4).
func New(mem *memory.Map, sched *scheduler.Scheduler, bp *vm.Breakpoints, port hal.Port, runtimeVersionMajor uint16) *Engine {
	e := &Engine{
		mem:                 mem,
		sched:               sched,
		bp:                  bp,
		port:                port,
		runtimeVersionMajor: runtimeVersionMajor,
		forced:              make(map[uint32]struct{}),
	}
	if port != nil {
		e.startMS = port.TickMS()
	}
	return e
}

// SetStateChangeHook, SetGpioChangeHook, SetErrorHook, SetInfoUpdateHook,
// SetBreakpointHitHook, and SetStepCompleteHook install the six
// asynchronous notification callbacks (spec §4.7). Any may be nil.
func (e *Engine) SetStateChangeHook(f func(taskID uint16, state vm.State)) { e.onStateChange = f }
func (e *Engine) SetGpioChangeHook(f func(channel uint16, value uint8))    { e.onGpioChange = f }
func (e *Engine) SetErrorHook(f func(taskID uint16, msg string))           { e.onError = f }
func (e *Engine) SetInfoUpdateHook(f func(taskID uint16, info Info))       { e.onInfoUpdate = f }
func (e *Engine) SetBreakpointHitHook(f func(taskID uint16, pc uint16))    { e.onBreakpointHit = f }
func (e *Engine) SetStepCompleteHook(f func(taskID uint16, pc uint16))     { e.onStepComplete = f }

// LoadProgram validates and installs a new program, replacing the task set.
// It rejects while any task is RUNNING, requiring an explicit Stop first
// (spec §4.7: "rejects if VM is RUNNING without explicit stop").
func (e *Engine) LoadProgram(data []byte) (*loader.Program, error) {
	if e.sched.AnyRunning() {
		return nil, fmt.Errorf("debug: load_program rejected: a task is RUNNING, stop first")
	}
	prog, err := loader.Load(data, e.mem, e.runtimeVersionMajor)
	if err != nil {
		return nil, err
	}
	e.sched.LoadTasks(prog.Tasks)

	e.mu.Lock()
	e.forced = make(map[uint32]struct{})
	e.mu.Unlock()

	if e.onStateChange != nil {
		for _, t := range prog.Tasks {
			e.onStateChange(t.ID, vm.Idle)
		}
	}
	return prog, nil
}

// Start un-halts every task, making them schedulable again on the next scan
// cycle (spec §5 stop/start transitions are system-wide).
func (e *Engine) Start() error {
	for _, st := range e.sched.Statuses() {
		if err := e.sched.Reset(st.ID); err != nil {
			return err
		}
		if e.onStateChange != nil {
			e.onStateChange(st.ID, vm.Idle)
		}
	}
	return nil
}

// Stop halts every task and clears OPI, moving the whole system to IDLE
// (spec §5: "Stop transitions halt all tasks, clear OPI, and move the VM to
// IDLE"). Idempotent.
func (e *Engine) Stop() {
	e.sched.StopAll()
	if e.onStateChange != nil {
		for _, st := range e.sched.Statuses() {
			e.onStateChange(st.ID, vm.Idle)
		}
	}
}

// Pause transitions taskID's VM from RUNNING to PAUSED.
func (e *Engine) Pause(taskID uint16) error {
	err := e.sched.WithTaskVM(taskID, func(v *vm.VM) error { return v.Pause() })
	if err == nil && e.onStateChange != nil {
		e.onStateChange(taskID, vm.Paused)
	}
	return err
}

// Resume transitions taskID's VM from PAUSED back to RUNNING.
func (e *Engine) Resume(taskID uint16) error {
	err := e.sched.WithTaskVM(taskID, func(v *vm.VM) error { return v.Resume() })
	if err == nil && e.onStateChange != nil {
		e.onStateChange(taskID, vm.Running)
	}
	return err
}

// Reset clears a faulted/halted task and returns it to IDLE.
func (e *Engine) Reset(taskID uint16) error {
	err := e.sched.Reset(taskID)
	if err == nil && e.onStateChange != nil {
		e.onStateChange(taskID, vm.Idle)
	}
	return err
}

// Step executes exactly one instruction on a PAUSED task, then re-pauses it
// (spec §4.3: RUNNING -> PAUSED on step completion), firing onBreakpointHit,
// onStepComplete, or onError as appropriate.
func (e *Engine) Step(taskID uint16) (vm.StepResult, error) {
	var res vm.StepResult
	err := e.sched.WithTaskVM(taskID, func(v *vm.VM) error {
		if v.State() != vm.Paused {
			return fmt.Errorf("debug: step requires PAUSED, have %s", v.State())
		}
		if err := v.Resume(); err != nil {
			return err
		}
		res = v.Step()
		if res.Err == nil && !res.BreakpointHit && !res.Halted {
			return v.Pause()
		}
		return nil
	})
	if err != nil {
		return vm.StepResult{}, err
	}

	switch {
	case res.BreakpointHit:
		if e.onBreakpointHit != nil {
			e.onBreakpointHit(taskID, e.pcOf(taskID))
		}
	case res.Err != nil:
		if e.onError != nil {
			e.onError(taskID, res.Err.Error())
		}
	default:
		if e.onStepComplete != nil {
			e.onStepComplete(taskID, e.pcOf(taskID))
		}
	}
	return res, nil
}

func (e *Engine) pcOf(taskID uint16) uint16 {
	v, ok := e.sched.VM(taskID)
	if !ok {
		return 0
	}
	return v.PC()
}

// Peek reads length bytes at addr. Allowed in any state (spec §4.7).
func (e *Engine) Peek(addr uint32, length int) ([]byte, error) {
	return e.mem.Peek(addr, length)
}

// Poke writes data at addr, allowed only while no task is RUNNING (spec
// §4.7: "only when PAUSED or IDLE"). A write into IPI or OPI is recorded as
// forced, so scancycle's INPUT LATCH can skip overwriting it with a fresh
// HAL reading until an explicit Unforce.
func (e *Engine) Poke(addr uint32, data []byte) error {
	if e.sched.AnyRunning() {
		return fmt.Errorf("debug: poke rejected: a task is RUNNING")
	}
	if err := e.mem.Poke(addr, data); err != nil {
		return err
	}
	inIPI := addr >= memory.IPIBase && addr < memory.IPIBase+memory.IPISize
	inOPI := addr >= memory.OPIBase && addr < memory.OPIBase+memory.OPISize
	if inIPI || inOPI {
		e.mu.Lock()
		for i := range data {
			e.forced[addr+uint32(i)] = struct{}{}
		}
		e.mu.Unlock()
		if e.onGpioChange != nil && len(data) > 0 {
			e.onGpioChange(uint16(addr), data[0])
		}
	}
	return nil
}

// Unforce clears the forced bit for length bytes starting at addr,
// restoring normal HAL-refreshed behaviour on the next INPUT LATCH.
func (e *Engine) Unforce(addr uint32, length int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < length; i++ {
		delete(e.forced, addr+uint32(i))
	}
}

// IsForced reports whether addr is currently force-held, for scancycle's
// INPUT LATCH phase to consult before overwriting it with a HAL reading.
func (e *Engine) IsForced(addr uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.forced[addr]
	return ok
}

// ForcedAddrs returns every currently forced address, sorted, for
// get_status().
func (e *Engine) ForcedAddrs() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint32, 0, len(e.forced))
	for a := range e.forced {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetBreakpoint arms pc. Duplicates are a no-op (spec §4.7).
func (e *Engine) SetBreakpoint(pc uint16) error { return e.bp.Set(pc) }

// RemoveBreakpoint disarms pc, if armed.
func (e *Engine) RemoveBreakpoint(pc uint16) { e.bp.Clear(pc) }

// ClearBreakpoints disarms every breakpoint.
func (e *Engine) ClearBreakpoints() { e.bp.ClearAll() }

// GetBreakpoints returns every armed program counter, sorted.
func (e *Engine) GetBreakpoints() []uint16 {
	out := e.bp.List()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetInfo returns taskID's per-VM snapshot.
func (e *Engine) GetInfo(taskID uint16) (Info, error) {
	v, ok := e.sched.VM(taskID)
	if !ok {
		return Info{}, fmt.Errorf("debug: unknown task %d", taskID)
	}
	info := Info{PC: v.PC(), SP: v.StackDepth(), Halted: v.Halted()}
	if f := v.Fault(); f != nil {
		info.Error = f.Error()
	}
	for _, st := range e.sched.Statuses() {
		if st.ID == taskID {
			info.Cycles = st.Cycles
			break
		}
	}
	if tos, ok := v.Top(); ok {
		info.TOS, info.HasTOS = tos, true
	}
	if e.onInfoUpdate != nil {
		e.onInfoUpdate(taskID, info)
	}
	return info, nil
}

// GetStatus returns the system-wide snapshot (spec §4.7).
func (e *Engine) GetStatus() Status {
	states := e.sched.VMStates()
	state := "IDLE"
	switch {
	case e.sched.SafeState():
		state = "SAFE"
	case anyState(states, vm.Error):
		state = "ERROR"
	case anyState(states, vm.Running):
		state = "RUNNING"
	case anyState(states, vm.Paused):
		state = "PAUSED"
	}

	var uptimeMS uint64
	if e.port != nil {
		uptimeMS = uint64(e.port.TickMS() - e.startMS)
	}

	return Status{
		State:    state,
		UptimeMS: uptimeMS,
		Tasks:    e.sched.Statuses(),
		Memory: MemoryStatus{
			CodeLen:     e.mem.CodeLen(),
			RetainDirty: e.mem.RetainDirty(),
		},
		OPI:        e.mem.SnapshotOPI(),
		ForcedMask: e.ForcedAddrs(),
	}
}

func anyState(states map[uint16]vm.State, want vm.State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}
