// Package vm implements the stack-based bytecode interpreter: the
// evaluation/call stacks, the fetch-decode-execute loop, breakpoint
// interception, and the per-instance execution state machine (spec §4.3).
//
// A cache-conscious struct holds all execution state for one instance, with
// an Execute-style fetch loop and a split between "run" operations (Step,
// Resume, StartCycle) and "inspect" operations (register/memory reads) used
// by the debug engine. The opcode families, encoding and error taxonomy are
// the stack-machine semantics spec.md §4.3 and §7 define.
//
// Each task in a running program owns one *VM instance over a memory.Map
// shared by the whole runtime; isolation between tasks comes from separate
// VM instances, not from locking inside one. A shared *Breakpoints set
// (passed to New) lets a single debug session pause
// whichever task reaches an armed PC.
package vm

import (
	"fmt"

	"github.com/zplcvm/zplcvm/bytecode"
	"github.com/zplcvm/zplcvm/errcode"
	"github.com/zplcvm/zplcvm/memory"
)

// EvalStackCapacity is the minimum evaluation stack depth (spec §3: "at
// least 256 32-bit entries").
const EvalStackCapacity = 256

// CallStackCapacity is the minimum call stack depth (spec §3: "at least 32
// frames").
const CallStackCapacity = 32

// Frame is one call-stack entry: where to resume on RET, and the base
// pointer in effect at the call site. BP is carried through CALL/RET but no
// defined opcode currently mutates it; it is reserved for frame-relative
// addressing by a future front-end.
type Frame struct {
	ReturnPC uint16
	BP       uint32
}

// Fault wraps a VM error code with the program counter it occurred at.
type Fault struct {
	Code errcode.Code
	PC   uint16
}

func (f *Fault) Error() string {
	return fmt.Sprintf("vm: %s at pc=0x%04X", f.Code, f.PC)
}

// StepResult describes the outcome of one Step call.
type StepResult struct {
	// Executed is false when a breakpoint intercepted the fetch: PC and all
	// state are unchanged, no instruction ran.
	Executed bool
	// BreakpointHit is true when Executed is false because of an armed
	// breakpoint at the current PC.
	BreakpointHit bool
	// CycleDone is true when the executed instruction ended the task's
	// cycle: HALT, or RET with an empty call stack.
	CycleDone bool
	// Halted is true when HALT executed; the task is terminated and will
	// not run again until an explicit reset/reload.
	Halted bool
	// Err is non-nil when the executed instruction (or the breakpoint-free
	// fetch itself) faulted. The VM transitions to Error and stops.
	Err error
}

// TicksFunc returns a monotonic tick count for GET_TICKS. The scheduler or
// host wires this to its HAL timing port.
type TicksFunc func() uint64

// VM is one task's private execution context over a shared memory.Map.
type VM struct {
	mem *memory.Map
	bp  *Breakpoints
	now TicksFunc

	pc    uint16
	state State
	halted bool
	fault *Fault

	eval [EvalStackCapacity]uint32
	sp   int

	calls [CallStackCapacity]Frame
	csp   int

	// skipBreak suppresses the breakpoint check on the very next fetch: set
	// by Resume (which the debug engine's single step also goes through) so
	// execution can actually pass the instruction it was paused on, instead
	// of re-triggering immediately.
	skipBreak bool

	onBreakpointHit func(pc uint16)
}

// New creates a VM over mem. bp may be nil, in which case no breakpoint is
// ever hit (useful for tests and for HAL-less unit exercise of opcodes).
func New(mem *memory.Map, bp *Breakpoints) *VM {
	return &VM{mem: mem, bp: bp, now: func() uint64 { return 0 }, state: Idle}
}

// SetTicksFunc installs the GET_TICKS time source.
func (v *VM) SetTicksFunc(f TicksFunc) { v.now = f }

// SetBreakpointHook installs a callback invoked whenever Step intercepts a
// breakpoint instead of executing.
func (v *VM) SetBreakpointHook(f func(pc uint16)) { v.onBreakpointHit = f }

// State returns the VM's current execution state.
func (v *VM) State() State { return v.state }

// Halted reports whether HALT has latched this VM permanently idle.
func (v *VM) Halted() bool { return v.halted }

// PC returns the current program counter.
func (v *VM) PC() uint16 { return v.pc }

// Fault returns the fault that put the VM into Error, or nil.
func (v *VM) Fault() *Fault { return v.fault }

// StackDepth returns the current evaluation stack depth, for status
// reporting.
func (v *VM) StackDepth() int { return v.sp }

// CallDepth returns the current call stack depth.
func (v *VM) CallDepth() int { return v.csp }

// Top returns the value on top of the evaluation stack and true, or
// (0, false) when the stack is empty. Used by get_info's optional tos
// field (spec §4.7).
func (v *VM) Top() (uint32, bool) {
	if v.sp == 0 {
		return 0, false
	}
	return v.eval[v.sp-1], true
}

// StartCycle resets the VM's transient state (stacks, PC) and begins a new
// task cycle at entryPC. It is a no-op error to call this on a halted or
// faulted VM; callers must Reset first.
func (v *VM) StartCycle(entryPC uint16) error {
	if v.halted {
		return fmt.Errorf("vm: cannot start cycle: halted")
	}
	if v.state == Error {
		return fmt.Errorf("vm: cannot start cycle: in error state")
	}
	v.pc = entryPC
	v.sp = 0
	v.csp = 0
	v.state = Running
	return nil
}

// Pause moves a Running VM to Paused at once. Each Step runs one whole
// instruction, so a pause always lands on an instruction boundary.
func (v *VM) Pause() error {
	if v.state != Running {
		return fmt.Errorf("vm: pause requires RUNNING, have %s", v.state)
	}
	v.state = Paused
	return nil
}

// Resume transitions Paused back to Running, and allows the instruction at
// the current PC (possibly a breakpoint) to execute once more before
// breakpoint interception resumes.
func (v *VM) Resume() error {
	if v.state != Paused {
		return fmt.Errorf("vm: resume requires PAUSED, have %s", v.state)
	}
	v.state = Running
	v.skipBreak = true
	return nil
}

// Reset clears fault/halt state, empties both stacks, sets PC to 0, and
// returns the VM to Idle.
func (v *VM) Reset() {
	v.state = Idle
	v.halted = false
	v.fault = nil
	v.sp = 0
	v.csp = 0
	v.pc = 0
	v.skipBreak = false
}

// Step executes at most one instruction: fetch, breakpoint check, decode,
// execute. It is the unit both the scheduler (to get instruction-boundary
// preemption points) and the debug engine's explicit single-step command
// drive the VM with.
func (v *VM) Step() StepResult {
	if v.state != Running {
		return StepResult{Err: fmt.Errorf("vm: step requires RUNNING, have %s", v.state)}
	}

	if !v.skipBreak && v.bp != nil && v.bp.Has(v.pc) {
		v.state = Paused
		if v.onBreakpointHit != nil {
			v.onBreakpointHit(v.pc)
		}
		return StepResult{Executed: false, BreakpointHit: true}
	}
	v.skipBreak = false

	code, err := v.mem.RegionPtr(memory.CodeBase)
	if err != nil {
		return v.fail(errcode.OutOfBounds)
	}
	ins, decErr := bytecode.Decode(code, v.pc)
	if decErr != nil {
		switch decErr {
		case bytecode.ErrInvalidOpcode:
			return v.fail(errcode.InvalidOpcode)
		default:
			return v.fail(errcode.OutOfBounds)
		}
	}

	return v.execute(ins)
}

func (v *VM) fail(code errcode.Code) StepResult {
	v.fault = &Fault{Code: code, PC: v.pc}
	v.state = Error
	return StepResult{Executed: true, Err: v.fault}
}
