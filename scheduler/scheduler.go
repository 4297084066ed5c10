// Package scheduler implements the priority-preemptive task dispatcher
// (spec §4.5, §5): one private VM per task over a shared memory.Map, a
// ready queue ordered by numeric priority (0 highest), per-task watchdog
// and overrun bookkeeping, and a bounded pool of lower-priority
// communication workers that run outside the VM scheduling class entirely.
//
// Each task's state is tracked in a taskRuntime record guarded by the
// scheduler's single mutex, the same lock Statuses takes for its snapshots.
package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zplcvm/zplcvm/loader"
	"github.com/zplcvm/zplcvm/memory"
	"github.com/zplcvm/zplcvm/vm"
)

// ClockFunc returns a monotonic microsecond timestamp, wired to the HAL
// timing port's tick() capability (scaled to microseconds) by the host.
type ClockFunc func() uint64

// Scheduler dispatches a loaded program's tasks.
type Scheduler struct {
	mu  sync.Mutex
	mem *memory.Map
	bp  *vm.Breakpoints
	now ClockFunc

	tasks []*taskRuntime

	onError     func(taskID uint16, fault *vm.Fault)
	onSafeState func(reason string)

	safeState bool
}

// New creates a scheduler over mem, sharing bp across every task's VM so a
// single debug session's breakpoints apply uniformly. now must return a
// monotonically non-decreasing microsecond count.
func New(mem *memory.Map, bp *vm.Breakpoints, now ClockFunc) *Scheduler {
	return &Scheduler{mem: mem, bp: bp, now: now}
}

// SetErrorHook installs a callback fired whenever a task's VM faults
// (spec §7 propagation policy: "surface via onError + status.vm.error").
func (s *Scheduler) SetErrorHook(f func(taskID uint16, fault *vm.Fault)) { s.onError = f }

// SetSafeStateHook installs a callback fired when a watchdog overrun
// exceeds the fatal threshold and the system enters safe state.
func (s *Scheduler) SetSafeStateHook(f func(reason string)) { s.onSafeState = f }

// LoadTasks replaces the task set, giving each task its own *vm.VM over the
// shared memory map and breakpoint set. Called once after loader.Load.
func (s *Scheduler) LoadTasks(tasks []loader.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make([]*taskRuntime, len(tasks))
	for i, def := range tasks {
		v := vm.New(s.mem, s.bp)
		v.SetTicksFunc(func() uint64 { return s.now() / 1000 })
		s.tasks[i] = newTaskRuntime(def, v)
	}
	s.safeState = false
}

// TriggerEvent marks an EVENT-kind task ready for its next RunTick.
func (s *Scheduler) TriggerEvent(taskID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.def.ID == taskID && t.def.Kind == loader.TaskEvent {
			t.eventPending = true
		}
	}
}

// Reset clears a faulted/halted task's fault state and VM, making it
// schedulable again. It does not clear cycle/overrun statistics.
func (s *Scheduler) Reset(taskID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.def.ID == taskID {
			t.vm.Reset()
			t.faulted = false
			t.halted = false
			t.fault = nil
			t.inProgress = false
			t.ready = false
			s.safeState = false
			return nil
		}
	}
	return fmt.Errorf("scheduler: unknown task %d", taskID)
}

// Statuses returns a point-in-time snapshot of every task, sorted by ID.
func (s *Scheduler) Statuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// VM returns the private VM instance for taskID, for the debug engine's
// get_info snapshot and step reporting.
func (s *Scheduler) VM(taskID uint16) (*vm.VM, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.def.ID == taskID {
			return t.vm, true
		}
	}
	return nil, false
}

// WithTaskVM runs fn against taskID's private VM under the scheduler's own
// lock, so a debug-engine-driven pause/resume/step never races RunTick's
// dispatch of the same task (spec §5: "debug operations access [VM state]
// under a single-writer discipline").
func (s *Scheduler) WithTaskVM(taskID uint16, fn func(*vm.VM) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.def.ID == taskID {
			return fn(t.vm)
		}
	}
	return fmt.Errorf("scheduler: unknown task %d", taskID)
}

// StopAll halts every task and clears OPI, moving the system to the IDLE
// equivalent of spec §5's "Stop transitions halt all tasks, clear OPI, and
// move the VM to IDLE." It is idempotent: calling it again when already
// stopped is a no-op beyond re-clearing OPI.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		t.vm.Reset()
		t.halted = true
		t.inProgress = false
		t.ready = false
	}
	s.mem.ResetOPI()
}

// AnyRunning reports whether any task's VM is currently RUNNING, used by
// the debug engine's poke gate (spec §4.7: "only when PAUSED or IDLE").
func (s *Scheduler) AnyRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.vm.State() == vm.Running {
			return true
		}
	}
	return false
}

// VMStates snapshots every task's VM execution state, keyed by task ID, for
// the debug engine's system-wide get_status summary.
func (s *Scheduler) VMStates() map[uint16]vm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint16]vm.State, len(s.tasks))
	for _, t := range s.tasks {
		out[t.def.ID] = t.vm.State()
	}
	return out
}

// SafeState reports whether a fatal watchdog overrun has latched the
// system into safe state (spec §4.5/§7): all OPI cleared, every task
// halted, until an explicit reset.
func (s *Scheduler) SafeState() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.safeState
}

func (s *Scheduler) markReady() {
	for _, t := range s.tasks {
		if t.faulted || t.halted || t.inProgress {
			continue
		}
		switch t.def.Kind {
		case loader.TaskCyclic:
			if s.now()-t.lastDispatchUS >= uint64(t.def.IntervalUS) {
				t.ready = true
			}
		case loader.TaskInit:
			if !t.ranInit {
				t.ready = true
			}
		case loader.TaskEvent:
			if t.eventPending {
				t.ready = true
			}
		}
	}
}

// highestReady returns the ready-or-in-progress task with the lowest
// numeric priority, or nil if none are runnable right now (e.g. paused at
// a breakpoint).
func (s *Scheduler) highestReady() *taskRuntime {
	var best *taskRuntime
	for _, t := range s.tasks {
		if !(t.ready || t.inProgress) {
			continue
		}
		if t.vm.State() == vm.Paused {
			continue // suspended by the debug engine; not schedulable
		}
		if best == nil || t.def.Priority < best.def.Priority {
			best = t
		}
	}
	return best
}

// RunTick performs the TASK EXECUTION phase of one scan cycle (spec §4.6):
// it runs every ready task to completion, highest priority first, honouring
// instruction-boundary preemption by re-evaluating readiness after every
// single VM step.
func (s *Scheduler) RunTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.safeState {
		return
	}

	s.markReady()
	for {
		t := s.highestReady()
		if t == nil {
			break
		}

		if !t.inProgress {
			if err := t.vm.StartCycle(t.def.EntryPC); err != nil {
				// Already halted/faulted; drop it from this tick.
				t.ready = false
				continue
			}
			t.inProgress = true
			t.cycleStart = s.now()
		}

		res := t.vm.Step()
		elapsed := s.now() - t.cycleStart
		budget := t.watchdogBudgetUS()

		if elapsed > budget {
			t.overruns++
			if elapsed-budget > budget {
				s.enterSafeState("watchdog: task " + fmt.Sprint(t.def.ID) + " exceeded fatal overrun threshold")
				return
			}
		}

		switch {
		case res.Err != nil:
			fault, _ := res.Err.(*vm.Fault)
			t.faulted = true
			t.fault = fault
			t.inProgress = false
			t.ready = false
			if s.onError != nil {
				s.onError(t.def.ID, fault)
			}
		case res.BreakpointHit:
			t.ready = false
			// inProgress stays true: the debug engine resumes this exact VM
			// later and the scheduler will pick it back up next tick.
		case res.CycleDone:
			t.recordCycle(elapsed)
			t.inProgress = false
			t.ready = false
			t.lastDispatchUS = s.now()
			if t.def.Kind == loader.TaskInit {
				t.ranInit = true
			}
			if res.Halted {
				t.halted = true
			}
		}

		s.markReady()
	}
}

func (s *Scheduler) enterSafeState(reason string) {
	s.safeState = true
	s.mem.ResetOPI()
	for _, t := range s.tasks {
		t.halted = true
		t.inProgress = false
		t.ready = false
	}
	if s.onSafeState != nil {
		s.onSafeState(reason)
	}
}
