package scheduler

import (
	"github.com/zplcvm/zplcvm/loader"
	"github.com/zplcvm/zplcvm/vm"
)

// taskRuntime is one task's live scheduling state: its definition, its
// private VM, and the bookkeeping the scheduler and debug engine both read.
type taskRuntime struct {
	def loader.Task
	vm  *vm.VM

	ready      bool
	inProgress bool
	cycleStart uint64

	ranInit  bool
	faulted  bool
	halted   bool
	fault    *vm.Fault

	cycles   uint64
	overruns uint64

	minCycleUS  uint64
	maxCycleUS  uint64
	lastCycleUS uint64

	lastDispatchUS uint64

	// eventPending is set by TriggerEvent for EVENT-kind tasks.
	eventPending bool
}

func newTaskRuntime(def loader.Task, v *vm.VM) *taskRuntime {
	return &taskRuntime{def: def, vm: v}
}

func (t *taskRuntime) recordCycle(durationUS uint64) {
	t.cycles++
	t.lastCycleUS = durationUS
	if t.minCycleUS == 0 || durationUS < t.minCycleUS {
		t.minCycleUS = durationUS
	}
	if durationUS > t.maxCycleUS {
		t.maxCycleUS = durationUS
	}
}

// watchdogBudgetUS is the per-task deadline: the configured interval, or
// an effectively unbounded budget for tasks with no interval (EVENT/INIT
// without one set).
func (t *taskRuntime) watchdogBudgetUS() uint64 {
	if t.def.IntervalUS == 0 {
		return ^uint64(0)
	}
	return uint64(t.def.IntervalUS)
}

// TaskStatus is the read-only snapshot exposed to the debug engine's
// get_status (spec §4.7, §6.3), including min/max/last cycle-time
// bookkeeping.
type TaskStatus struct {
	ID          uint16
	Kind        loader.TaskKind
	Priority    uint8
	Halted      bool
	Faulted     bool
	Fault       *vm.Fault
	Cycles      uint64
	Overruns    uint64
	MinCycleUS  uint64
	MaxCycleUS  uint64
	LastCycleUS uint64
}

func (t *taskRuntime) status() TaskStatus {
	return TaskStatus{
		ID:          t.def.ID,
		Kind:        t.def.Kind,
		Priority:    t.def.Priority,
		Halted:      t.halted,
		Faulted:     t.faulted,
		Fault:       t.fault,
		Cycles:      t.cycles,
		Overruns:    t.overruns,
		MinCycleUS:  t.minCycleUS,
		MaxCycleUS:  t.maxCycleUS,
		LastCycleUS: t.lastCycleUS,
	}
}
