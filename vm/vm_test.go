package vm

import (
	"math"
	"testing"

	"github.com/zplcvm/zplcvm/bytecode"
	"github.com/zplcvm/zplcvm/errcode"
	"github.com/zplcvm/zplcvm/memory"
)

func newTestVM(t *testing.T, code []byte) (*VM, *memory.Map) {
	t.Helper()
	mem := memory.New()
	padded := make([]byte, memory.MinCodeSize)
	copy(padded, code)
	mem.LoadCode(padded)
	return New(mem, nil), mem
}

func asm(ins ...bytecode.Instruction) []byte {
	var out []byte
	for _, i := range ins {
		out = append(out, bytecode.Encode(i)...)
	}
	return out
}

func runToCycleEnd(t *testing.T, v *VM, limit int) StepResult {
	t.Helper()
	var res StepResult
	for i := 0; i < limit; i++ {
		res = v.Step()
		if res.Err != nil || res.CycleDone {
			return res
		}
	}
	t.Fatalf("did not finish within %d steps", limit)
	return res
}

func TestAdditionProgram(t *testing.T) {
	// PUSH8 2; PUSH8 3; ADD; STORE32 addr; HALT
	addr := uint16(memory.WorkBase)
	code := asm(
		bytecode.Instruction{Opcode: bytecode.PUSH8, Operand: 2},
		bytecode.Instruction{Opcode: bytecode.PUSH8, Operand: 3},
		bytecode.Instruction{Opcode: bytecode.ADD},
		bytecode.Instruction{Opcode: bytecode.STORE32, Operand: uint32(addr)},
		bytecode.Instruction{Opcode: bytecode.HALT},
	)
	v, mem := newTestVM(t, code)
	if err := v.StartCycle(0); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	res := runToCycleEnd(t, v, 10)
	if !res.Halted {
		t.Fatalf("expected HALT, got %+v", res)
	}
	got, err := mem.Read32(uint32(addr))
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if got != 5 {
		t.Fatalf("result = %d, want 5", got)
	}
}

func TestConditionalJump(t *testing.T) {
	// PUSH8 0; JRZ +? jumps to HALT at offset; otherwise PUSH8 99
	// layout: 0:PUSH8 0(2) 2:JRZ off(2) 4:PUSH8 99(2) 6:HALT(1) 7:HALT(1)
	code := asm(
		bytecode.Instruction{Opcode: bytecode.PUSH8, Operand: 0},
		bytecode.Instruction{Opcode: bytecode.JRZ, Operand: uint32(uint8(int8(3)))}, // target = pc(2)+2+3=7
		bytecode.Instruction{Opcode: bytecode.PUSH8, Operand: 99},
		bytecode.Instruction{Opcode: bytecode.HALT},
		bytecode.Instruction{Opcode: bytecode.HALT},
	)
	v, _ := newTestVM(t, code)
	if err := v.StartCycle(0); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	res := runToCycleEnd(t, v, 10)
	if !res.Halted {
		t.Fatalf("expected HALT, got %+v", res)
	}
	if v.PC() != 7 {
		t.Fatalf("pc after jump-taken HALT = %d, want 7 (skipped the PUSH8 99)", v.PC())
	}
}

func TestDivisionByZero(t *testing.T) {
	code := asm(
		bytecode.Instruction{Opcode: bytecode.PUSH8, Operand: 10},
		bytecode.Instruction{Opcode: bytecode.PUSH8, Operand: 0},
		bytecode.Instruction{Opcode: bytecode.DIV},
		bytecode.Instruction{Opcode: bytecode.HALT},
	)
	v, _ := newTestVM(t, code)
	if err := v.StartCycle(0); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	res := runToCycleEnd(t, v, 10)
	if res.Err == nil {
		t.Fatalf("expected DIV_BY_ZERO fault")
	}
	fault, ok := res.Err.(*Fault)
	if !ok || fault.Code != errcode.DivByZero {
		t.Fatalf("got %v, want Fault{DivByZero}", res.Err)
	}
	if v.State() != Error {
		t.Fatalf("state = %s, want ERROR", v.State())
	}
}

func TestBreakpointHit(t *testing.T) {
	code := asm(
		bytecode.Instruction{Opcode: bytecode.NOP},
		bytecode.Instruction{Opcode: bytecode.NOP},
		bytecode.Instruction{Opcode: bytecode.HALT},
	)
	mem := memory.New()
	padded := make([]byte, memory.MinCodeSize)
	copy(padded, code)
	mem.LoadCode(padded)
	bp := NewBreakpoints()
	bp.Set(1)
	var hit uint16
	v := New(mem, bp)
	v.SetBreakpointHook(func(pc uint16) { hit = pc })
	if err := v.StartCycle(0); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	res := v.Step() // executes NOP at pc 0
	if !res.Executed {
		t.Fatalf("first NOP should execute")
	}
	res = v.Step() // pc==1, breakpoint armed
	if res.Executed || !res.BreakpointHit {
		t.Fatalf("expected breakpoint interception, got %+v", res)
	}
	if v.State() != Paused {
		t.Fatalf("state = %s, want PAUSED", v.State())
	}
	if hit != 1 {
		t.Fatalf("hook saw pc=%d, want 1", hit)
	}
	if err := v.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	res = v.Step() // executes the NOP at pc 1, bypassing the breakpoint once
	if !res.Executed {
		t.Fatalf("resume should execute past the breakpoint")
	}
}

func TestStackUnderflow(t *testing.T) {
	code := asm(bytecode.Instruction{Opcode: bytecode.ADD})
	v, _ := newTestVM(t, code)
	if err := v.StartCycle(0); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	res := v.Step()
	fault, ok := res.Err.(*Fault)
	if !ok || fault.Code != errcode.StackUnderflow {
		t.Fatalf("got %v, want Fault{StackUnderflow}", res.Err)
	}
}

func TestCallReturn(t *testing.T) {
	// 0: CALL 5 ; 3: HALT ; 5: RET
	code := asm(
		bytecode.Instruction{Opcode: bytecode.CALL, Operand: 5},
		bytecode.Instruction{Opcode: bytecode.HALT},
	)
	padded := make([]byte, memory.MinCodeSize)
	copy(padded, code)
	padded[5] = byte(bytecode.RET)
	mem := memory.New()
	mem.LoadCode(padded)
	v := New(mem, nil)
	if err := v.StartCycle(0); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	res := v.Step() // CALL
	if res.Err != nil {
		t.Fatalf("CALL: %v", res.Err)
	}
	if v.PC() != 5 || v.CallDepth() != 1 {
		t.Fatalf("after CALL: pc=%d callDepth=%d, want pc=5 depth=1", v.PC(), v.CallDepth())
	}
	res = v.Step() // RET
	if res.Err != nil {
		t.Fatalf("RET: %v", res.Err)
	}
	if v.PC() != 3 || v.CallDepth() != 0 {
		t.Fatalf("after RET: pc=%d callDepth=%d, want pc=3 depth=0", v.PC(), v.CallDepth())
	}
	res = v.Step() // HALT
	if !res.Halted {
		t.Fatalf("expected HALT, got %+v", res)
	}
}

func TestRetFromTopFrameEndsCycleWithoutHalt(t *testing.T) {
	code := asm(bytecode.Instruction{Opcode: bytecode.RET})
	v, _ := newTestVM(t, code)
	if err := v.StartCycle(0); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	res := v.Step()
	if !res.CycleDone || res.Halted {
		t.Fatalf("RET at empty call stack should end the cycle without halting, got %+v", res)
	}
	if v.Halted() {
		t.Fatalf("VM should not be latched halted")
	}
}

func TestInvalidOpcodeFaults(t *testing.T) {
	padded := make([]byte, memory.MinCodeSize)
	padded[0] = 0x27 // gap opcode
	mem := memory.New()
	mem.LoadCode(padded)
	v := New(mem, nil)
	if err := v.StartCycle(0); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	res := v.Step()
	fault, ok := res.Err.(*Fault)
	if !ok || fault.Code != errcode.InvalidOpcode {
		t.Fatalf("got %v, want Fault{InvalidOpcode}", res.Err)
	}
}

func TestStringCopyAndCompare(t *testing.T) {
	code := asm(bytecode.Instruction{Opcode: bytecode.HALT})
	v, mem := newTestVM(t, code)

	srcAddr := uint32(memory.WorkBase)
	dstAddr := uint32(memory.WorkBase + 64)
	mem.Write16(srcAddr, 5)   // current_len
	mem.Write16(srcAddr+2, 8) // max_capacity
	for i, b := range []byte("hello") {
		mem.Write8(srcAddr+4+uint32(i), b)
	}
	mem.Write16(dstAddr, 0)
	mem.Write16(dstAddr+2, 8)

	if err := v.strcpy(dstAddr, srcAddr); err != nil {
		t.Fatalf("strcpy: %v", err)
	}
	length, err := mem.Read16(dstAddr)
	if err != nil || length != 5 {
		t.Fatalf("dst length = %d, err=%v, want 5", length, err)
	}
	cmp, err := v.strcmp(srcAddr, dstAddr)
	if err != nil || cmp != 0 {
		t.Fatalf("strcmp = %d, err=%v, want 0", cmp, err)
	}
}

func TestFloatDivisionByZeroProducesInfNotFault(t *testing.T) {
	code := asm(
		bytecode.Instruction{Opcode: bytecode.PUSH32, Operand: floatBits(1)},
		bytecode.Instruction{Opcode: bytecode.PUSH32, Operand: floatBits(0)},
		bytecode.Instruction{Opcode: bytecode.DIVF},
		bytecode.Instruction{Opcode: bytecode.HALT},
	)
	v, _ := newTestVM(t, code)
	if err := v.StartCycle(0); err != nil {
		t.Fatalf("StartCycle: %v", err)
	}
	res := runToCycleEnd(t, v, 10)
	if res.Err != nil {
		t.Fatalf("DIVF by zero must not fault: %v", res.Err)
	}
}

func floatBits(f float32) uint32 {
	return math.Float32bits(f)
}
