package vm

import (
	"math"

	"github.com/zplcvm/zplcvm/bytecode"
	"github.com/zplcvm/zplcvm/errcode"
)

// execute runs one already-decoded instruction and advances pc, unless the
// instruction itself sets pc (jumps, calls, returns).
func (v *VM) execute(ins bytecode.Instruction) StepResult {
	nextPC := ins.PC + ins.Size

	switch ins.Opcode {
	case bytecode.NOP:
		v.pc = nextPC

	case bytecode.HALT:
		v.halted = true
		v.state = Idle
		return StepResult{Executed: true, CycleDone: true, Halted: true}

	case bytecode.BREAK:
		v.pc = nextPC
		v.state = Paused
		if v.onBreakpointHit != nil {
			v.onBreakpointHit(v.pc)
		}
		return StepResult{Executed: true}

	case bytecode.GET_TICKS:
		if r := v.push(uint32(v.now())); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.DUP:
		a, r := v.peek(0)
		if r != nil {
			return *r
		}
		if r := v.push(a); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.DROP:
		if _, r := v.pop(); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.SWAP:
		b, r := v.pop()
		if r != nil {
			return *r
		}
		a, r := v.pop()
		if r != nil {
			return *r
		}
		v.push(b)
		v.push(a)
		v.pc = nextPC

	case bytecode.OVER:
		a, r := v.peek(1)
		if r != nil {
			return *r
		}
		if r := v.push(a); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.ROT:
		c, r := v.pop()
		if r != nil {
			return *r
		}
		b, r := v.pop()
		if r != nil {
			return *r
		}
		a, r := v.pop()
		if r != nil {
			return *r
		}
		v.push(b)
		v.push(c)
		v.push(a)
		v.pc = nextPC

	case bytecode.LOADI8, bytecode.LOADI16, bytecode.LOADI32:
		addr, r := v.pop()
		if r != nil {
			return *r
		}
		var val uint32
		var err error
		switch ins.Opcode {
		case bytecode.LOADI8:
			var b uint8
			b, err = v.mem.Read8(addr)
			val = uint32(b)
		case bytecode.LOADI16:
			var h uint16
			h, err = v.mem.Read16(addr)
			val = uint32(h)
		case bytecode.LOADI32:
			val, err = v.mem.Read32(addr)
		}
		if err != nil {
			return v.fail(errcode.OutOfBounds)
		}
		if r := v.push(val); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.STOREI8, bytecode.STOREI16, bytecode.STOREI32:
		addr, r := v.pop()
		if r != nil {
			return *r
		}
		val, r := v.pop()
		if r != nil {
			return *r
		}
		var err error
		switch ins.Opcode {
		case bytecode.STOREI8:
			err = v.mem.Write8(addr, uint8(val))
		case bytecode.STOREI16:
			err = v.mem.Write16(addr, uint16(val))
		case bytecode.STOREI32:
			err = v.mem.Write32(addr, val)
		}
		if err != nil {
			return v.fail(errcode.OutOfBounds)
		}
		v.pc = nextPC

	case bytecode.STRLEN:
		addr, r := v.pop()
		if r != nil {
			return *r
		}
		length, err := v.mem.Read16(addr)
		if err != nil {
			return v.fail(errcode.OutOfBounds)
		}
		if r := v.push(uint32(length)); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.STRCPY:
		srcAddr, r := v.pop()
		if r != nil {
			return *r
		}
		dstAddr, r := v.pop()
		if r != nil {
			return *r
		}
		if err := v.strcpy(dstAddr, srcAddr); err != nil {
			return v.fail(errcode.OutOfBounds)
		}
		v.pc = nextPC

	case bytecode.STRCAT:
		srcAddr, r := v.pop()
		if r != nil {
			return *r
		}
		dstAddr, r := v.pop()
		if r != nil {
			return *r
		}
		if err := v.strcat(dstAddr, srcAddr); err != nil {
			return v.fail(errcode.OutOfBounds)
		}
		v.pc = nextPC

	case bytecode.STRCMP:
		bAddr, r := v.pop()
		if r != nil {
			return *r
		}
		aAddr, r := v.pop()
		if r != nil {
			return *r
		}
		cmp, err := v.strcmp(aAddr, bAddr)
		if err != nil {
			return v.fail(errcode.OutOfBounds)
		}
		if r := v.push(uint32(int32(cmp))); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.STRCLR:
		addr, r := v.pop()
		if r != nil {
			return *r
		}
		if err := v.mem.Write16(addr, 0); err != nil {
			return v.fail(errcode.OutOfBounds)
		}
		if err := v.mem.Write8(addr+stringHeaderSize, 0); err != nil {
			return v.fail(errcode.OutOfBounds)
		}
		v.pc = nextPC

	case bytecode.ADD, bytecode.SUB, bytecode.MUL, bytecode.DIV, bytecode.MOD:
		// DIV/MOD by zero must leave the stack untouched (spec §3 invariants),
		// so the zero check happens on a peek before either operand is popped.
		if ins.Opcode == bytecode.DIV || ins.Opcode == bytecode.MOD {
			b, r := v.peek(0)
			if r != nil {
				return *r
			}
			if int32(b) == 0 {
				return v.fail(errcode.DivByZero)
			}
		}
		b, r := v.pop()
		if r != nil {
			return *r
		}
		a, r := v.pop()
		if r != nil {
			return *r
		}
		ai, bi := int32(a), int32(b)
		var out int32
		switch ins.Opcode {
		case bytecode.ADD:
			out = ai + bi
		case bytecode.SUB:
			out = ai - bi
		case bytecode.MUL:
			out = ai * bi
		case bytecode.DIV:
			out = ai / bi
		case bytecode.MOD:
			out = ai % bi
		}
		if r := v.push(uint32(out)); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.NEG, bytecode.ABS:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		ai := int32(a)
		var out int32
		if ins.Opcode == bytecode.NEG {
			out = -ai
		} else if ai < 0 {
			out = -ai
		} else {
			out = ai
		}
		if r := v.push(uint32(out)); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.ADDF, bytecode.SUBF, bytecode.MULF, bytecode.DIVF:
		b, r := v.pop()
		if r != nil {
			return *r
		}
		a, r := v.pop()
		if r != nil {
			return *r
		}
		af, bf := math.Float32frombits(a), math.Float32frombits(b)
		var out float32
		switch ins.Opcode {
		case bytecode.ADDF:
			out = af + bf
		case bytecode.SUBF:
			out = af - bf
		case bytecode.MULF:
			out = af * bf
		case bytecode.DIVF:
			out = af / bf // IEEE-754 division by zero yields +-Inf or NaN, not a fault
		}
		if r := v.push(math.Float32bits(out)); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.NEGF, bytecode.ABSF:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		af := math.Float32frombits(a)
		var out float32
		if ins.Opcode == bytecode.NEGF {
			out = -af
		} else {
			out = float32(math.Abs(float64(af)))
		}
		if r := v.push(math.Float32bits(out)); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.AND, bytecode.OR, bytecode.XOR, bytecode.SHL, bytecode.SHR, bytecode.SAR:
		b, r := v.pop()
		if r != nil {
			return *r
		}
		a, r := v.pop()
		if r != nil {
			return *r
		}
		var out uint32
		switch ins.Opcode {
		case bytecode.AND:
			out = a & b
		case bytecode.OR:
			out = a | b
		case bytecode.XOR:
			out = a ^ b
		case bytecode.SHL:
			out = a << (b & 31)
		case bytecode.SHR:
			out = a >> (b & 31)
		case bytecode.SAR:
			out = uint32(int32(a) >> (b & 31))
		}
		if r := v.push(out); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.NOT:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		if r := v.push(^a); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.EQ, bytecode.NE, bytecode.LT, bytecode.LE, bytecode.GT, bytecode.GE, bytecode.LTU, bytecode.GTU:
		b, r := v.pop()
		if r != nil {
			return *r
		}
		a, r := v.pop()
		if r != nil {
			return *r
		}
		var cond bool
		switch ins.Opcode {
		case bytecode.EQ:
			cond = a == b
		case bytecode.NE:
			cond = a != b
		case bytecode.LT:
			cond = int32(a) < int32(b)
		case bytecode.LE:
			cond = int32(a) <= int32(b)
		case bytecode.GT:
			cond = int32(a) > int32(b)
		case bytecode.GE:
			cond = int32(a) >= int32(b)
		case bytecode.LTU:
			cond = a < b
		case bytecode.GTU:
			cond = a > b
		}
		if r := v.push(boolToU32(cond)); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.PUSH8:
		if r := v.push(uint32(int32(ins.Operand8()))); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.PICK:
		a, r := v.peek(int(ins.Operand))
		if r != nil {
			return *r
		}
		if r := v.push(a); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.JR:
		v.pc = bytecode.RelativeTarget(ins.PC, ins.Operand8())

	case bytecode.JRZ, bytecode.JRNZ:
		cond, r := v.pop()
		if r != nil {
			return *r
		}
		take := (cond == 0) == (ins.Opcode == bytecode.JRZ)
		if take {
			v.pc = bytecode.RelativeTarget(ins.PC, ins.Operand8())
		} else {
			v.pc = nextPC
		}

	case bytecode.LOAD8, bytecode.LOAD16, bytecode.LOAD32, bytecode.LOAD64:
		addr := uint32(ins.Addr16())
		switch ins.Opcode {
		case bytecode.LOAD8:
			b, err := v.mem.Read8(addr)
			if err != nil {
				return v.fail(errcode.OutOfBounds)
			}
			if r := v.push(uint32(b)); r != nil {
				return *r
			}
		case bytecode.LOAD16:
			h, err := v.mem.Read16(addr)
			if err != nil {
				return v.fail(errcode.OutOfBounds)
			}
			if r := v.push(uint32(h)); r != nil {
				return *r
			}
		case bytecode.LOAD32:
			w, err := v.mem.Read32(addr)
			if err != nil {
				return v.fail(errcode.OutOfBounds)
			}
			if r := v.push(w); r != nil {
				return *r
			}
		case bytecode.LOAD64:
			d, err := v.mem.Read64(addr)
			if err != nil {
				return v.fail(errcode.OutOfBounds)
			}
			lo := uint32(d)
			hi := uint32(d >> 32)
			if r := v.push(lo); r != nil {
				return *r
			}
			if r := v.push(hi); r != nil {
				return *r
			}
		}
		v.pc = nextPC

	case bytecode.STORE8, bytecode.STORE16, bytecode.STORE32, bytecode.STORE64:
		addr := uint32(ins.Addr16())
		var err error
		switch ins.Opcode {
		case bytecode.STORE8:
			val, r := v.pop()
			if r != nil {
				return *r
			}
			err = v.mem.Write8(addr, uint8(val))
		case bytecode.STORE16:
			val, r := v.pop()
			if r != nil {
				return *r
			}
			err = v.mem.Write16(addr, uint16(val))
		case bytecode.STORE32:
			val, r := v.pop()
			if r != nil {
				return *r
			}
			err = v.mem.Write32(addr, val)
		case bytecode.STORE64:
			hi, r := v.pop()
			if r != nil {
				return *r
			}
			lo, r := v.pop()
			if r != nil {
				return *r
			}
			err = v.mem.Write64(addr, uint64(hi)<<32|uint64(lo))
		}
		if err != nil {
			return v.fail(errcode.OutOfBounds)
		}
		v.pc = nextPC

	case bytecode.PUSH16:
		if r := v.push(uint32(int32(ins.Operand16()))); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.JMP:
		v.pc = ins.Addr16()

	case bytecode.JZ, bytecode.JNZ:
		cond, r := v.pop()
		if r != nil {
			return *r
		}
		take := (cond == 0) == (ins.Opcode == bytecode.JZ)
		if take {
			v.pc = ins.Addr16()
		} else {
			v.pc = nextPC
		}

	case bytecode.CALL:
		if v.csp >= CallStackCapacity {
			return v.fail(errcode.CallOverflow)
		}
		bp := uint32(0)
		if v.csp > 0 {
			bp = v.calls[v.csp-1].BP
		}
		v.calls[v.csp] = Frame{ReturnPC: nextPC, BP: bp}
		v.csp++
		v.pc = ins.Addr16()

	case bytecode.RET:
		if v.csp == 0 {
			return StepResult{Executed: true, CycleDone: true}
		}
		v.csp--
		v.pc = v.calls[v.csp].ReturnPC

	case bytecode.I2F:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		if r := v.push(math.Float32bits(float32(int32(a)))); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.F2I:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		f := math.Float32frombits(a)
		if r := v.push(uint32(float32ToInt32(f))); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.I2B:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		if r := v.push(boolToU32(int32(a) != 0)); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.EXT8:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		if r := v.push(uint32(int32(int8(a)))); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.EXT16:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		if r := v.push(uint32(int32(int16(a)))); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.ZEXT8:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		if r := v.push(uint32(uint8(a))); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.ZEXT16:
		a, r := v.pop()
		if r != nil {
			return *r
		}
		if r := v.push(uint32(uint16(a))); r != nil {
			return *r
		}
		v.pc = nextPC

	case bytecode.PUSH32:
		if r := v.push(ins.Operand); r != nil {
			return *r
		}
		v.pc = nextPC

	default:
		return v.fail(errcode.InvalidOpcode)
	}

	return StepResult{Executed: true}
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func float32ToInt32(f float32) int32 {
	switch {
	case math.IsNaN(float64(f)):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	default:
		return int32(f)
	}
}

func (v *VM) push(val uint32) *StepResult {
	if v.sp >= EvalStackCapacity {
		r := v.fail(errcode.StackOverflow)
		return &r
	}
	v.eval[v.sp] = val
	v.sp++
	return nil
}

func (v *VM) pop() (uint32, *StepResult) {
	if v.sp <= 0 {
		r := v.fail(errcode.StackUnderflow)
		return 0, &r
	}
	v.sp--
	return v.eval[v.sp], nil
}

func (v *VM) peek(depth int) (uint32, *StepResult) {
	idx := v.sp - 1 - depth
	if idx < 0 || idx >= v.sp {
		r := v.fail(errcode.StackUnderflow)
		return 0, &r
	}
	return v.eval[idx], nil
}

// stringHeader layout (spec §3): u16 current_len, u16 max_capacity, then
// data[max_capacity+1] bytes including a mandatory NUL terminator.
const stringHeaderSize = 4

func (v *VM) readStringMeta(addr uint32) (length, capacity uint16, err error) {
	length, err = v.mem.Read16(addr)
	if err != nil {
		return 0, 0, err
	}
	capacity, err = v.mem.Read16(addr + 2)
	if err != nil {
		return 0, 0, err
	}
	return length, capacity, nil
}

func (v *VM) strcpy(dstAddr, srcAddr uint32) error {
	srcLen, _, err := v.readStringMeta(srcAddr)
	if err != nil {
		return err
	}
	_, dstCap, err := v.readStringMeta(dstAddr)
	if err != nil {
		return err
	}
	n := srcLen
	if n > dstCap {
		n = dstCap
	}
	data, err := v.mem.Peek(srcAddr+stringHeaderSize, int(n))
	if err != nil {
		return err
	}
	if err := v.pokeStringData(dstAddr, 0, data); err != nil {
		return err
	}
	if err := v.mem.Write16(dstAddr, n); err != nil {
		return err
	}
	return v.mem.Write8(dstAddr+stringHeaderSize+uint32(n), 0)
}

func (v *VM) strcat(dstAddr, srcAddr uint32) error {
	dstLen, dstCap, err := v.readStringMeta(dstAddr)
	if err != nil {
		return err
	}
	srcLen, _, err := v.readStringMeta(srcAddr)
	if err != nil {
		return err
	}
	room := uint16(0)
	if dstCap > dstLen {
		room = dstCap - dstLen
	}
	n := srcLen
	if n > room {
		n = room
	}
	data, err := v.mem.Peek(srcAddr+stringHeaderSize, int(n))
	if err != nil {
		return err
	}
	if err := v.pokeStringData(dstAddr, dstLen, data); err != nil {
		return err
	}
	newLen := dstLen + n
	if err := v.mem.Write16(dstAddr, newLen); err != nil {
		return err
	}
	return v.mem.Write8(dstAddr+stringHeaderSize+uint32(newLen), 0)
}

func (v *VM) pokeStringData(addr uint32, offset uint16, data []byte) error {
	for i, b := range data {
		if err := v.mem.Write8(addr+stringHeaderSize+uint32(offset)+uint32(i), b); err != nil {
			return err
		}
	}
	return nil
}

func (v *VM) strcmp(aAddr, bAddr uint32) (int, error) {
	aLen, _, err := v.readStringMeta(aAddr)
	if err != nil {
		return 0, err
	}
	bLen, _, err := v.readStringMeta(bAddr)
	if err != nil {
		return 0, err
	}
	aData, err := v.mem.Peek(aAddr+stringHeaderSize, int(aLen))
	if err != nil {
		return 0, err
	}
	bData, err := v.mem.Peek(bAddr+stringHeaderSize, int(bLen))
	if err != nil {
		return 0, err
	}
	n := len(aData)
	if len(bData) < n {
		n = len(bData)
	}
	for i := 0; i < n; i++ {
		if aData[i] != bData[i] {
			if aData[i] < bData[i] {
				return -1, nil
			}
			return 1, nil
		}
	}
	switch {
	case len(aData) < len(bData):
		return -1, nil
	case len(aData) > len(bData):
		return 1, nil
	default:
		return 0, nil
	}
}
