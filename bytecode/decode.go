package bytecode

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidOpcode is returned when the byte at pc does not name a defined
// opcode (spec §6.1, §9 Open Question 1: gaps are rejected, not treated as
// NOPs).
var ErrInvalidOpcode = errors.New("bytecode: invalid opcode")

// ErrTruncated is returned when an instruction's operand bytes run past the
// end of the supplied code slice.
var ErrTruncated = errors.New("bytecode: truncated instruction")

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	PC      uint16
	Opcode  Opcode
	Size    uint16 // total encoded length in bytes: 1, 2, 3, or 5
	Operand uint32 // raw operand bits, zero-extended to 32 bits; zero if none
}

// classSize returns the encoded length in bytes for op, per the encoding
// class table (spec §3) with its hard-coded exceptions: RET has no operand
// despite sitting in the 16-bit-operand range, and the seven conversion
// opcodes 0xA0-0xA6 have no operand for the same reason.
func classSize(op Opcode) uint16 {
	switch {
	case op == RET:
		return 1
	case op >= I2F && op <= ZEXT16:
		return 1
	case op <= 0x3F:
		return 1
	case op <= 0x7F:
		return 2
	case op <= 0xBF:
		return 3
	default:
		return 5
	}
}

// InstructionSize returns the encoded length of op without decoding a full
// instruction.
func InstructionSize(op Opcode) uint16 {
	return classSize(op)
}

// Decode reads one instruction from code starting at pc. It returns
// ErrInvalidOpcode for an unassigned opcode byte, or ErrTruncated if the
// instruction's operand would run past the end of code.
func Decode(code []byte, pc uint16) (Instruction, error) {
	if int(pc) >= len(code) {
		return Instruction{}, ErrTruncated
	}
	op := Opcode(code[pc])
	if !op.Valid() {
		return Instruction{PC: pc, Opcode: op, Size: 1}, ErrInvalidOpcode
	}
	size := classSize(op)
	end := int(pc) + int(size)
	if end > len(code) {
		return Instruction{PC: pc, Opcode: op}, ErrTruncated
	}
	ins := Instruction{PC: pc, Opcode: op, Size: size}
	switch size {
	case 2:
		ins.Operand = uint32(code[pc+1])
	case 3:
		ins.Operand = uint32(binary.LittleEndian.Uint16(code[pc+1 : pc+3]))
	case 5:
		ins.Operand = binary.LittleEndian.Uint32(code[pc+1 : pc+5])
	}
	return ins, nil
}

// Encode renders ins back to its wire bytes. encode(decode(bytes)) == bytes
// for any legal instruction (spec §8 roundtrip law).
func Encode(ins Instruction) []byte {
	size := classSize(ins.Opcode)
	buf := make([]byte, size)
	buf[0] = byte(ins.Opcode)
	switch size {
	case 2:
		buf[1] = byte(ins.Operand)
	case 3:
		binary.LittleEndian.PutUint16(buf[1:3], uint16(ins.Operand))
	case 5:
		binary.LittleEndian.PutUint32(buf[1:5], ins.Operand)
	}
	return buf
}

// Operand8 interprets the operand as a signed 8-bit value (JR/JRZ/JRNZ
// offsets, PUSH8 immediates before sign-extension).
func (ins Instruction) Operand8() int8 { return int8(ins.Operand) }

// Operand16 interprets the operand as a signed 16-bit value (PUSH16 before
// sign-extension).
func (ins Instruction) Operand16() int16 { return int16(ins.Operand) }

// Addr16 interprets the operand as an unsigned 16-bit logical address
// (LOAD/STORE/JMP/JZ/JNZ/CALL targets).
func (ins Instruction) Addr16() uint16 { return uint16(ins.Operand) }

// RelativeTarget computes the destination PC for a relative branch
// (JR/JRZ/JRNZ): a signed 8-bit offset counted from PC+2 (spec §4.3).
func RelativeTarget(pc uint16, offset int8) uint16 {
	return uint16(int32(pc) + 2 + int32(offset))
}
