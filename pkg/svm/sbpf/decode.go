package sbpf

import (
	"fmt"
)

// Register indices.
const (
	R0 = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10

	// NumRegisters is the number of general-purpose registers (R0-R10).
	NumRegisters
)

// Instruction is a decoded sBPF instruction.
//
// Encoding (little-endian, 64 bits):
//
//	op:8 | dst:4 | src:4 | off:16 | imm:32
type Instruction struct {
	Op  uint8 // Opcode (bits 0-7)
	Dst uint8 // Destination register (bits 8-11)
	Src uint8 // Source register (bits 12-15)
	Off int16 // Signed offset (bits 16-31)
	Imm int32 // Signed immediate (bits 32-63)

	// Imm64 is the full immediate of an lddw pair. It is only set by the
	// interpreter after fetching the second slot.
	Imm64 uint64
}

// Class returns the instruction class (bits 0-2).
func (i Instruction) Class() uint8 {
	return i.Op & 0x07
}

// Uimm returns the immediate value as unsigned.
func (i Instruction) Uimm() uint32 {
	return uint32(i.Imm)
}

// Word re-encodes the instruction into its 64-bit form.
func (i Instruction) Word() uint64 {
	return Encode(i.Op, i.Dst, i.Src, i.Off, i.Imm)
}

// Mnemonic returns the assembler name of the opcode, or "" if the opcode is
// not part of the instruction set.
func (i Instruction) Mnemonic() string {
	return opTable[i.Op].name
}

// opKind groups opcodes that share operand layout and validation rules.
type opKind uint8

const (
	kindInvalid opKind = iota
	kindAluImm
	kindAluReg
	kindAluUnary
	kindEnd
	kindLddw
	kindLdx
	kindSt
	kindStx
	kindJa
	kindJmpImm
	kindJmpReg
	kindCall
	kindCallx
	kindExit
)

// opInfo describes one entry of the dense opcode table.
type opInfo struct {
	name string
	kind opKind
	size uint64 // memory access width in bytes (load/store only)
}

// writesDst reports whether instructions of this kind write their
// destination register.
func (k opKind) writesDst() bool {
	switch k {
	case kindAluImm, kindAluReg, kindAluUnary, kindEnd, kindLddw, kindLdx:
		return true
	}
	return false
}

// opTable maps every possible opcode byte to its description. Entries with
// kindInvalid are not part of the instruction set.
var opTable [256]opInfo

func init() {
	aluNames := map[uint8]string{
		AluAdd: "add", AluSub: "sub", AluMul: "mul", AluDiv: "div",
		AluOr: "or", AluAnd: "and", AluLsh: "lsh", AluRsh: "rsh",
		AluMod: "mod", AluXor: "xor", AluMov: "mov", AluArsh: "arsh",
	}
	for _, class := range []uint8{ClassAlu, ClassAlu64} {
		width := "32"
		if class == ClassAlu64 {
			width = "64"
		}
		for op, name := range aluNames {
			opTable[class|SrcK|op] = opInfo{name: name + width, kind: kindAluImm}
			opTable[class|SrcX|op] = opInfo{name: name + width, kind: kindAluReg}
		}
		opTable[class|AluNeg] = opInfo{name: "neg" + width, kind: kindAluUnary}
	}
	opTable[OpLe] = opInfo{name: "le", kind: kindEnd}
	opTable[OpBe] = opInfo{name: "be", kind: kindEnd}

	opTable[OpLddw] = opInfo{name: "lddw", kind: kindLddw, size: 8}

	sizes := []struct {
		bits   uint8
		suffix string
		bytes  uint64
	}{
		{SizeB, "b", 1}, {SizeH, "h", 2}, {SizeW, "w", 4}, {SizeDW, "dw", 8},
	}
	for _, s := range sizes {
		opTable[ClassLdx|ModeMem|s.bits] = opInfo{name: "ldx" + s.suffix, kind: kindLdx, size: s.bytes}
		opTable[ClassSt|ModeMem|s.bits] = opInfo{name: "st" + s.suffix, kind: kindSt, size: s.bytes}
		opTable[ClassStx|ModeMem|s.bits] = opInfo{name: "stx" + s.suffix, kind: kindStx, size: s.bytes}
	}

	jmpNames := map[uint8]string{
		JmpJeq: "jeq", JmpJgt: "jgt", JmpJge: "jge", JmpJset: "jset",
		JmpJne: "jne", JmpJsgt: "jsgt", JmpJsge: "jsge", JmpJlt: "jlt",
		JmpJle: "jle", JmpJslt: "jslt", JmpJsle: "jsle",
	}
	for op, name := range jmpNames {
		opTable[ClassJmp|SrcK|op] = opInfo{name: name, kind: kindJmpImm}
		opTable[ClassJmp|SrcX|op] = opInfo{name: name, kind: kindJmpReg}
		opTable[ClassJmp32|SrcK|op] = opInfo{name: name + "32", kind: kindJmpImm}
		opTable[ClassJmp32|SrcX|op] = opInfo{name: name + "32", kind: kindJmpReg}
	}
	opTable[OpJa] = opInfo{name: "ja", kind: kindJa}
	opTable[OpCall] = opInfo{name: "call", kind: kindCall}
	opTable[OpCallx] = opInfo{name: "callx", kind: kindCallx}
	opTable[OpExit] = opInfo{name: "exit", kind: kindExit}
}

// Decode extracts the fields of an instruction word and validates them
// against the instruction set. It has no side effects. Every failure wraps
// ErrInvalidOpcode.
func Decode(word uint64) (Instruction, error) {
	ins := Instruction{
		Op:  uint8(word),
		Dst: uint8(word>>8) & 0x0F,
		Src: uint8(word>>12) & 0x0F,
		Off: int16(word >> 16),
		Imm: int32(word >> 32),
	}

	info := opTable[ins.Op]
	if info.kind == kindInvalid {
		return ins, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidOpcode, ins.Op)
	}
	if ins.Dst >= NumRegisters || ins.Src >= NumRegisters {
		return ins, fmt.Errorf("%w: invalid register index dst=%d src=%d", ErrInvalidOpcode, ins.Dst, ins.Src)
	}
	if info.kind.writesDst() && ins.Dst == R10 {
		return ins, fmt.Errorf("%w: cannot write to r10", ErrInvalidOpcode)
	}

	switch info.kind {
	case kindEnd:
		if ins.Imm != 16 && ins.Imm != 32 && ins.Imm != 64 {
			return ins, fmt.Errorf("%w: invalid byte swap width %d", ErrInvalidOpcode, ins.Imm)
		}
	case kindCallx:
		if ins.Imm < 0 || ins.Imm >= NumRegisters {
			return ins, fmt.Errorf("%w: invalid callx register %d", ErrInvalidOpcode, ins.Imm)
		}
	}

	return ins, nil
}
