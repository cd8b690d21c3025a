package sbpf

import (
	"fmt"
	"strings"
)

// Disassemble renders a decoded instruction in assembler syntax. Memory
// offsets are hexadecimal, jump offsets are signed decimal relative to the
// next instruction.
func Disassemble(ins Instruction) string {
	info := opTable[ins.Op]
	switch info.kind {
	case kindAluImm:
		return fmt.Sprintf("%s r%d, %d", info.name, ins.Dst, ins.Imm)
	case kindAluReg:
		return fmt.Sprintf("%s r%d, r%d", info.name, ins.Dst, ins.Src)
	case kindAluUnary:
		return fmt.Sprintf("%s r%d", info.name, ins.Dst)
	case kindEnd:
		return fmt.Sprintf("%s%d r%d", info.name, ins.Imm, ins.Dst)
	case kindLddw:
		imm := ins.Imm64
		if imm == 0 {
			imm = uint64(uint32(ins.Imm))
		}
		return fmt.Sprintf("lddw r%d, 0x%x", ins.Dst, imm)
	case kindLdx:
		return fmt.Sprintf("%s r%d, %s", info.name, ins.Dst, memOperand(ins.Src, ins.Off))
	case kindSt:
		return fmt.Sprintf("%s %s, %d", info.name, memOperand(ins.Dst, ins.Off), ins.Imm)
	case kindStx:
		return fmt.Sprintf("%s %s, r%d", info.name, memOperand(ins.Dst, ins.Off), ins.Src)
	case kindJa:
		return fmt.Sprintf("ja %+d", ins.Off)
	case kindJmpImm:
		return fmt.Sprintf("%s r%d, %d, %+d", info.name, ins.Dst, ins.Imm, ins.Off)
	case kindJmpReg:
		return fmt.Sprintf("%s r%d, r%d, %+d", info.name, ins.Dst, ins.Src, ins.Off)
	case kindCall:
		if ins.Src == 0 {
			return fmt.Sprintf("call 0x%08x", ins.Uimm())
		}
		return fmt.Sprintf("call %+d", ins.Imm)
	case kindCallx:
		return fmt.Sprintf("callx r%d", ins.Imm)
	case kindExit:
		return "exit"
	}
	return fmt.Sprintf("invalid 0x%016x", ins.Word())
}

// memOperand renders a register-relative memory operand, e.g. [r10-0x8].
func memOperand(reg uint8, off int16) string {
	switch {
	case off < 0:
		return fmt.Sprintf("[r%d-0x%x]", reg, -int32(off))
	case off > 0:
		return fmt.Sprintf("[r%d+0x%x]", reg, off)
	}
	return fmt.Sprintf("[r%d]", reg)
}

// DisassembleText renders a whole instruction stream, one instruction per
// line. Undecodable words are rendered as invalid and disassembly continues.
func DisassembleText(text []byte) string {
	var b strings.Builder
	words := uint64(len(text)) / InstructionSize
	for pc := uint64(0); pc < words; pc++ {
		word := readWord(text, pc)
		ins, err := Decode(word)
		if err != nil {
			fmt.Fprintf(&b, "%5d: invalid 0x%016x\n", pc, word)
			continue
		}
		if ins.Op == OpLddw && pc+1 < words {
			ins.Imm64 = uint64(uint32(ins.Imm)) | readWord(text, pc+1)&0xFFFFFFFF00000000
		}
		fmt.Fprintf(&b, "%5d: %s\n", pc, Disassemble(ins))
		if ins.Op == OpLddw {
			pc++
		}
	}
	return b.String()
}
