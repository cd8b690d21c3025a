package loader

import (
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

// Verify statically checks a program before it runs:
//   - every slot decodes, and lddw pairs are complete
//   - jump and relative call targets stay inside the program and never land
//     on the second slot of an lddw
//   - division and modulo by an immediate zero are rejected
//   - host calls resolve, when a registry is given
//
// Failures are InvalidProgramImage faults naming the offending slot.
func Verify(p *sbpf.Program, syscalls sbpf.SyscallRegistry) error {
	n := p.Len()

	// First pass: decode and find lddw second slots
	insns := make([]sbpf.Instruction, n)
	second := make(map[uint64]bool)
	for pc := uint64(0); pc < n; pc++ {
		ins, err := sbpf.Decode(p.Word(pc))
		if err != nil {
			return sbpf.InvalidImage("instruction %d: %v", pc, err)
		}
		insns[pc] = ins
		if ins.Op != sbpf.OpLddw {
			continue
		}
		if pc+1 >= n {
			return sbpf.InvalidImage("instruction %d: incomplete lddw", pc)
		}
		if uint8(p.Word(pc+1)) != 0 {
			return sbpf.InvalidImage("instruction %d: malformed lddw second slot", pc)
		}
		second[pc+1] = true
		pc++
	}
	if second[p.Entry] {
		return sbpf.InvalidImage("entry point %d is inside an lddw", p.Entry)
	}

	checkTarget := func(pc uint64, rel int64, what string) error {
		target := int64(pc) + rel + 1
		if target < 0 || uint64(target) >= n {
			return sbpf.InvalidImage("instruction %d: %s target %d out of bounds", pc, what, target)
		}
		if second[uint64(target)] {
			return sbpf.InvalidImage("instruction %d: %s target %d is inside an lddw", pc, what, target)
		}
		return nil
	}

	// Second pass: control flow and operands
	for pc := uint64(0); pc < n; pc++ {
		if second[pc] {
			continue
		}
		ins := insns[pc]
		class := ins.Class()

		switch {
		case ins.Op == sbpf.OpCall && ins.Src != 0:
			if err := checkTarget(pc, int64(ins.Imm), "call"); err != nil {
				return err
			}

		case ins.Op == sbpf.OpCall:
			hash := ins.Uimm()
			if _, ok := p.Functions[hash]; ok {
				continue
			}
			if syscalls == nil {
				continue
			}
			if _, ok := syscalls(hash); !ok {
				return sbpf.InvalidImage("instruction %d: %v 0x%08x", pc, ErrUnknownCall, hash)
			}

		case ins.Op == sbpf.OpCallx || ins.Op == sbpf.OpExit:

		case class == sbpf.ClassJmp || class == sbpf.ClassJmp32:
			if err := checkTarget(pc, int64(ins.Off), "jump"); err != nil {
				return err
			}

		case (class == sbpf.ClassAlu || class == sbpf.ClassAlu64) && ins.Op&0x08 == sbpf.SrcK:
			code := ins.Op & 0xf0
			if (code == sbpf.AluDiv || code == sbpf.AluMod) && ins.Imm == 0 {
				return sbpf.InvalidImage("instruction %d: %s by zero immediate", pc, ins.Mnemonic())
			}
		}
	}
	return nil
}
