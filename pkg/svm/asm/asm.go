// Package asm assembles sBPF programs from text.
//
// The syntax is the one produced by the sbpf disassembler, plus labels:
//
//	entrypoint:
//	    mov64 r1, 10
//	loop:
//	    sub64 r1, 1
//	    jne r1, 0, loop
//	    call sol_log_      ; host call, by name
//	    call helper        ; internal call, by label
//	    exit
//
// Comments start with ';', '#' or "//". Jump and call operands are a label,
// a signed offset (+N / -N) relative to the next instruction, and for call
// also a host call name or a raw hash (0x...). A label used as the lddw
// immediate loads its address in the program region, for callx. Execution starts at the
// "entrypoint" label when it is defined, otherwise at the first instruction.
package asm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

// EntrypointLabel names the label where execution starts.
const EntrypointLabel = "entrypoint"

// ErrSyntax is returned for malformed source.
var ErrSyntax = errors.New("syntax error")

// Error locates an assembly error in the source.
type Error struct {
	Line int
	Text string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %v: %q", e.Line, e.Err, e.Text)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var aluOps = map[string]uint8{
	"add": sbpf.AluAdd, "sub": sbpf.AluSub, "mul": sbpf.AluMul, "div": sbpf.AluDiv,
	"or": sbpf.AluOr, "and": sbpf.AluAnd, "lsh": sbpf.AluLsh, "rsh": sbpf.AluRsh,
	"mod": sbpf.AluMod, "xor": sbpf.AluXor, "mov": sbpf.AluMov, "arsh": sbpf.AluArsh,
}

var jmpOps = map[string]uint8{
	"jeq": sbpf.JmpJeq, "jgt": sbpf.JmpJgt, "jge": sbpf.JmpJge, "jset": sbpf.JmpJset,
	"jne": sbpf.JmpJne, "jsgt": sbpf.JmpJsgt, "jsge": sbpf.JmpJsge, "jlt": sbpf.JmpJlt,
	"jle": sbpf.JmpJle, "jslt": sbpf.JmpJslt, "jsle": sbpf.JmpJsle,
}

var memSizes = map[string]uint8{
	"b": sbpf.SizeB, "h": sbpf.SizeH, "w": sbpf.SizeW, "dw": sbpf.SizeDW,
}

// statement is one parsed instruction awaiting label resolution.
type statement struct {
	line     int
	text     string
	mnemonic string
	operands []string
	pc       uint64
}

// Assemble translates source text into a program.
func Assemble(src string) (*sbpf.Program, error) {
	stmts, labels, err := parse(src)
	if err != nil {
		return nil, err
	}

	var words []uint64
	for _, st := range stmts {
		w, err := encode(st, labels)
		if err != nil {
			return nil, &Error{Line: st.line, Text: st.text, Err: err}
		}
		words = append(words, w...)
	}
	if len(words) == 0 {
		return nil, sbpf.InvalidImage("no instructions")
	}

	text := make([]byte, 0, len(words)*sbpf.InstructionSize)
	for _, w := range words {
		text = append(text,
			byte(w), byte(w>>8), byte(w>>16), byte(w>>24),
			byte(w>>32), byte(w>>40), byte(w>>48), byte(w>>56))
	}

	prog, err := sbpf.NewProgram(text)
	if err != nil {
		return nil, err
	}
	if pc, ok := labels[EntrypointLabel]; ok {
		if err := prog.SetEntry(pc); err != nil {
			return nil, err
		}
	}
	return prog, nil
}

// parse splits the source into statements and records label addresses.
func parse(src string) ([]statement, map[string]uint64, error) {
	var stmts []statement
	labels := make(map[string]uint64)
	pc := uint64(0)

	for i, raw := range strings.Split(src, "\n") {
		lineNo := i + 1
		line := stripComment(raw)

		// Leading labels, possibly several on one line
		for {
			colon := strings.IndexByte(line, ':')
			if colon < 0 {
				break
			}
			name := strings.TrimSpace(line[:colon])
			if !isIdent(name) {
				return nil, nil, &Error{Line: lineNo, Text: strings.TrimSpace(raw), Err: fmt.Errorf("%w: bad label", ErrSyntax)}
			}
			if _, dup := labels[name]; dup {
				return nil, nil, &Error{Line: lineNo, Text: strings.TrimSpace(raw), Err: fmt.Errorf("%w: duplicate label %s", ErrSyntax, name)}
			}
			labels[name] = pc
			line = line[colon+1:]
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		mnemonic, rest := line, ""
		if sp := strings.IndexAny(line, " \t"); sp >= 0 {
			mnemonic, rest = line[:sp], strings.TrimSpace(line[sp+1:])
		}
		var operands []string
		if rest != "" {
			for _, op := range strings.Split(rest, ",") {
				operands = append(operands, strings.TrimSpace(op))
			}
		}

		st := statement{
			line:     lineNo,
			text:     line,
			mnemonic: strings.ToLower(mnemonic),
			operands: operands,
			pc:       pc,
		}
		stmts = append(stmts, st)
		if st.mnemonic == "lddw" {
			pc += 2
		} else {
			pc++
		}
	}
	return stmts, labels, nil
}

// stripComment removes a trailing comment.
func stripComment(line string) string {
	for _, marker := range []string{";", "#", "//"} {
		if i := strings.Index(line, marker); i >= 0 {
			line = line[:i]
		}
	}
	return line
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_' || c == '.':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// encode produces the instruction words of one statement.
func encode(st statement, labels map[string]uint64) ([]uint64, error) {
	m, ops := st.mnemonic, st.operands

	switch {
	case m == "exit":
		if err := arity(ops, 0); err != nil {
			return nil, err
		}
		return one(sbpf.OpExit, 0, 0, 0, 0), nil

	case m == "lddw":
		if err := arity(ops, 2); err != nil {
			return nil, err
		}
		dst, err := register(ops[0])
		if err != nil {
			return nil, err
		}
		var imm uint64
		if dest, ok := labels[ops[1]]; ok {
			imm = sbpf.VaddrProgram + dest*sbpf.InstructionSize
		} else if imm, err = imm64(ops[1]); err != nil {
			return nil, err
		}
		pair := sbpf.EncodeLddw(dst, imm)
		return pair[:], nil

	case m == "ja":
		if err := arity(ops, 1); err != nil {
			return nil, err
		}
		off, err := jumpOffset(ops[0], st.pc, labels)
		if err != nil {
			return nil, err
		}
		return one(sbpf.OpJa, 0, 0, off, 0), nil

	case m == "call":
		if err := arity(ops, 1); err != nil {
			return nil, err
		}
		return encodeCall(ops[0], st.pc, labels)

	case m == "callx":
		if err := arity(ops, 1); err != nil {
			return nil, err
		}
		reg, err := register(ops[0])
		if err != nil {
			return nil, err
		}
		return one(sbpf.OpCallx, 0, 0, 0, int32(reg)), nil

	case strings.HasPrefix(m, "le") || strings.HasPrefix(m, "be"):
		width, err := strconv.Atoi(m[2:])
		if err != nil || (width != 16 && width != 32 && width != 64) {
			return nil, fmt.Errorf("%w: unknown mnemonic %s", ErrSyntax, m)
		}
		if err := arity(ops, 1); err != nil {
			return nil, err
		}
		dst, err := register(ops[0])
		if err != nil {
			return nil, err
		}
		op := uint8(sbpf.OpLe)
		if m[0] == 'b' {
			op = sbpf.OpBe
		}
		return one(op, dst, 0, 0, int32(width)), nil

	case strings.HasPrefix(m, "ldx"):
		size, ok := memSizes[m[3:]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown mnemonic %s", ErrSyntax, m)
		}
		if err := arity(ops, 2); err != nil {
			return nil, err
		}
		dst, err := register(ops[0])
		if err != nil {
			return nil, err
		}
		src, off, err := memOperand(ops[1])
		if err != nil {
			return nil, err
		}
		return one(sbpf.ClassLdx|sbpf.ModeMem|size, dst, src, off, 0), nil

	case strings.HasPrefix(m, "stx"):
		size, ok := memSizes[m[3:]]
		if !ok {
			return nil, fmt.Errorf("%w: unknown mnemonic %s", ErrSyntax, m)
		}
		if err := arity(ops, 2); err != nil {
			return nil, err
		}
		dst, off, err := memOperand(ops[0])
		if err != nil {
			return nil, err
		}
		src, err := register(ops[1])
		if err != nil {
			return nil, err
		}
		return one(sbpf.ClassStx|sbpf.ModeMem|size, dst, src, off, 0), nil

	case isStore(m):
		size := memSizes[m[2:]]
		if err := arity(ops, 2); err != nil {
			return nil, err
		}
		dst, off, err := memOperand(ops[0])
		if err != nil {
			return nil, err
		}
		imm, err := imm32(ops[1])
		if err != nil {
			return nil, err
		}
		return one(sbpf.ClassSt|sbpf.ModeMem|size, dst, 0, off, imm), nil
	}

	name, class := splitWidth(m)

	if name == "neg" {
		if err := arity(ops, 1); err != nil {
			return nil, err
		}
		dst, err := register(ops[0])
		if err != nil {
			return nil, err
		}
		return one(aluClass(class)|sbpf.AluNeg, dst, 0, 0, 0), nil
	}

	if code, ok := aluOps[name]; ok {
		if err := arity(ops, 2); err != nil {
			return nil, err
		}
		dst, err := register(ops[0])
		if err != nil {
			return nil, err
		}
		if src, err := register(ops[1]); err == nil {
			return one(aluClass(class)|sbpf.SrcX|code, dst, src, 0, 0), nil
		}
		imm, err := imm32(ops[1])
		if err != nil {
			return nil, err
		}
		return one(aluClass(class)|sbpf.SrcK|code, dst, 0, 0, imm), nil
	}

	if code, ok := jmpOps[name]; ok {
		if err := arity(ops, 3); err != nil {
			return nil, err
		}
		dst, err := register(ops[0])
		if err != nil {
			return nil, err
		}
		off, err := jumpOffset(ops[2], st.pc, labels)
		if err != nil {
			return nil, err
		}
		jclass := uint8(sbpf.ClassJmp)
		if class == 32 {
			jclass = sbpf.ClassJmp32
		}
		if src, err := register(ops[1]); err == nil {
			return one(jclass|sbpf.SrcX|code, dst, src, off, 0), nil
		}
		imm, err := imm32(ops[1])
		if err != nil {
			return nil, err
		}
		return one(jclass|sbpf.SrcK|code, dst, 0, off, imm), nil
	}

	return nil, fmt.Errorf("%w: unknown mnemonic %s", ErrSyntax, m)
}

// encodeCall resolves a call operand.
func encodeCall(target string, pc uint64, labels map[string]uint64) ([]uint64, error) {
	if dest, ok := labels[target]; ok {
		rel := int64(dest) - int64(pc) - 1
		return one(sbpf.OpCall, 0, 1, 0, int32(rel)), nil
	}
	if target != "" && (target[0] == '+' || target[0] == '-') {
		rel, err := strconv.ParseInt(target, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad call offset %s", ErrSyntax, target)
		}
		return one(sbpf.OpCall, 0, 1, 0, int32(rel)), nil
	}
	if hash, err := strconv.ParseUint(target, 0, 32); err == nil {
		return one(sbpf.OpCall, 0, 0, 0, int32(uint32(hash))), nil
	}
	if !isIdent(target) {
		return nil, fmt.Errorf("%w: bad call target %s", ErrSyntax, target)
	}
	return one(sbpf.OpCall, 0, 0, 0, int32(sbpf.SymbolHash(target))), nil
}

func isStore(m string) bool {
	if !strings.HasPrefix(m, "st") {
		return false
	}
	_, ok := memSizes[m[2:]]
	return ok
}

func one(op, dst, src uint8, off int16, imm int32) []uint64 {
	return []uint64{sbpf.Encode(op, dst, src, off, imm)}
}

func arity(ops []string, n int) error {
	if len(ops) != n {
		return fmt.Errorf("%w: expected %d operands, got %d", ErrSyntax, n, len(ops))
	}
	return nil
}

// splitWidth strips a "32" or "64" suffix. Mnemonics without a suffix are
// 64-bit.
func splitWidth(m string) (string, int) {
	switch {
	case strings.HasSuffix(m, "32"):
		return m[:len(m)-2], 32
	case strings.HasSuffix(m, "64"):
		return m[:len(m)-2], 64
	}
	return m, 64
}

func aluClass(width int) uint8 {
	if width == 32 {
		return sbpf.ClassAlu
	}
	return sbpf.ClassAlu64
}

// register parses "r0".."r10".
func register(s string) (uint8, error) {
	s = strings.ToLower(s)
	if len(s) < 2 || s[0] != 'r' {
		return 0, fmt.Errorf("%w: expected register, got %q", ErrSyntax, s)
	}
	n, err := strconv.ParseUint(s[1:], 10, 8)
	if err != nil || n >= sbpf.NumRegisters {
		return 0, fmt.Errorf("%w: bad register %q", ErrSyntax, s)
	}
	return uint8(n), nil
}

// memOperand parses "[rN]", "[rN+off]" or "[rN-off]".
func memOperand(s string) (uint8, int16, error) {
	if len(s) < 4 || s[0] != '[' || s[len(s)-1] != ']' {
		return 0, 0, fmt.Errorf("%w: expected memory operand, got %q", ErrSyntax, s)
	}
	inner := strings.ReplaceAll(s[1:len(s)-1], " ", "")
	sign := strings.IndexAny(inner, "+-")
	if sign < 0 {
		reg, err := register(inner)
		return reg, 0, err
	}
	reg, err := register(inner[:sign])
	if err != nil {
		return 0, 0, err
	}
	off, err := strconv.ParseInt(inner[sign:], 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: bad offset %q", ErrSyntax, inner[sign:])
	}
	return reg, int16(off), nil
}

// jumpOffset resolves a label or signed offset relative to pc+1.
func jumpOffset(s string, pc uint64, labels map[string]uint64) (int16, error) {
	rel := int64(0)
	if dest, ok := labels[s]; ok {
		rel = int64(dest) - int64(pc) - 1
	} else {
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: unknown label %s", ErrSyntax, s)
		}
		rel = n
	}
	if rel < -1<<15 || rel >= 1<<15 {
		return 0, fmt.Errorf("%w: jump to %s out of range", ErrSyntax, s)
	}
	return int16(rel), nil
}

// imm32 parses a 32-bit immediate, signed or unsigned.
func imm32(s string) (int32, error) {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil || n < -1<<31 || n > 1<<32-1 {
		return 0, fmt.Errorf("%w: bad immediate %q", ErrSyntax, s)
	}
	return int32(n), nil
}

// imm64 parses a 64-bit immediate, signed or unsigned.
func imm64(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return n, nil
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad immediate %q", ErrSyntax, s)
	}
	return uint64(n), nil
}
