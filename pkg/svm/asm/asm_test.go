package asm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

func words(t *testing.T, prog *sbpf.Program) []uint64 {
	t.Helper()
	out := make([]uint64, prog.Len())
	for i := range out {
		out[i] = prog.Word(uint64(i))
	}
	return out
}

func TestAssembleEncodings(t *testing.T) {
	tests := []struct {
		src  string
		want uint64
	}{
		{"mov64 r1, -1", sbpf.Encode(sbpf.OpMov64Imm, 1, 0, 0, -1)},
		{"mov r1, 5", sbpf.Encode(sbpf.OpMov64Imm, 1, 0, 0, 5)},
		{"add32 r2, r3", sbpf.Encode(sbpf.OpAdd32Reg, 2, 3, 0, 0)},
		{"mov32 r0, 0xffffffff", sbpf.Encode(sbpf.OpMov32Imm, 0, 0, 0, -1)},
		{"neg64 r4", sbpf.Encode(sbpf.OpNeg64, 4, 0, 0, 0)},
		{"neg32 r4", sbpf.Encode(sbpf.OpNeg32, 4, 0, 0, 0)},
		{"be16 r5", sbpf.Encode(sbpf.OpBe, 5, 0, 0, 16)},
		{"le64 r5", sbpf.Encode(sbpf.OpLe, 5, 0, 0, 64)},
		{"ldxw r1, [r2+0x4]", sbpf.Encode(sbpf.OpLdxw, 1, 2, 4, 0)},
		{"ldxdw r0, [r10-8]", sbpf.Encode(sbpf.OpLdxdw, 0, 10, -8, 0)},
		{"ldxb r0, [r1]", sbpf.Encode(sbpf.OpLdxb, 0, 1, 0, 0)},
		{"stb [r1], 7", sbpf.Encode(sbpf.OpStb, 1, 0, 0, 7)},
		{"stw [r1+2], -1", sbpf.Encode(sbpf.OpStw, 1, 0, 2, -1)},
		{"stxdw [r10-0x10], r6", sbpf.Encode(sbpf.OpStxdw, 10, 6, -16, 0)},
		{"ja -3", sbpf.Encode(sbpf.OpJa, 0, 0, -3, 0)},
		{"jeq r1, 5, +2", sbpf.Encode(sbpf.OpJeqImm, 1, 0, 2, 5)},
		{"jslt32 r1, r2, +0", sbpf.Encode(sbpf.OpJslt32Reg, 1, 2, 0, 0)},
		{"call 0x207559bd", sbpf.Encode(sbpf.OpCall, 0, 0, 0, 0x207559bd)},
		{"call sol_log_", sbpf.Encode(sbpf.OpCall, 0, 0, 0, 0x207559bd)},
		{"call -4", sbpf.Encode(sbpf.OpCall, 0, 1, 0, -4)},
		{"callx r3", sbpf.Encode(sbpf.OpCallx, 0, 0, 0, 3)},
		{"EXIT", sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			prog, err := Assemble(tt.src)
			require.NoError(t, err)
			assert.Equal(t, []uint64{tt.want}, words(t, prog))
		})
	}
}

// TestAssembleRoundTrip tests that disassembler output assembles back to the
// same words.
func TestAssembleRoundTrip(t *testing.T) {
	src := `
		mov64 r1, 10
		lddw r2, 0x1122334455667788
		stxdw [r10-0x8], r2
		ldxdw r3, [r10-0x8]
		jne r1, 0, +1
		call 0x207559bd
		exit
	`
	prog, err := Assemble(src)
	require.NoError(t, err)

	again, err := Assemble(stripIndices(sbpf.DisassembleText(prog.Text)))
	require.NoError(t, err)
	assert.Equal(t, prog.Text, again.Text)
}

func stripIndices(listing string) string {
	out := ""
	for _, line := range splitLines(listing) {
		// "    0: mov64 r1, 10" -> "mov64 r1, 10"
		for i := 0; i < len(line); i++ {
			if line[i] == ':' {
				line = line[i+1:]
				break
			}
		}
		out += line + "\n"
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestAssembleLabels(t *testing.T) {
	src := `
	; helper returns r1 * 2
	helper:
		mov64 r0, r1
		add64 r0, r1
		exit
	entrypoint:
		mov64 r1, 21   # argument
		call helper
		jeq r0, 42, done
		mov64 r0, 0
	done: exit         // finished
	`
	prog, err := Assemble(src)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), prog.Entry)

	w := words(t, prog)
	require.Len(t, w, 8)
	// call at 4 targets 0: imm = 0 - 4 - 1
	assert.Equal(t, sbpf.Encode(sbpf.OpCall, 0, 1, 0, -5), w[4])
	// jeq at 5 targets 7: off = 7 - 5 - 1
	assert.Equal(t, sbpf.Encode(sbpf.OpJeqImm, 0, 0, 1, 42), w[5])

	vm, err := sbpf.NewInterpreter(prog, nil, sbpf.InterpreterOpts{})
	require.NoError(t, err)
	r0, err := vm.Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), r0)
}

func TestAssembleLddwCounts(t *testing.T) {
	// lddw takes two slots, so the label after it is at 3
	prog, err := Assemble(`
		lddw r0, -1
		ja end
	end:
		exit
	`)
	require.NoError(t, err)
	w := words(t, prog)
	require.Len(t, w, 4)
	assert.Equal(t, sbpf.Encode(sbpf.OpJa, 0, 0, 0, 0), w[2])
	assert.Equal(t, uint64(0xffffffff), w[1]>>32)
}

func TestAssembleLabelAddress(t *testing.T) {
	prog, err := Assemble(`
	entrypoint:
		lddw r3, target
		callx r3
		exit
	target:
		mov64 r0, 9
		exit
	`)
	require.NoError(t, err)
	w := words(t, prog)
	addr := uint64(uint32(w[0]>>32)) | (w[1]>>32)<<32
	assert.Equal(t, sbpf.VaddrProgram+4*sbpf.InstructionSize, addr)

	vm, err := sbpf.NewInterpreter(prog, nil, sbpf.InterpreterOpts{})
	require.NoError(t, err)
	r0, err := vm.Run()
	require.NoError(t, err)
	assert.Equal(t, uint64(9), r0)
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"unknown mnemonic", "frob r1", 1},
		{"bad register", "mov64 r11, 1", 1},
		{"missing operand", "\nadd64 r1", 2},
		{"extra operand", "exit r0", 1},
		{"unknown label", "ja nowhere", 1},
		{"bad memory operand", "ldxw r1, r2", 1},
		{"immediate range", "mov64 r1, 0x100000000", 1},
		{"swap width", "be8 r1", 1},
		{"duplicate label", "a:\na:\nexit", 2},
		{"bad label", "1a: exit", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(tt.src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrSyntax), "error %v", err)
			var ae *Error
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.line, ae.Line)
		})
	}

	_, err := Assemble("; nothing here\n")
	assert.True(t, errors.Is(err, sbpf.ErrInvalidProgramImage))
}
