package syscall

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/rbpf-cli/internal/types"
	"github.com/fortiblox/rbpf-cli/pkg/svm/asm"
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

type testContext struct {
	log       *sbpf.Log
	programID types.Pubkey
	retID     types.Pubkey
	ret       []byte
}

func (c *testContext) Log(msg string) { c.log.Append(msg) }

func (c *testContext) SetReturnData(programID types.Pubkey, data []byte) error {
	c.retID = programID
	c.ret = append([]byte(nil), data...)
	return nil
}

func (c *testContext) GetReturnData() (types.Pubkey, []byte) { return c.retID, c.ret }

func (c *testContext) GetProgramID() types.Pubkey { return c.programID }

// run assembles src and runs it with the standard registry and input mapped
// read-only at VaddrInput.
func run(t *testing.T, src string, input []byte, limit uint64) (*sbpf.Interpreter, *testContext) {
	t.Helper()
	prog, err := asm.Assemble(src)
	require.NoError(t, err)

	ctx := &testContext{log: sbpf.NewLog(0)}
	for i := range ctx.programID {
		ctx.programID[i] = 7
	}
	cfg := sbpf.DefaultConfig()
	if limit != 0 {
		cfg.InstructionLimit = limit
	}
	vm, err := sbpf.NewInterpreter(prog, []sbpf.Region{sbpf.InputRegion(input, false)}, sbpf.InterpreterOpts{
		Config:   cfg,
		Syscalls: NewRegistry(ctx).Lookup(),
		Context:  ctx,
		Log:      ctx.log,
	})
	require.NoError(t, err)
	_, _ = vm.Run()
	return vm, ctx
}

// slices lays out (ptr, len) pairs followed by the data they describe.
func slices(parts ...string) []byte {
	header := 16 * len(parts)
	buf := make([]byte, header)
	for i, p := range parts {
		binary.LittleEndian.PutUint64(buf[i*16:], sbpf.VaddrInput+uint64(len(buf)))
		binary.LittleEndian.PutUint64(buf[i*16+8:], uint64(len(p)))
		buf = append(buf, p...)
	}
	return buf
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&testContext{log: sbpf.NewLog(0)})
	assert.Equal(t, 17, r.Len())

	for _, name := range []string{"sol_log_", "abort", "sol_panic_", "sol_memcpy_", "sol_blake3"} {
		sc, ok := r.Get(Murmur3Hash(name))
		assert.True(t, ok, name)
		assert.NotNil(t, sc)
		got, _ := r.Name(Murmur3Hash(name))
		assert.Equal(t, name, got)
	}
	assert.Equal(t, uint32(0x207559bd), Murmur3Hash("sol_log_"))

	_, err := r.Register("sol_log_", sbpf.SyscallFunc(func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, nil
	}))
	assert.True(t, errors.Is(err, ErrDuplicateSyscall))

	empty := New()
	_, ok := empty.Lookup()(Murmur3Hash("sol_log_"))
	assert.False(t, ok)
}

func TestLogging(t *testing.T) {
	var key types.Pubkey
	for i := range key {
		key[i] = 42
	}

	tests := []struct {
		name  string
		src   string
		input []byte
		want  string
	}{
		{
			name:  "sol_log_",
			src:   "mov64 r2, 5\ncall sol_log_\nexit",
			input: []byte("hello"),
			want:  "Program log: hello",
		},
		{
			name: "sol_log_64_",
			src:  "mov64 r1, 1\nmov64 r2, 2\nmov64 r3, 3\nmov64 r4, 4\nmov64 r5, 5\ncall sol_log_64_\nexit",
			want: "Program log: 0x1, 0x2, 0x3, 0x4, 0x5",
		},
		{
			name:  "sol_log_pubkey",
			src:   "call sol_log_pubkey\nexit",
			input: key[:],
			want:  "Program log: " + key.String(),
		},
		{
			name:  "sol_log_data",
			src:   "mov64 r2, 2\ncall sol_log_data\nexit",
			input: slices("abc", "hi"),
			want:  "Program data: YWJj aGk=",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, ctx := run(t, tt.src, tt.input, 0)
			require.True(t, vm.Outcome().Success(), vm.Outcome().String())
			assert.Equal(t, []string{tt.want}, ctx.log.Entries())
		})
	}
}

func TestLogComputeUnits(t *testing.T) {
	// The call instruction costs 1, the syscall 100
	vm, ctx := run(t, "call sol_log_compute_units_\nexit", nil, 1000)
	require.True(t, vm.Outcome().Success())
	assert.Equal(t, []string{"Program consumption: 899 units remaining"}, ctx.log.Entries())
}

func TestLogInvalidUTF8(t *testing.T) {
	vm, _ := run(t, "mov64 r2, 2\ncall sol_log_\nexit", []byte{0xff, 0xfe}, 0)
	out := vm.Outcome()
	require.NotNil(t, out.Fault)
	assert.Equal(t, sbpf.FaultHostCallFailed, out.Fault.Kind)
}

func TestSyscallComputeExhausted(t *testing.T) {
	vm, ctx := run(t, "call sol_log_64_\nexit", nil, 50)
	assert.Equal(t, "Err(ExceededMaxInstructions(0, 50))", vm.Outcome().String())
	assert.Empty(t, ctx.log.Entries())
}

func TestMemoryOps(t *testing.T) {
	src := `
		lddw r6, 0x300000000
		mov64 r1, r6
		mov64 r2, 0x41
		mov64 r3, 8
		call sol_memset_
		mov64 r1, r6
		add64 r1, 2
		mov64 r2, r6
		mov64 r3, 4
		call sol_memmove_
		mov64 r1, r6
		mov64 r2, r6
		mov64 r3, 8
		mov64 r4, r6
		add64 r4, 16
		call sol_memcmp_
		ldxw r0, [r6+16]
		exit
	`
	vm, _ := run(t, src, nil, 0)
	out := vm.Outcome()
	require.True(t, out.Success(), out.String())
	assert.Equal(t, uint64(0), out.ReturnCode)

	buf := make([]byte, 8)
	require.NoError(t, vm.Memory().Read(sbpf.VaddrHeap, buf))
	assert.Equal(t, []byte("AAAAAAAA"), buf)
}

func TestMemcpyOverlap(t *testing.T) {
	src := `
		lddw r1, 0x300000000
		lddw r2, 0x300000004
		mov64 r3, 8
		call sol_memcpy_
		exit
	`
	vm, _ := run(t, src, nil, 0)
	assert.Equal(t, `Err(SyscallError("overlapping memory copy"))`, vm.Outcome().String())
}

func TestMemcpyAccessViolation(t *testing.T) {
	// Destination is the read-only input region
	src := `
		lddw r2, 0x300000000
		mov64 r3, 4
		call sol_memcpy_
		exit
	`
	vm, _ := run(t, src, make([]byte, 8), 0)
	out := vm.Outcome()
	require.NotNil(t, out.Fault)
	assert.Equal(t, sbpf.FaultAccessViolation, out.Fault.Kind)
	assert.Equal(t, uint64(3), out.Fault.PC)
}

func TestHashes(t *testing.T) {
	src := `
		mov64 r2, 1
		lddw r3, 0x300000000
		call sol_sha256
		exit
	`
	vm, _ := run(t, src, slices("abc"), 0)
	require.True(t, vm.Outcome().Success(), vm.Outcome().String())

	got := make([]byte, 32)
	require.NoError(t, vm.Memory().Read(sbpf.VaddrHeap, got))
	want := sha256.Sum256([]byte("abc"))
	assert.Equal(t, want[:], got)

	for _, name := range []string{"sol_keccak256", "sol_blake3"} {
		vm, _ := run(t, "mov64 r2, 1\nlddw r3, 0x300000000\ncall "+name+"\nexit", slices("abc"), 0)
		require.True(t, vm.Outcome().Success(), name)
		require.NoError(t, vm.Memory().Read(sbpf.VaddrHeap, got))
		assert.NotEqual(t, make([]byte, 32), got, name)
	}

	// Too many slices
	vm, _ = run(t, "mov64 r2, 101\nlddw r3, 0x300000000\ncall sol_sha256\nexit", nil, 0)
	assert.Equal(t, sbpf.FaultHostCallFailed, vm.Outcome().Fault.Kind)
}

func TestAllocFree(t *testing.T) {
	src := `
		mov64 r1, 12
		mov64 r2, 0
		call sol_alloc_free_
		mov64 r6, r0
		mov64 r1, 8
		mov64 r2, 0
		call sol_alloc_free_
		mov64 r7, r0
		sub64 r7, r6
		lddw r1, 0x300000000
		jne r6, r1, fail
		mov64 r0, r7
		exit
	fail:
		mov64 r0, 0
		exit
	`
	vm, _ := run(t, src, nil, 0)
	out := vm.Outcome()
	require.True(t, out.Success(), out.String())
	// 12 bytes rounded up to the 8-byte alignment
	assert.Equal(t, uint64(16), out.ReturnCode)

	// Allocations past the maximum heap fail with a null pointer
	vm, _ = run(t, "lddw r1, 0x100000\nmov64 r2, 0\ncall sol_alloc_free_\nexit", nil, 0)
	assert.Equal(t, "Ok(0)", vm.Outcome().String())
}

func TestReturnData(t *testing.T) {
	src := `
		mov64 r2, 3
		call sol_set_return_data
		lddw r1, 0x300000000
		mov64 r2, 8
		lddw r3, 0x300000100
		call sol_get_return_data
		exit
	`
	vm, ctx := run(t, src, []byte("xyz"), 0)
	out := vm.Outcome()
	require.True(t, out.Success(), out.String())
	assert.Equal(t, uint64(3), out.ReturnCode)
	assert.Equal(t, []byte("xyz"), ctx.ret)
	assert.Equal(t, ctx.programID, ctx.retID)

	data := make([]byte, 3)
	require.NoError(t, vm.Memory().Read(sbpf.VaddrHeap, data))
	assert.Equal(t, []byte("xyz"), data)

	var id types.Pubkey
	require.NoError(t, vm.Memory().Read(sbpf.VaddrHeap+0x100, id[:]))
	assert.Equal(t, ctx.programID, id)
}

func TestTermination(t *testing.T) {
	vm, _ := run(t, "call abort\nexit", nil, 0)
	assert.Equal(t, `Err(SyscallError("program aborted"))`, vm.Outcome().String())

	src := `
		mov64 r2, 6
		mov64 r3, 10
		mov64 r4, 5
		call sol_panic_
		exit
	`
	vm, _ = run(t, src, []byte("lib.rs"), 0)
	assert.Equal(t, `Err(SyscallError("SBF program Panicked in lib.rs at 10:5"))`, vm.Outcome().String())
	assert.Equal(t, uint64(3), vm.Outcome().Fault.PC)
}

func TestZeroLengthSlices(t *testing.T) {
	// A (ptr, len) pair with a dangling pointer and no bytes
	empty := make([]byte, 16)
	binary.LittleEndian.PutUint64(empty, 1)

	vm, _ := run(t, "mov64 r2, 1\nlddw r3, 0x300000000\ncall sol_sha256\nexit", empty, 0)
	require.True(t, vm.Outcome().Success(), vm.Outcome().String())
	got := make([]byte, 32)
	require.NoError(t, vm.Memory().Read(sbpf.VaddrHeap, got))
	want := sha256.Sum256(nil)
	assert.Equal(t, want[:], got)

	tests := []struct {
		name  string
		src   string
		input []byte
		log   []string
	}{
		{
			name: "sol_log_",
			src:  "mov64 r1, 1\nmov64 r2, 0\ncall sol_log_\nexit",
			log:  []string{"Program log: "},
		},
		{
			name:  "sol_log_data",
			src:   "mov64 r2, 1\ncall sol_log_data\nexit",
			input: empty,
			log:   []string{"Program data: "},
		},
		{
			name: "sol_memcmp_",
			src:  "mov64 r1, 0\nmov64 r2, 0\nmov64 r3, 0\nlddw r4, 0x300000000\ncall sol_memcmp_\nexit",
			log:  []string{},
		},
		{
			name: "sol_set_return_data",
			src:  "mov64 r1, 1\nmov64 r2, 0\ncall sol_set_return_data\nexit",
			log:  []string{},
		},
		{
			name: "sol_panic_",
			src:  "mov64 r1, 0\nmov64 r2, 0\nmov64 r3, 1\nmov64 r4, 2\ncall sol_panic_\nexit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, ctx := run(t, tt.src, tt.input, 0)
			out := vm.Outcome()
			if tt.log == nil {
				assert.Equal(t, `Err(SyscallError("SBF program Panicked in  at 1:2"))`, out.String())
				return
			}
			require.True(t, out.Success(), out.String())
			assert.Equal(t, uint64(0), out.ReturnCode)
			assert.Equal(t, tt.log, ctx.log.Entries())
		})
	}
}

func TestReturnDataCost(t *testing.T) {
	// 100 base plus one unit per 250 bytes
	input := make([]byte, 500)
	vm, _ := run(t, "mov64 r2, 500\ncall sol_set_return_data\nexit", input, 1000)
	require.True(t, vm.Outcome().Success(), vm.Outcome().String())
	assert.Equal(t, uint64(3+CUSyscallBase+2), vm.ComputeMeter().Consumed())
}
