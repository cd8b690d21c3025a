// Package syscall implements Solana syscalls for the sBPF VM.
//
// Syscalls are host functions callable from sBPF programs. Each syscall
// is identified by a hash of its name (murmur3). Arguments are passed in
// registers r1-r5, and the return value is placed in r0. Every handler
// charges the interpreter's compute meter before doing any work.
package syscall

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/rbpf-cli/internal/types"
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

// Syscall errors.
var (
	ErrInvalidLength    = errors.New("invalid length")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidString    = errors.New("invalid utf-8 string")
	ErrCopyOverlapping  = errors.New("overlapping memory copy")
	ErrReturnDataTooBig = errors.New("return data too large")
	ErrAbort            = errors.New("program aborted")
	ErrDuplicateSyscall = errors.New("duplicate syscall")
)

// Compute costs for syscalls.
const (
	CUSyscallBase      = uint64(100)
	CULogBase          = uint64(100)
	CULogPerByte       = uint64(1)
	CULogPubkey        = uint64(100)
	CULog64            = uint64(100)
	CUMemOpBase        = uint64(10)
	CUMemOpPerByte     = uint64(1)
	CUSha256Base       = uint64(85)
	CUSha256PerByte    = uint64(1)
	CUKeccak256Base    = uint64(85)
	CUKeccak256PerByte = uint64(1)
	CUBlake3Base       = uint64(85)
	CUBlake3PerByte    = uint64(1)
	CUBytesPerUnit     = uint64(250) // return data bytes per compute unit
)

// Maximum sizes.
const (
	MaxLogMsgLen  = 10000            // Maximum log message length
	MaxReturnData = 1024             // Maximum return data size
	MaxMemOpSize  = 10 * 1024 * 1024 // Maximum memory operation size (10 MB)
	MaxSlices     = 100              // Maximum slices for hashing and sol_log_data
	MaxPanicFile  = 256              // Maximum file name length read by sol_panic_
)

// InvokeContext provides execution context to syscalls.
type InvokeContext interface {
	// Log appends a program message to the execution log.
	Log(msg string)

	// Return data
	SetReturnData(programID types.Pubkey, data []byte) error
	GetReturnData() (programID types.Pubkey, data []byte)

	// GetProgramID returns the running program's id.
	GetProgramID() types.Pubkey
}

// Registry holds registered syscalls.
type Registry struct {
	syscalls map[uint32]sbpf.Syscall
	names    map[uint32]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		syscalls: make(map[uint32]sbpf.Syscall),
		names:    make(map[uint32]string),
	}
}

// NewRegistry creates a registry with all standard syscalls bound to ctx.
// The registry keeps per-run state (the heap allocator), so build one per
// run.
func NewRegistry(ctx InvokeContext) *Registry {
	r := New()

	r.registerLogging(ctx)
	r.registerMemory()
	r.registerCrypto()
	r.registerMisc(ctx)

	return r
}

// Get returns a syscall by its hash.
func (r *Registry) Get(hash uint32) (sbpf.Syscall, bool) {
	sc, ok := r.syscalls[hash]
	return sc, ok
}

// Name returns the name registered under hash.
func (r *Registry) Name(hash uint32) (string, bool) {
	name, ok := r.names[hash]
	return name, ok
}

// Len returns the number of registered syscalls.
func (r *Registry) Len() int {
	return len(r.syscalls)
}

// Lookup returns the registry lookup function.
func (r *Registry) Lookup() sbpf.SyscallRegistry {
	return func(hash uint32) (sbpf.Syscall, bool) {
		return r.Get(hash)
	}
}

// Register adds a syscall under the murmur3 hash of its name and returns
// the hash.
func (r *Registry) Register(name string, fn sbpf.Syscall) (uint32, error) {
	hash := sbpf.SymbolHash(name)
	if prev, ok := r.names[hash]; ok {
		return 0, fmt.Errorf("%w: %s collides with %s", ErrDuplicateSyscall, name, prev)
	}
	r.syscalls[hash] = fn
	r.names[hash] = name
	return hash, nil
}

// register adds a standard syscall. Standard names never collide.
func (r *Registry) register(name string, fn sbpf.SyscallFunc) {
	if _, err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// consume charges the VM's compute meter.
func consume(vm sbpf.VM, cost uint64) error {
	return vm.ComputeMeter().Consume(cost)
}

// memOpCost returns the cost of a memory operation over n bytes.
func memOpCost(n uint64) (uint64, error) {
	if n > MaxMemOpSize {
		return 0, ErrInvalidLength
	}
	return CUMemOpBase + CUMemOpPerByte*n, nil
}

// readBytes reads n bytes at addr. An empty read never touches memory, so
// zero-length slices may carry any pointer.
func readBytes(vm sbpf.VM, addr, n uint64) ([]byte, error) {
	data := make([]byte, n)
	if n == 0 {
		return data, nil
	}
	if err := vm.Read(addr, data); err != nil {
		return nil, err
	}
	return data, nil
}

// readSlices reads n (ptr, len) pairs at addr and the bytes they point to,
// charging perByte for each byte before it is read.
func readSlices(vm sbpf.VM, addr, n, perByte uint64) ([][]byte, error) {
	if n > MaxSlices {
		return nil, ErrInvalidArgument
	}
	out := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		ptr, err := vm.Read64(addr + i*16)
		if err != nil {
			return nil, err
		}
		length, err := vm.Read64(addr + i*16 + 8)
		if err != nil {
			return nil, err
		}
		if length > MaxMemOpSize {
			return nil, ErrInvalidLength
		}
		if err := consume(vm, perByte*length); err != nil {
			return nil, err
		}
		data, err := readBytes(vm, ptr, length)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// registerLogging registers logging syscalls.
func (r *Registry) registerLogging(ctx InvokeContext) {
	// sol_log_ - log a message
	r.register("sol_log_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		msgLen := r2
		if msgLen > MaxLogMsgLen {
			return 0, ErrInvalidLength
		}

		cost := CULogBase + CULogPerByte*msgLen
		if err := consume(vm, cost); err != nil {
			return 0, err
		}

		msg, err := readBytes(vm, r1, msgLen)
		if err != nil {
			return 0, err
		}
		if !utf8.Valid(msg) {
			return 0, ErrInvalidString
		}

		ctx.Log("Program log: " + string(msg))
		return 0, nil
	})

	// sol_log_64_ - log 5 integers
	r.register("sol_log_64_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := consume(vm, CULog64); err != nil {
			return 0, err
		}
		ctx.Log(fmt.Sprintf("Program log: %#x, %#x, %#x, %#x, %#x", r1, r2, r3, r4, r5))
		return 0, nil
	})

	// sol_log_pubkey - log a pubkey
	r.register("sol_log_pubkey", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := consume(vm, CULogPubkey); err != nil {
			return 0, err
		}

		var key types.Pubkey
		if err := vm.Read(r1, key[:]); err != nil {
			return 0, err
		}

		ctx.Log("Program log: " + key.String())
		return 0, nil
	})

	// sol_log_compute_units_ - log remaining compute units
	r.register("sol_log_compute_units_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := consume(vm, CUSyscallBase); err != nil {
			return 0, err
		}
		ctx.Log(fmt.Sprintf("Program consumption: %d units remaining", vm.ComputeMeter().Remaining()))
		return 0, nil
	})

	// sol_log_data - log arbitrary data slices
	r.register("sol_log_data", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := consume(vm, CULogBase); err != nil {
			return 0, err
		}

		data, err := readSlices(vm, r1, r2, CULogPerByte)
		if err != nil {
			return 0, err
		}

		fields := make([]string, len(data))
		for i, d := range data {
			fields[i] = base64.StdEncoding.EncodeToString(d)
		}
		ctx.Log("Program data: " + strings.Join(fields, " "))
		return 0, nil
	})
}

// registerMemory registers memory syscalls.
func (r *Registry) registerMemory() {
	// sol_memcpy_ - copy non-overlapping memory
	r.register("sol_memcpy_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, src, n := r1, r2, r3

		cost, err := memOpCost(n)
		if err != nil {
			return 0, err
		}
		if err := consume(vm, cost); err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
		if dst < src+n && src < dst+n {
			return 0, ErrCopyOverlapping
		}

		data := make([]byte, n)
		if err := vm.Read(src, data); err != nil {
			return 0, err
		}
		return 0, vm.Write(dst, data)
	})

	// sol_memmove_ - move memory (handles overlapping regions)
	r.register("sol_memmove_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, src, n := r1, r2, r3

		cost, err := memOpCost(n)
		if err != nil {
			return 0, err
		}
		if err := consume(vm, cost); err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}

		// Read source first (handles overlap)
		data := make([]byte, n)
		if err := vm.Read(src, data); err != nil {
			return 0, err
		}
		return 0, vm.Write(dst, data)
	})

	// sol_memset_ - set memory to a value
	r.register("sol_memset_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dst, val, n := r1, uint8(r2), r3

		cost, err := memOpCost(n)
		if err != nil {
			return 0, err
		}
		if err := consume(vm, cost); err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}

		data := make([]byte, n)
		for i := range data {
			data[i] = val
		}
		return 0, vm.Write(dst, data)
	})

	// sol_memcmp_ - compare memory, writing an i32 result
	r.register("sol_memcmp_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		addr1, addr2, n, resultAddr := r1, r2, r3, r4

		cost, err := memOpCost(n)
		if err != nil {
			return 0, err
		}
		if err := consume(vm, cost); err != nil {
			return 0, err
		}

		data1, err := readBytes(vm, addr1, n)
		if err != nil {
			return 0, err
		}
		data2, err := readBytes(vm, addr2, n)
		if err != nil {
			return 0, err
		}

		var result int32
		for i := uint64(0); i < n; i++ {
			if data1[i] != data2[i] {
				result = int32(data1[i]) - int32(data2[i])
				break
			}
		}

		return 0, vm.Write32(resultAddr, uint32(result))
	})

	// sol_alloc_free_ - bump allocator over the heap region. Free is a
	// no-op; a failed allocation returns 0.
	var pos uint64
	r.register("sol_alloc_free_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		size, freeAddr := r1, r2

		if err := consume(vm, CUSyscallBase); err != nil {
			return 0, err
		}
		if freeAddr != 0 || size == 0 {
			return 0, nil
		}

		start := (pos + 7) &^ 7
		if size > vm.HeapMax() || start+size > vm.HeapMax() {
			return 0, nil
		}
		if start+size > vm.HeapSize() {
			if err := vm.UpdateHeapSize(start + size); err != nil {
				return 0, nil
			}
		}
		pos = start + size
		return sbpf.VaddrHeap + start, nil
	})
}

// registerCrypto registers cryptographic syscalls.
func (r *Registry) registerCrypto() {
	// Each takes r1 = pointer to (ptr, len) pairs, r2 = number of slices,
	// r3 = result pointer (32 bytes).
	hasher := func(base, perByte uint64, sum func([][]byte) []byte) sbpf.SyscallFunc {
		return func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			if err := consume(vm, base); err != nil {
				return 0, err
			}
			data, err := readSlices(vm, r1, r2, perByte)
			if err != nil {
				return 0, err
			}
			return 0, vm.Write(r3, sum(data))
		}
	}

	r.register("sol_sha256", hasher(CUSha256Base, CUSha256PerByte, func(data [][]byte) []byte {
		h := sha256.New()
		for _, d := range data {
			h.Write(d)
		}
		return h.Sum(nil)
	}))

	r.register("sol_keccak256", hasher(CUKeccak256Base, CUKeccak256PerByte, func(data [][]byte) []byte {
		h := sha3.NewLegacyKeccak256()
		for _, d := range data {
			h.Write(d)
		}
		return h.Sum(nil)
	}))

	r.register("sol_blake3", hasher(CUBlake3Base, CUBlake3PerByte, func(data [][]byte) []byte {
		h := blake3.New()
		for _, d := range data {
			h.Write(d)
		}
		return h.Sum(nil)
	}))
}

// registerMisc registers termination and return data syscalls.
func (r *Registry) registerMisc(ctx InvokeContext) {
	// abort - terminate execution
	r.register("abort", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, ErrAbort
	})

	// sol_panic_ - r1 = file ptr, r2 = file len, r3 = line, r4 = column
	r.register("sol_panic_", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		fileLen := r2
		if fileLen > MaxPanicFile {
			fileLen = MaxPanicFile
		}
		file, err := readBytes(vm, r1, fileLen)
		if err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("SBF program Panicked in %s at %d:%d", strings.ToValidUTF8(string(file), "?"), r3, r4)
	})

	// sol_set_return_data - set return data
	r.register("sol_set_return_data", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dataAddr, dataLen := r1, r2

		if err := consume(vm, CUSyscallBase+dataLen/CUBytesPerUnit); err != nil {
			return 0, err
		}
		if dataLen > MaxReturnData {
			return 0, ErrReturnDataTooBig
		}

		data, err := readBytes(vm, dataAddr, dataLen)
		if err != nil {
			return 0, err
		}
		return 0, ctx.SetReturnData(ctx.GetProgramID(), data)
	})

	// sol_get_return_data - copy return data out, returning its full length
	r.register("sol_get_return_data", func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		dstAddr, maxLen, programIDAddr := r1, r2, r3

		if err := consume(vm, CUSyscallBase); err != nil {
			return 0, err
		}

		programID, data := ctx.GetReturnData()
		if len(data) == 0 {
			return 0, nil
		}

		copyLen := uint64(len(data))
		if copyLen > maxLen {
			copyLen = maxLen
		}
		if copyLen > 0 {
			if err := vm.Write(dstAddr, data[:copyLen]); err != nil {
				return 0, err
			}
			if err := vm.Write(programIDAddr, programID[:]); err != nil {
				return 0, err
			}
		}

		return uint64(len(data)), nil
	})
}

// Murmur3Hash computes the murmur3 hash of a syscall name.
func Murmur3Hash(name string) uint32 {
	return sbpf.SymbolHash(name)
}
