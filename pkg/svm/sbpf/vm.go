// Package sbpf implements the Solana Berkeley Packet Filter virtual machine.
//
// sBPF is a register-based virtual machine with 11 64-bit registers (R0-R10),
// where R10 is a read-only frame pointer. The instruction set is based on eBPF
// with Solana-specific extensions.
//
// Memory is organized into four areas:
// - Program (0x100000000): Read-only executable code
// - Stack   (0x200000000): Read-write stack frames
// - Heap    (0x300000000): Read-write heap memory
// - Input   (0x400000000): Serialized parameters, writable where permitted
//
// Every run owns its memory map, registers, call stack, compute meter and
// log. Nothing is shared between interpreters.
package sbpf

import (
	"encoding/binary"
	"fmt"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000) // Read-only program code
	VaddrStack   = uint64(0x2_0000_0000) // Stack memory
	VaddrHeap    = uint64(0x3_0000_0000) // Heap memory
	VaddrInput   = uint64(0x4_0000_0000) // Input parameters
)

// Region names, as reported in access violations.
const (
	RegionProgram = "program"
	RegionStack   = "stack"
	RegionHeap    = "heap"
	RegionInput   = "input"
)

// Stack and heap constants.
const (
	StackFrameSize = 4096   // 4 KB per frame
	StackDepth     = 64     // Max call depth
	HeapDefault    = 32768  // 32 KB default heap
	HeapMax        = 262144 // 256 KB max heap
)

// MaxProgramSize is the largest accepted program text.
const MaxProgramSize = 10 * 1024 * 1024

// DefaultInstructionLimit is the default compute budget.
const DefaultInstructionLimit = 200_000

// Config holds interpreter settings. Zero numeric fields take their
// defaults.
type Config struct {
	MaxCallDepth         int
	StackFrameSize       uint64
	EnableStackFrameGaps bool
	HeapSize             uint64
	InstructionLimit     uint64
	EnableTrace          bool
	CostModel            CostModel
	LogBytesLimit        int
}

// DefaultConfig returns the default interpreter configuration.
func DefaultConfig() Config {
	return Config{
		MaxCallDepth:         StackDepth,
		StackFrameSize:       StackFrameSize,
		EnableStackFrameGaps: true,
		HeapSize:             HeapDefault,
		InstructionLimit:     DefaultInstructionLimit,
		CostModel:            CostUniform,
		LogBytesLimit:        DefaultLogBytesLimit,
	}
}

// withDefaults fills zero fields from DefaultConfig and clamps the heap.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxCallDepth <= 0 {
		c.MaxCallDepth = def.MaxCallDepth
	}
	if c.StackFrameSize == 0 {
		c.StackFrameSize = def.StackFrameSize
	}
	if c.HeapSize == 0 {
		c.HeapSize = def.HeapSize
	}
	if c.HeapSize > HeapMax {
		c.HeapSize = HeapMax
	}
	if c.InstructionLimit == 0 {
		c.InstructionLimit = def.InstructionLimit
	}
	return c
}

// stackRegion builds the stack region for this configuration.
func (c Config) stackRegion() Region {
	r := Region{
		Name:   RegionStack,
		VMAddr: VaddrStack,
		Host:   make([]byte, uint64(c.MaxCallDepth)*c.StackFrameSize),
		Perm:   PermRead | PermWrite,
	}
	// Each frame is followed by an unmapped gap of the same size
	if c.EnableStackFrameGaps {
		r.FrameSize = c.StackFrameSize
		r.GapSize = c.StackFrameSize
	}
	return r
}

// frameStride is the frame pointer advance per call.
func (c Config) frameStride() uint64 {
	if c.EnableStackFrameGaps {
		return 2 * c.StackFrameSize
	}
	return c.StackFrameSize
}

// VM is the sBPF virtual machine interface.
type VM interface {
	// VMContext returns the execution context.
	VMContext() interface{}

	// Memory access
	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	// Memory translation
	Translate(addr uint64, size uint64, mode AccessMode) ([]byte, error)

	// Heap management
	HeapMax() uint64
	HeapSize() uint64
	UpdateHeapSize(size uint64) error

	// Compute metering
	ComputeMeter() *ComputeMeter
}

// Syscall is the interface for host functions callable from sBPF programs.
type Syscall interface {
	// Invoke executes the syscall with the given arguments.
	// Arguments are passed in r1-r5, return value goes in r0.
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc is a function that implements Syscall.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallRegistry maps syscall hashes to implementations.
type SyscallRegistry func(hash uint32) (Syscall, bool)

// Program represents a loaded sBPF program. Text is never modified after
// construction.
type Program struct {
	Text      []byte            // Instructions, 8 bytes each
	Entry     uint64            // Entry point (instruction index)
	Functions map[uint32]uint64 // Function registry: hash -> PC offset
}

// NewProgram validates and copies an instruction stream.
func NewProgram(text []byte) (*Program, error) {
	switch {
	case len(text) == 0:
		return nil, InvalidImage("program is empty")
	case len(text)%InstructionSize != 0:
		return nil, InvalidImage("program length %d is not a multiple of %d", len(text), InstructionSize)
	case len(text) > MaxProgramSize:
		return nil, InvalidImage("program length %d exceeds %d", len(text), MaxProgramSize)
	}
	p := &Program{
		Text:      make([]byte, len(text)),
		Functions: make(map[uint32]uint64),
	}
	copy(p.Text, text)
	return p, nil
}

// Len returns the number of instruction slots.
func (p *Program) Len() uint64 {
	return uint64(len(p.Text)) / InstructionSize
}

// Word returns the raw instruction word at pc.
func (p *Program) Word(pc uint64) uint64 {
	return readWord(p.Text, pc)
}

// SetEntry sets the entry point.
func (p *Program) SetEntry(pc uint64) error {
	if pc >= p.Len() {
		return InvalidImage("entry point %d is outside the program", pc)
	}
	p.Entry = pc
	return nil
}

// RegisterFunction adds the function starting at pc to the registry and
// returns its call hash.
func (p *Program) RegisterFunction(pc uint64) (uint32, error) {
	if pc >= p.Len() {
		return 0, InvalidImage("function at %d is outside the program", pc)
	}
	hash := PCHash(pc)
	if prev, ok := p.Functions[hash]; ok && prev != pc {
		return 0, InvalidImage("function hash collision between %d and %d", prev, pc)
	}
	p.Functions[hash] = pc
	return hash, nil
}

// readWord returns the little-endian instruction word at slot pc.
func readWord(text []byte, pc uint64) uint64 {
	return binary.LittleEndian.Uint64(text[pc*InstructionSize:])
}

// InputRegion returns a single input region at VaddrInput.
func InputRegion(data []byte, writable bool) Region {
	perm := PermRead
	if writable {
		perm |= PermWrite
	}
	return Region{Name: RegionInput, VMAddr: VaddrInput, Host: data, Perm: perm}
}

// State is the interpreter state.
type State uint8

const (
	StateRunning State = iota
	StateSuccess
	StateFault
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateSuccess:
		return "Halted(Success)"
	case StateFault:
		return "Halted(Fault)"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}
