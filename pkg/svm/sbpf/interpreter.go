package sbpf

import (
	"fmt"
	"math/bits"
)

// Interpreter executes sBPF programs.
type Interpreter struct {
	// Program
	program *Program
	textLen uint64

	// Runtime state
	mem   *MemoryMap
	regs  Registers
	pc    uint64
	stack *CallStack

	// Configuration
	config       Config
	computeMeter *ComputeMeter
	syscalls     SyscallRegistry
	vmContext    interface{}
	log          *Log

	// Execution state
	count uint64
	state State
	fault *Fault
}

// InterpreterOpts configures the interpreter.
type InterpreterOpts struct {
	Config   Config
	Syscalls SyscallRegistry
	Context  interface{}

	// Log receives trace lines. Host calls usually share it through the
	// execution context. A new log is created when nil.
	Log *Log
}

// NewInterpreter creates a new sBPF interpreter. The input regions are
// mapped next to the program, stack and heap regions and must not overlap
// them or each other.
func NewInterpreter(program *Program, input []Region, opts InterpreterOpts) (*Interpreter, error) {
	if program == nil || len(program.Text) == 0 {
		return nil, InvalidImage("program is empty")
	}
	cfg := opts.Config.withDefaults()

	regions := make([]Region, 0, 3+len(input))
	regions = append(regions,
		Region{Name: RegionProgram, VMAddr: VaddrProgram, Host: program.Text, Perm: PermRead | PermExec},
		cfg.stackRegion(),
		Region{Name: RegionHeap, VMAddr: VaddrHeap, Host: make([]byte, cfg.HeapSize), Perm: PermRead | PermWrite},
	)
	regions = append(regions, input...)
	mem, err := NewMemoryMap(regions...)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = NewLog(cfg.LogBytesLimit)
	}

	ip := &Interpreter{
		program:      program,
		textLen:      program.Len(),
		mem:          mem,
		pc:           program.Entry,
		stack:        NewCallStack(cfg.MaxCallDepth, cfg.frameStride()),
		config:       cfg,
		computeMeter: NewComputeMeter(cfg.InstructionLimit),
		syscalls:     opts.Syscalls,
		vmContext:    opts.Context,
		log:          log,
	}
	ip.regs[R1] = VaddrInput                       // Input pointer in R1
	ip.regs[R10] = VaddrStack + cfg.StackFrameSize // Frame pointer in R10
	return ip, nil
}

// Run executes the program until completion or fault. The returned error is
// always a *Fault.
func (ip *Interpreter) Run() (uint64, error) {
	for ip.Step() == StateRunning {
	}
	if ip.fault != nil {
		return 0, ip.fault
	}
	return ip.regs[R0], nil
}

// Step executes one instruction and returns the resulting state. Once the
// interpreter has halted, Step does nothing.
func (ip *Interpreter) Step() State {
	if ip.state != StateRunning {
		return ip.state
	}
	pc := ip.pc
	exited, err := ip.step()
	switch {
	case err != nil:
		ip.halt(classify(err, pc))
	case exited:
		ip.state = StateSuccess
	}
	return ip.state
}

// halt records the terminal fault.
func (ip *Interpreter) halt(f *Fault) {
	switch f.Kind {
	case FaultCallDepthExceeded:
		f.Limit = uint64(ip.stack.MaxDepth())
	case FaultComputeExhausted:
		f.Limit = ip.computeMeter.Limit()
	}
	ip.fault = f
	ip.state = StateFault
}

// fetch reads the instruction word at pc through the memory map.
func (ip *Interpreter) fetch(pc uint64) (uint64, error) {
	addr := VaddrProgram + pc*InstructionSize
	if pc >= ip.textLen {
		return 0, &AccessError{Mode: AccessExecute, Addr: addr, Len: InstructionSize, Region: RegionProgram, Reason: "out of bounds"}
	}
	mem, err := ip.mem.Translate(addr, InstructionSize, AccessExecute)
	if err != nil {
		return 0, err
	}
	return readWord(mem, 0), nil
}

// jumpTarget returns the slot reached by a relative jump at pc.
func jumpTarget(pc uint64, off int64) uint64 {
	return uint64(int64(pc) + off + 1)
}

// lddwImm assembles the 64-bit immediate of the lddw at pc from its two slots.
func (ip *Interpreter) lddwImm(pc uint64, lo int32) (uint64, error) {
	hi, err := ip.fetch(pc + 1)
	if err != nil {
		return 0, fmt.Errorf("%w: incomplete lddw", ErrInvalidOpcode)
	}
	if uint8(hi) != 0 {
		return 0, fmt.Errorf("%w: malformed lddw second slot 0x%02x", ErrInvalidOpcode, uint8(hi))
	}
	return uint64(uint32(lo)) | hi&0xFFFFFFFF00000000, nil
}

// step executes the instruction at pc. It reports exited when the program
// returned from its entry frame.
func (ip *Interpreter) step() (exited bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: vm panic: %v", ErrInvalidOpcode, rec)
		}
	}()

	pc := ip.pc
	word, err := ip.fetch(pc)
	if err != nil {
		return false, err
	}

	// Charge before executing
	if err := ip.computeMeter.Consume(ip.config.CostModel.cost(uint8(word))); err != nil {
		return false, err
	}
	index := ip.count
	ip.count++

	ins, err := Decode(word)
	next := pc + 1
	if err == nil && ins.Op == OpLddw {
		ins.Imm64, err = ip.lddwImm(pc, ins.Imm)
		next = pc + 2
	}

	// Every counted instruction is traced, including one that fails to decode
	if ip.config.EnableTrace {
		text := fmt.Sprintf("invalid 0x%016x", word)
		if err == nil {
			text = Disassemble(ins)
		}
		ip.log.Trace(fmt.Sprintf("%5d %s %5d: %s", index, ip.regs.String(), pc, text))
	}
	if err != nil {
		return false, err
	}

	r := &ip.regs
	dst, src, off, imm := ins.Dst, ins.Src, int64(ins.Off), ins.Imm

	switch ins.Op {
	// 64-bit immediate load (uses two instruction slots)
	case OpLddw:
		r[dst] = ins.Imm64

	// ALU64 immediate
	case OpAdd64Imm:
		r[dst] += uint64(imm)
	case OpSub64Imm:
		r[dst] -= uint64(imm)
	case OpMul64Imm:
		r[dst] *= uint64(imm)
	case OpDiv64Imm:
		if imm == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] /= uint64(imm)
	case OpOr64Imm:
		r[dst] |= uint64(imm)
	case OpAnd64Imm:
		r[dst] &= uint64(imm)
	case OpLsh64Imm:
		r[dst] <<= uint64(imm) & 63
	case OpRsh64Imm:
		r[dst] >>= uint64(imm) & 63
	case OpNeg64:
		r[dst] = uint64(-int64(r[dst]))
	case OpMod64Imm:
		if imm == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] %= uint64(imm)
	case OpXor64Imm:
		r[dst] ^= uint64(imm)
	case OpMov64Imm:
		r[dst] = uint64(imm)
	case OpArsh64Imm:
		r[dst] = uint64(int64(r[dst]) >> (uint64(imm) & 63))

	// ALU64 register
	case OpAdd64Reg:
		r[dst] += r[src]
	case OpSub64Reg:
		r[dst] -= r[src]
	case OpMul64Reg:
		r[dst] *= r[src]
	case OpDiv64Reg:
		if r[src] == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] /= r[src]
	case OpOr64Reg:
		r[dst] |= r[src]
	case OpAnd64Reg:
		r[dst] &= r[src]
	case OpLsh64Reg:
		r[dst] <<= r[src] & 63
	case OpRsh64Reg:
		r[dst] >>= r[src] & 63
	case OpMod64Reg:
		if r[src] == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] %= r[src]
	case OpXor64Reg:
		r[dst] ^= r[src]
	case OpMov64Reg:
		r[dst] = r[src]
	case OpArsh64Reg:
		r[dst] = uint64(int64(r[dst]) >> (r[src] & 63))

	// ALU32 immediate
	case OpAdd32Imm:
		r[dst] = uint64(uint32(r[dst]) + uint32(imm))
	case OpSub32Imm:
		r[dst] = uint64(uint32(r[dst]) - uint32(imm))
	case OpMul32Imm:
		r[dst] = uint64(uint32(r[dst]) * uint32(imm))
	case OpDiv32Imm:
		if imm == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) / uint32(imm))
	case OpOr32Imm:
		r[dst] = uint64(uint32(r[dst]) | uint32(imm))
	case OpAnd32Imm:
		r[dst] = uint64(uint32(r[dst]) & uint32(imm))
	case OpLsh32Imm:
		r[dst] = uint64(uint32(r[dst]) << (uint32(imm) & 31))
	case OpRsh32Imm:
		r[dst] = uint64(uint32(r[dst]) >> (uint32(imm) & 31))
	case OpMod32Imm:
		if imm == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) % uint32(imm))
	case OpXor32Imm:
		r[dst] = uint64(uint32(r[dst]) ^ uint32(imm))
	case OpMov32Imm:
		r[dst] = uint64(uint32(imm))
	case OpNeg32:
		r[dst] = uint64(uint32(-int32(r[dst])))
	case OpArsh32Imm:
		r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(imm) & 31)))

	// ALU32 register
	case OpAdd32Reg:
		r[dst] = uint64(uint32(r[dst]) + uint32(r[src]))
	case OpSub32Reg:
		r[dst] = uint64(uint32(r[dst]) - uint32(r[src]))
	case OpMul32Reg:
		r[dst] = uint64(uint32(r[dst]) * uint32(r[src]))
	case OpDiv32Reg:
		if uint32(r[src]) == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) / uint32(r[src]))
	case OpOr32Reg:
		r[dst] = uint64(uint32(r[dst]) | uint32(r[src]))
	case OpAnd32Reg:
		r[dst] = uint64(uint32(r[dst]) & uint32(r[src]))
	case OpLsh32Reg:
		r[dst] = uint64(uint32(r[dst]) << (uint32(r[src]) & 31))
	case OpRsh32Reg:
		r[dst] = uint64(uint32(r[dst]) >> (uint32(r[src]) & 31))
	case OpMod32Reg:
		if uint32(r[src]) == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) % uint32(r[src]))
	case OpXor32Reg:
		r[dst] = uint64(uint32(r[dst]) ^ uint32(r[src]))
	case OpMov32Reg:
		r[dst] = uint64(uint32(r[src]))
	case OpArsh32Reg:
		r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(r[src]) & 31)))

	// Byte swap
	case OpLe:
		switch imm {
		case 16:
			r[dst] = uint64(uint16(r[dst]))
		case 32:
			r[dst] = uint64(uint32(r[dst]))
		}
	case OpBe:
		switch imm {
		case 16:
			r[dst] = uint64(bits.ReverseBytes16(uint16(r[dst])))
		case 32:
			r[dst] = uint64(bits.ReverseBytes32(uint32(r[dst])))
		case 64:
			r[dst] = bits.ReverseBytes64(r[dst])
		}

	// Memory load
	case OpLdxb:
		val, err := ip.mem.Read8(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = uint64(val)
	case OpLdxh:
		val, err := ip.mem.Read16(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = uint64(val)
	case OpLdxw:
		val, err := ip.mem.Read32(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = uint64(val)
	case OpLdxdw:
		val, err := ip.mem.Read64(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = val

	// Memory store
	case OpStb:
		if err := ip.mem.Write8(r[dst]+uint64(off), uint8(imm)); err != nil {
			return false, err
		}
	case OpSth:
		if err := ip.mem.Write16(r[dst]+uint64(off), uint16(imm)); err != nil {
			return false, err
		}
	case OpStw:
		if err := ip.mem.Write32(r[dst]+uint64(off), uint32(imm)); err != nil {
			return false, err
		}
	case OpStdw:
		if err := ip.mem.Write64(r[dst]+uint64(off), uint64(imm)); err != nil {
			return false, err
		}
	case OpStxb:
		if err := ip.mem.Write8(r[dst]+uint64(off), uint8(r[src])); err != nil {
			return false, err
		}
	case OpStxh:
		if err := ip.mem.Write16(r[dst]+uint64(off), uint16(r[src])); err != nil {
			return false, err
		}
	case OpStxw:
		if err := ip.mem.Write32(r[dst]+uint64(off), uint32(r[src])); err != nil {
			return false, err
		}
	case OpStxdw:
		if err := ip.mem.Write64(r[dst]+uint64(off), r[src]); err != nil {
			return false, err
		}

	// Jump unconditional
	case OpJa:
		next = jumpTarget(pc, off)

	// Jump conditional (64-bit)
	case OpJeqImm:
		if r[dst] == uint64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJeqReg:
		if r[dst] == r[src] {
			next = jumpTarget(pc, off)
		}
	case OpJgtImm:
		if r[dst] > uint64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJgtReg:
		if r[dst] > r[src] {
			next = jumpTarget(pc, off)
		}
	case OpJgeImm:
		if r[dst] >= uint64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJgeReg:
		if r[dst] >= r[src] {
			next = jumpTarget(pc, off)
		}
	case OpJltImm:
		if r[dst] < uint64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJltReg:
		if r[dst] < r[src] {
			next = jumpTarget(pc, off)
		}
	case OpJleImm:
		if r[dst] <= uint64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJleReg:
		if r[dst] <= r[src] {
			next = jumpTarget(pc, off)
		}
	case OpJneImm:
		if r[dst] != uint64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJneReg:
		if r[dst] != r[src] {
			next = jumpTarget(pc, off)
		}
	case OpJsetImm:
		if r[dst]&uint64(imm) != 0 {
			next = jumpTarget(pc, off)
		}
	case OpJsetReg:
		if r[dst]&r[src] != 0 {
			next = jumpTarget(pc, off)
		}
	case OpJsgtImm:
		if int64(r[dst]) > int64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJsgtReg:
		if int64(r[dst]) > int64(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJsgeImm:
		if int64(r[dst]) >= int64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJsgeReg:
		if int64(r[dst]) >= int64(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJsltImm:
		if int64(r[dst]) < int64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJsltReg:
		if int64(r[dst]) < int64(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJsleImm:
		if int64(r[dst]) <= int64(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJsleReg:
		if int64(r[dst]) <= int64(r[src]) {
			next = jumpTarget(pc, off)
		}

	// 32-bit jump conditional (compare 32-bit values)
	case OpJeq32Imm:
		if uint32(r[dst]) == uint32(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJeq32Reg:
		if uint32(r[dst]) == uint32(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJgt32Imm:
		if uint32(r[dst]) > uint32(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJgt32Reg:
		if uint32(r[dst]) > uint32(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJge32Imm:
		if uint32(r[dst]) >= uint32(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJge32Reg:
		if uint32(r[dst]) >= uint32(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJlt32Imm:
		if uint32(r[dst]) < uint32(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJlt32Reg:
		if uint32(r[dst]) < uint32(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJle32Imm:
		if uint32(r[dst]) <= uint32(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJle32Reg:
		if uint32(r[dst]) <= uint32(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJne32Imm:
		if uint32(r[dst]) != uint32(imm) {
			next = jumpTarget(pc, off)
		}
	case OpJne32Reg:
		if uint32(r[dst]) != uint32(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJset32Imm:
		if uint32(r[dst])&uint32(imm) != 0 {
			next = jumpTarget(pc, off)
		}
	case OpJset32Reg:
		if uint32(r[dst])&uint32(r[src]) != 0 {
			next = jumpTarget(pc, off)
		}
	case OpJsgt32Imm:
		if int32(r[dst]) > imm {
			next = jumpTarget(pc, off)
		}
	case OpJsgt32Reg:
		if int32(r[dst]) > int32(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJsge32Imm:
		if int32(r[dst]) >= imm {
			next = jumpTarget(pc, off)
		}
	case OpJsge32Reg:
		if int32(r[dst]) >= int32(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJslt32Imm:
		if int32(r[dst]) < imm {
			next = jumpTarget(pc, off)
		}
	case OpJslt32Reg:
		if int32(r[dst]) < int32(r[src]) {
			next = jumpTarget(pc, off)
		}
	case OpJsle32Imm:
		if int32(r[dst]) <= imm {
			next = jumpTarget(pc, off)
		}
	case OpJsle32Reg:
		if int32(r[dst]) <= int32(r[src]) {
			next = jumpTarget(pc, off)
		}

	// Call and exit
	case OpCall:
		if src != 0 {
			// Relative call: target = pc + imm + 1
			if err := ip.stack.Push(r, next); err != nil {
				return false, err
			}
			next = jumpTarget(pc, int64(imm))
			break
		}
		hash := uint32(imm)
		if ip.syscalls != nil {
			if sc, ok := ip.syscalls(hash); ok {
				result, err := sc.Invoke(ip, r[1], r[2], r[3], r[4], r[5])
				if err != nil {
					return false, err
				}
				r[0] = result
				break
			}
		}
		target, ok := ip.program.Functions[hash]
		if !ok {
			return false, fmt.Errorf("%w 0x%08x", ErrUnknownSyscall, hash)
		}
		// Internal BPF-to-BPF function call
		if err := ip.stack.Push(r, next); err != nil {
			return false, err
		}
		next = target

	case OpCallx:
		target := r[uint8(imm)]
		if _, err := ip.mem.Translate(target, InstructionSize, AccessExecute); err != nil {
			return false, err
		}
		if (target-VaddrProgram)%InstructionSize != 0 {
			return false, &AccessError{Mode: AccessExecute, Addr: target, Len: InstructionSize,
				Region: RegionProgram, Reason: "misaligned call target"}
		}
		if err := ip.stack.Push(r, next); err != nil {
			return false, err
		}
		next = (target - VaddrProgram) / InstructionSize

	case OpExit:
		if ip.stack.Depth() == 0 {
			// No more frames, exit program
			return true, nil
		}
		retAddr, err := ip.stack.Pop(r)
		if err != nil {
			return false, err
		}
		next = retAddr

	default:
		return false, fmt.Errorf("%w: opcode 0x%02x", ErrInvalidOpcode, ins.Op)
	}

	ip.pc = next
	return false, nil
}

// Registers returns a copy of the register file.
func (ip *Interpreter) Registers() Registers {
	return ip.regs
}

// PC returns the program counter (instruction index).
func (ip *Interpreter) PC() uint64 {
	return ip.pc
}

// State returns the interpreter state.
func (ip *Interpreter) State() State {
	return ip.state
}

// InstructionCount returns the number of instructions that started
// executing.
func (ip *Interpreter) InstructionCount() uint64 {
	return ip.count
}

// CallDepth returns the number of active nested calls.
func (ip *Interpreter) CallDepth() int {
	return ip.stack.Depth()
}

// Log returns the execution log.
func (ip *Interpreter) Log() *Log {
	return ip.log
}

// Memory returns the memory map.
func (ip *Interpreter) Memory() *MemoryMap {
	return ip.mem
}

// Outcome reports the result of a halted run.
func (ip *Interpreter) Outcome() Outcome {
	var err error
	if ip.fault != nil {
		err = ip.fault
	}
	return Finalize(ip.regs[R0], err, ip.log, ip.count)
}

// VM interface implementation

func (ip *Interpreter) VMContext() interface{} {
	return ip.vmContext
}

func (ip *Interpreter) ComputeMeter() *ComputeMeter {
	return ip.computeMeter
}

func (ip *Interpreter) Read(addr uint64, p []byte) error {
	return ip.mem.Read(addr, p)
}

func (ip *Interpreter) Read8(addr uint64) (uint8, error) {
	return ip.mem.Read8(addr)
}

func (ip *Interpreter) Read16(addr uint64) (uint16, error) {
	return ip.mem.Read16(addr)
}

func (ip *Interpreter) Read32(addr uint64) (uint32, error) {
	return ip.mem.Read32(addr)
}

func (ip *Interpreter) Read64(addr uint64) (uint64, error) {
	return ip.mem.Read64(addr)
}

func (ip *Interpreter) Write(addr uint64, p []byte) error {
	return ip.mem.Write(addr, p)
}

func (ip *Interpreter) Write8(addr uint64, x uint8) error {
	return ip.mem.Write8(addr, x)
}

func (ip *Interpreter) Write16(addr uint64, x uint16) error {
	return ip.mem.Write16(addr, x)
}

func (ip *Interpreter) Write32(addr uint64, x uint32) error {
	return ip.mem.Write32(addr, x)
}

func (ip *Interpreter) Write64(addr uint64, x uint64) error {
	return ip.mem.Write64(addr, x)
}

func (ip *Interpreter) Translate(addr uint64, size uint64, mode AccessMode) ([]byte, error) {
	return ip.mem.Translate(addr, size, mode)
}

func (ip *Interpreter) HeapMax() uint64 {
	return HeapMax
}

func (ip *Interpreter) HeapSize() uint64 {
	return ip.mem.Size(VaddrHeap)
}

// UpdateHeapSize grows the heap region to size bytes. The heap never
// shrinks and never exceeds HeapMax.
func (ip *Interpreter) UpdateHeapSize(size uint64) error {
	if size > HeapMax {
		return fmt.Errorf("heap size %d exceeds maximum %d", size, HeapMax)
	}
	return ip.mem.Grow(VaddrHeap, size)
}
