package sbpf

import (
	"fmt"
	"strings"
)

// Registers is the general-purpose register file (R0-R10).
type Registers [NumRegisters]uint64

// Get returns the value of register i.
func (r *Registers) Get(i uint8) uint64 {
	return r[i]
}

// Set sets register i.
func (r *Registers) Set(i uint8, v uint64) {
	r[i] = v
}

// String formats the registers as a bracketed list of 16-digit hex values.
func (r *Registers) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range r {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%016X", v)
	}
	b.WriteByte(']')
	return b.String()
}

// Frame represents a call stack frame.
type Frame struct {
	FramePtr uint64    // Frame pointer (R10 value)
	NVRegs   [4]uint64 // Callee-saved registers (R6-R9)
	RetAddr  uint64    // Return address (program counter)
}

// CallStack records the frames of active BPF-to-BPF calls. The entry frame
// is implicit, so Depth() is one less than the number of live frames.
type CallStack struct {
	frames   []Frame
	maxDepth int
	stride   uint64 // frame pointer advance per call
}

// NewCallStack creates a call stack allowing maxDepth live frames,
// including the entry frame. Each call advances R10 by stride bytes.
func NewCallStack(maxDepth int, stride uint64) *CallStack {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return &CallStack{
		frames:   make([]Frame, 0, maxDepth-1),
		maxDepth: maxDepth,
		stride:   stride,
	}
}

// Push saves the callee-saved registers and frame pointer, then moves R10
// to the next frame.
func (s *CallStack) Push(regs *Registers, retAddr uint64) error {
	if len(s.frames)+1 >= s.maxDepth {
		return fmt.Errorf("%w: max depth %d", ErrCallDepthExceeded, s.maxDepth)
	}

	frame := Frame{
		FramePtr: regs[R10],
		RetAddr:  retAddr,
	}
	copy(frame.NVRegs[:], regs[R6:R10])
	s.frames = append(s.frames, frame)

	// Update frame pointer for new frame
	regs[R10] += s.stride

	return nil
}

// Pop restores the registers saved by the matching Push and returns the
// return address.
func (s *CallStack) Pop(regs *Registers) (uint64, error) {
	if len(s.frames) == 0 {
		return 0, ErrCallStackUnderflow
	}

	frame := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]

	// Restore callee-saved registers
	copy(regs[R6:R10], frame.NVRegs[:])
	regs[R10] = frame.FramePtr

	return frame.RetAddr, nil
}

// Depth returns the number of nested calls.
func (s *CallStack) Depth() int {
	return len(s.frames)
}

// MaxDepth returns the configured maximum number of live frames.
func (s *CallStack) MaxDepth() int {
	return s.maxDepth
}
