package sbpf

import (
	"errors"
	"fmt"
)

// Errors. Every fault returned by the interpreter matches exactly one of
// these with errors.Is.
var (
	ErrInvalidOpcode       = errors.New("invalid opcode")
	ErrAccessViolation     = errors.New("access violation")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrCallDepthExceeded   = errors.New("call depth exceeded")
	ErrCallStackUnderflow  = errors.New("call stack underflow")
	ErrComputeExhausted    = errors.New("compute budget exceeded")
	ErrInvalidProgramImage = errors.New("invalid program image")
	ErrHostCallFailed      = errors.New("host call failed")
)

// ErrUnknownSyscall is returned for calls that resolve to neither a host
// call nor an internal function. It is classified as an invalid opcode.
var ErrUnknownSyscall = fmt.Errorf("%w: unresolved function", ErrInvalidOpcode)

// FaultKind classifies a terminal error.
type FaultKind uint8

const (
	FaultInvalidOpcode FaultKind = iota + 1
	FaultAccessViolation
	FaultDivisionByZero
	FaultCallDepthExceeded
	FaultCallStackUnderflow
	FaultComputeExhausted
	FaultInvalidProgramImage
	FaultHostCallFailed
)

var faultKinds = []struct {
	kind     FaultKind
	name     string
	sentinel error
}{
	{FaultInvalidOpcode, "InvalidOpcode", ErrInvalidOpcode},
	{FaultAccessViolation, "AccessViolation", ErrAccessViolation},
	{FaultDivisionByZero, "DivisionByZero", ErrDivisionByZero},
	{FaultCallDepthExceeded, "CallDepthExceeded", ErrCallDepthExceeded},
	{FaultCallStackUnderflow, "CallStackUnderflow", ErrCallStackUnderflow},
	{FaultComputeExhausted, "ComputeExhausted", ErrComputeExhausted},
	{FaultInvalidProgramImage, "InvalidProgramImage", ErrInvalidProgramImage},
	{FaultHostCallFailed, "HostCallFailed", ErrHostCallFailed},
}

// String returns the stable kind name.
func (k FaultKind) String() string {
	for _, fk := range faultKinds {
		if fk.kind == k {
			return fk.name
		}
	}
	return fmt.Sprintf("FaultKind(%d)", uint8(k))
}

// Sentinel returns the package error matching this kind.
func (k FaultKind) Sentinel() error {
	for _, fk := range faultKinds {
		if fk.kind == k {
			return fk.sentinel
		}
	}
	return nil
}

// AccessMode is the kind of memory access being translated.
type AccessMode uint8

const (
	AccessLoad AccessMode = iota
	AccessStore
	AccessExecute
)

// String returns the access mode name.
func (m AccessMode) String() string {
	switch m {
	case AccessLoad:
		return "Load"
	case AccessStore:
		return "Store"
	case AccessExecute:
		return "Execute"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(m))
	}
}

// AccessError describes a rejected memory translation.
type AccessError struct {
	Mode   AccessMode
	Addr   uint64
	Len    uint64
	Region string // region name, or "unknown" when unmapped
	Reason string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("%s: %s of %d bytes at 0x%x in %s: %s",
		ErrAccessViolation, e.Mode, e.Len, e.Addr, e.Region, e.Reason)
}

// Is reports whether target is ErrAccessViolation.
func (e *AccessError) Is(target error) bool {
	return target == ErrAccessViolation
}

// Fault is a terminal, classified interpreter error.
type Fault struct {
	Kind FaultKind

	// PC is the index of the faulting instruction.
	PC uint64

	// Message is a short diagnostic.
	Message string

	// Access is set for AccessViolation faults.
	Access *AccessError

	// Limit is the exceeded bound for CallDepthExceeded (max depth) and
	// ComputeExhausted (budget).
	Limit uint64

	// Cause is the underlying error, if any.
	Cause error
}

// Error renders the fault in the canonical format.
func (f *Fault) Error() string {
	return FormatCanonical.fault(f)
}

// Unwrap returns the underlying cause.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// Is matches the kind's sentinel error.
func (f *Fault) Is(target error) bool {
	return target == f.Kind.Sentinel()
}

// NewFault creates a fault of the given kind.
func NewFault(kind FaultKind, pc uint64, format string, args ...interface{}) *Fault {
	return &Fault{
		Kind:    kind,
		PC:      pc,
		Message: fmt.Sprintf(format, args...),
	}
}

// InvalidImage returns an InvalidProgramImage fault for load-time errors.
func InvalidImage(format string, args ...interface{}) *Fault {
	return NewFault(FaultInvalidProgramImage, 0, format, args...)
}

// classify converts any error raised while executing the instruction at pc
// into a Fault.
func classify(err error, pc uint64) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		if f.Kind != FaultInvalidProgramImage && f.PC == 0 {
			f.PC = pc
		}
		return f
	}

	fault := &Fault{PC: pc, Message: err.Error(), Cause: err}

	var ae *AccessError
	switch {
	case errors.As(err, &ae):
		fault.Kind = FaultAccessViolation
		fault.Access = ae
		fault.Message = ae.Reason
	case errors.Is(err, ErrInvalidOpcode):
		fault.Kind = FaultInvalidOpcode
	case errors.Is(err, ErrDivisionByZero):
		fault.Kind = FaultDivisionByZero
	case errors.Is(err, ErrCallDepthExceeded):
		fault.Kind = FaultCallDepthExceeded
	case errors.Is(err, ErrCallStackUnderflow):
		fault.Kind = FaultCallStackUnderflow
	case errors.Is(err, ErrComputeExhausted):
		fault.Kind = FaultComputeExhausted
	case errors.Is(err, ErrInvalidProgramImage):
		fault.Kind = FaultInvalidProgramImage
	default:
		fault.Kind = FaultHostCallFailed
	}
	return fault
}
