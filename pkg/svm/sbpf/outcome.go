package sbpf

import (
	"fmt"
	"strings"
)

// FaultFormat selects the string rendering of an Outcome. Harnesses match
// these strings verbatim, so each format is frozen once released.
type FaultFormat uint8

const (
	// FormatRBPF renders results the way rbpf-cli does, e.g. "Ok(0)" or
	// "Err(DivideByZero(3))".
	FormatRBPF FaultFormat = iota
	// FormatCanonical renders "ok <code>" or
	// "<Kind> at instruction <pc>: <message>".
	FormatCanonical
)

// String returns the format name accepted by ParseFaultFormat.
func (ff FaultFormat) String() string {
	if ff == FormatCanonical {
		return "v1"
	}
	return "rbpf"
}

// ParseFaultFormat parses a format name: "rbpf" or "v1".
func ParseFaultFormat(s string) (FaultFormat, error) {
	switch strings.ToLower(s) {
	case "", "rbpf":
		return FormatRBPF, nil
	case "v1", "canonical":
		return FormatCanonical, nil
	}
	return 0, fmt.Errorf("unknown fault format %q", s)
}

// success renders a successful return code.
func (ff FaultFormat) success(code uint64) string {
	if ff == FormatCanonical {
		return fmt.Sprintf("ok %d", code)
	}
	return fmt.Sprintf("Ok(%d)", code)
}

// fault renders a fault.
func (ff FaultFormat) fault(f *Fault) string {
	if ff == FormatCanonical {
		msg := f.Message
		if a := f.Access; a != nil {
			msg = fmt.Sprintf("%s of %d bytes at 0x%x in %s: %s", a.Mode, a.Len, a.Addr, a.Region, a.Reason)
		}
		return fmt.Sprintf("%s at instruction %d: %s", f.Kind, f.PC, msg)
	}

	var inner string
	switch f.Kind {
	case FaultInvalidOpcode:
		inner = fmt.Sprintf("UnsupportedInstruction(%d)", f.PC)
	case FaultAccessViolation:
		a := f.Access
		if a == nil {
			a = &AccessError{Region: "unknown"}
		}
		inner = fmt.Sprintf("AccessViolation(%d, %s, %d, %d, %q)", f.PC, a.Mode, a.Addr, a.Len, a.Region)
	case FaultDivisionByZero:
		inner = fmt.Sprintf("DivideByZero(%d)", f.PC)
	case FaultCallDepthExceeded:
		inner = fmt.Sprintf("CallDepthExceeded(%d, %d)", f.PC, f.Limit)
	case FaultCallStackUnderflow:
		inner = fmt.Sprintf("CallStackUnderflow(%d)", f.PC)
	case FaultComputeExhausted:
		inner = fmt.Sprintf("ExceededMaxInstructions(%d, %d)", f.PC, f.Limit)
	case FaultInvalidProgramImage:
		inner = fmt.Sprintf("InvalidProgramImage(%q)", f.Message)
	default:
		inner = fmt.Sprintf("SyscallError(%q)", f.Message)
	}
	return "Err(" + inner + ")"
}

// Outcome is the terminal result of one run.
type Outcome struct {
	// ReturnCode is r0 at exit. Only meaningful when Fault is nil.
	ReturnCode uint64

	// Fault is the terminal fault, or nil on success.
	Fault *Fault

	// Log holds the execution log entries in order.
	Log []string

	// InstructionCount is the number of instructions that started
	// executing.
	InstructionCount uint64
}

// Success reports whether the run exited normally.
func (o Outcome) Success() bool {
	return o.Fault == nil
}

// Err returns the fault as an error, or nil on success.
func (o Outcome) Err() error {
	if o.Fault == nil {
		return nil
	}
	return o.Fault
}

// String renders the outcome in the rbpf format.
func (o Outcome) String() string {
	return o.Format(FormatRBPF)
}

// Format renders the outcome in the given format.
func (o Outcome) Format(ff FaultFormat) string {
	if o.Fault != nil {
		return ff.fault(o.Fault)
	}
	return ff.success(o.ReturnCode)
}

// Finalize builds the Outcome of a terminated run from the value of r0 and
// the terminal error, if any. The log may be nil.
func Finalize(r0 uint64, err error, log *Log, instructions uint64) Outcome {
	o := Outcome{InstructionCount: instructions, Log: []string{}}
	if log != nil {
		o.Log = log.Entries()
	}
	if err != nil {
		o.Fault = classify(err, 0)
		return o
	}
	o.ReturnCode = r0
	return o
}
