package sbpf

import (
	"fmt"
	"strings"
)

// sBPF instruction costs under the weighted cost model.
const (
	CostALU   = uint64(1)  // Simple ALU operations
	CostMul   = uint64(4)  // Multiplication
	CostDiv   = uint64(12) // Division/modulo
	CostLoad  = uint64(2)  // Memory load
	CostStore = uint64(2)  // Memory store
	CostLddw  = uint64(2)  // 64-bit immediate load
	CostJump  = uint64(1)  // Jump instructions
	CostCall  = uint64(5)  // Function calls
	CostExit  = uint64(1)  // Exit/return
)

// CostModel selects how much of the compute budget each instruction uses.
type CostModel uint8

const (
	// CostUniform charges one unit per instruction, so the budget is an
	// instruction count.
	CostUniform CostModel = iota
	// CostWeighted charges per instruction class.
	CostWeighted
)

// String returns the cost model name.
func (c CostModel) String() string {
	if c == CostWeighted {
		return "weighted"
	}
	return "uniform"
}

// ParseCostModel parses "uniform" or "weighted".
func ParseCostModel(s string) (CostModel, error) {
	switch strings.ToLower(s) {
	case "", "uniform":
		return CostUniform, nil
	case "weighted":
		return CostWeighted, nil
	}
	return 0, fmt.Errorf("unknown cost model %q", s)
}

// cost returns the compute cost for an opcode.
func (c CostModel) cost(op uint8) uint64 {
	if c == CostUniform {
		return 1
	}
	return instructionCost(op)
}

// instructionCost returns the weighted compute cost for an opcode.
func instructionCost(op uint8) uint64 {
	class := op & 0x07
	aluOp := op & 0xF0

	switch class {
	case ClassAlu, ClassAlu64:
		switch aluOp {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		default:
			return CostALU
		}

	case ClassLd, ClassLdx:
		if op == OpLddw {
			return CostLddw
		}
		return CostLoad

	case ClassSt, ClassStx:
		return CostStore

	case ClassJmp, ClassJmp32:
		jmpOp := op & 0xF0
		switch jmpOp {
		case JmpCall:
			return CostCall
		case JmpExit:
			return CostExit
		default:
			return CostJump
		}

	default:
		return CostALU
	}
}

// ComputeMeter tracks compute unit consumption.
type ComputeMeter struct {
	remaining uint64
	limit     uint64
}

// NewComputeMeter creates a new compute meter.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume attempts to consume compute units. On failure nothing is
// consumed.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.remaining < cost {
		return ErrComputeExhausted
	}
	cm.remaining -= cost
	return nil
}

// Remaining returns remaining compute units.
func (cm *ComputeMeter) Remaining() uint64 {
	return cm.remaining
}

// Consumed returns the units used so far.
func (cm *ComputeMeter) Consumed() uint64 {
	return cm.limit - cm.remaining
}

// Limit returns the budget the meter started with.
func (cm *ComputeMeter) Limit() uint64 {
	return cm.limit
}
