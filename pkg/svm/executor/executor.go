// Package executor runs sBPF programs against serialized account inputs.
//
// A run serializes the accounts and instruction data into the aligned input
// format, maps it into the VM as permission-split input regions, executes
// the program with the standard syscalls, and on success writes lamports and
// data of writable accounts back. RunBatch runs independent requests
// concurrently.
package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/rbpf-cli/internal/types"
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
	"github.com/fortiblox/rbpf-cli/pkg/svm/syscall"
)

// Executor errors.
var (
	ErrNoProgram = errors.New("no program")
)

// Request describes one program run.
type Request struct {
	Program         *sbpf.Program
	ProgramID       types.Pubkey
	Accounts        []*AccountInfo
	InstructionData []byte

	// RawInput, when non-nil, is mapped as a single writable input region
	// in place of the serialized accounts. No write-back happens.
	RawInput []byte

	// Config is passed to the interpreter; zero fields take defaults.
	Config sbpf.Config

	// Syscalls builds the host call table for the run. When nil the
	// standard registry is used.
	Syscalls func(ctx syscall.InvokeContext) *syscall.Registry
}

// Result contains the result of a run.
type Result struct {
	// Outcome is the terminal state and log of the interpreter.
	Outcome sbpf.Outcome

	// ComputeUnitsUsed is the compute units consumed.
	ComputeUnitsUsed uint64

	// ReturnData is the program return data and the program that set it.
	ReturnData          []byte
	ReturnDataProgramID types.Pubkey

	// ModifiedAccounts contains the pubkeys of modified accounts.
	ModifiedAccounts []types.Pubkey

	// WriteBackErr is set when a successful run left the input in a state
	// that cannot be applied to the accounts.
	WriteBackErr error

	// Duration is the wall time spent inside the interpreter.
	Duration time.Duration
}

// Success reports whether the program exited with code 0 and its account
// changes were applied.
func (r *Result) Success() bool {
	return r.Outcome.Success() && r.Outcome.ReturnCode == 0 && r.WriteBackErr == nil
}

// Execute runs a single request. The returned error covers setup failures
// only; faults raised by the program are reported in Result.Outcome.
func Execute(req *Request) (*Result, error) {
	if req.Program == nil {
		return nil, ErrNoProgram
	}

	var (
		input   *Input
		regions []sbpf.Region
	)
	if req.RawInput != nil {
		regions = []sbpf.Region{sbpf.InputRegion(req.RawInput, true)}
	} else {
		var err error
		input, err = Serialize(req.ProgramID, req.Accounts, req.InstructionData)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize input: %w", err)
		}
		regions = input.Regions()
	}

	cfg := req.Config
	limit := cfg.LogBytesLimit
	if limit == 0 {
		limit = sbpf.DefaultLogBytesLimit
	}
	log := sbpf.NewLog(limit)
	ctx := newExecutionContext(req.ProgramID, log)

	newRegistry := req.Syscalls
	if newRegistry == nil {
		newRegistry = syscall.NewRegistry
	}
	registry := newRegistry(ctx)

	vm, err := sbpf.NewInterpreter(req.Program, regions, sbpf.InterpreterOpts{
		Config:   cfg,
		Syscalls: registry.Lookup(),
		Context:  ctx,
		Log:      log,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	_, _ = vm.Run()
	elapsed := time.Since(start)

	meter := vm.ComputeMeter()
	result := &Result{
		Outcome:             vm.Outcome(),
		ComputeUnitsUsed:    meter.Consumed(),
		ReturnData:          ctx.returnData,
		ReturnDataProgramID: ctx.returnDataID,
		Duration:            elapsed,
	}

	if input != nil && result.Outcome.Success() && result.Outcome.ReturnCode == 0 {
		if err := input.WriteBack(req.Accounts); err != nil {
			result.WriteBackErr = err
		} else {
			result.ModifiedAccounts = findModifiedAccounts(req.Accounts)
		}
	}

	return result, nil
}

// executionContext implements syscall.InvokeContext.
type executionContext struct {
	programID    types.Pubkey
	log          *sbpf.Log
	returnData   []byte
	returnDataID types.Pubkey
}

func newExecutionContext(programID types.Pubkey, log *sbpf.Log) *executionContext {
	return &executionContext{
		programID: programID,
		log:       log,
	}
}

func (c *executionContext) Log(msg string) {
	c.log.Append(msg)
}

func (c *executionContext) SetReturnData(programID types.Pubkey, data []byte) error {
	if len(data) > syscall.MaxReturnData {
		return syscall.ErrReturnDataTooBig
	}
	c.returnData = make([]byte, len(data))
	copy(c.returnData, data)
	c.returnDataID = programID
	return nil
}

func (c *executionContext) GetReturnData() (types.Pubkey, []byte) {
	return c.returnDataID, c.returnData
}

func (c *executionContext) GetProgramID() types.Pubkey {
	return c.programID
}
