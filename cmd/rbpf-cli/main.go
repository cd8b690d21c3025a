// rbpf-cli runs a single sBPF program with the interpreter and reports the
// result, instruction count and execution log.
//
// Usage:
//
//	rbpf-cli --input=request.json --use=interpreter --output=json program.so
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fortiblox/rbpf-cli/internal/types"
	"github.com/fortiblox/rbpf-cli/pkg/svm/executor"
	"github.com/fortiblox/rbpf-cli/pkg/svm/loader"
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
	"github.com/fortiblox/rbpf-cli/pkg/svm/syscall"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

// DefaultInstructionLimit is the instruction budget used when
// --instruction-limit is not given.
const DefaultInstructionLimit = 10_000_000

type options struct {
	input            string
	use              string
	output           string
	instructionLimit uint64
	heap             uint64
	trace            bool
	verify           bool
	programID        string
	faultFormat      string
	costModel        string
	logLevel         string
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.SetOutput(os.Stderr)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:     "rbpf-cli [flags] <program>",
		Short:   "Run an sBPF program with the interpreter",
		Version: fmt.Sprintf("%s (%s)", Version, GitCommit),
		Long: `Runs an sBPF program against a JSON request of accounts and instruction
data, or against a zero-filled raw input buffer, and prints the result.

The program file may be raw bytecode, zstd-compressed bytecode, or assembly
source (.s or .asm).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := run(cmd, opts, args[0])
			if err != nil {
				log.Printf("Error: %v", err)
			}
			return err
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "", "Input for the program: a JSON request file, '-' for stdin, or a number of zero bytes")
	f.StringVarP(&opts.use, "use", "u", "interpreter", "Method of execution: interpreter, disassembler")
	f.StringVarP(&opts.output, "output", "o", "log", "Output format: json, json-compact, log")
	f.Uint64VarP(&opts.instructionLimit, "instruction-limit", "l", DefaultInstructionLimit, "Maximum number of instructions to execute")
	f.Uint64Var(&opts.heap, "heap", sbpf.HeapDefault, "Heap size in bytes")
	f.BoolVar(&opts.trace, "trace", false, "Record an instruction trace in the log")
	f.BoolVar(&opts.verify, "verify", false, "Statically verify the program before running it")
	f.StringVar(&opts.programID, "program-id", "", "Program id (base58) serialized into the input")
	f.StringVar(&opts.faultFormat, "fault-format", "rbpf", "Result format: rbpf, v1")
	f.StringVar(&opts.costModel, "cost-model", "uniform", "Instruction cost model: uniform, weighted")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	return cmd
}

func run(cmd *cobra.Command, opts *options, path string) error {
	debug := strings.EqualFold(opts.logLevel, "debug")

	switch opts.output {
	case "json", "json-compact", "log":
	default:
		return fmt.Errorf("unknown --output %q: expected json, json-compact or log", opts.output)
	}
	faultFormat, err := sbpf.ParseFaultFormat(opts.faultFormat)
	if err != nil {
		return err
	}
	costModel, err := sbpf.ParseCostModel(opts.costModel)
	if err != nil {
		return err
	}
	var programID types.Pubkey
	if opts.programID != "" {
		if programID, err = types.PubkeyFromBase58(opts.programID); err != nil {
			return fmt.Errorf("invalid --program-id: %w", err)
		}
	}

	l := loader.NewLoader()
	l.Verify = opts.verify
	l.Syscalls = syscall.NewRegistry(nil).Lookup()
	exe, err := l.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	if debug {
		log.Printf("Loaded %s: %d instructions, format=%s, %d host calls",
			path, exe.Program.Len(), exe.Format, len(exe.Syscalls))
	}

	out := cmd.OutOrStdout()

	switch opts.use {
	case "disassembler":
		_, err := io.WriteString(out, sbpf.DisassembleText(exe.Program.Text))
		return err
	case "interpreter":
	default:
		return fmt.Errorf("unknown --use %q: expected interpreter or disassembler", opts.use)
	}

	req, err := readInput(cmd.InOrStdin(), opts.input)
	if err != nil {
		return err
	}
	req.Program = exe.Program
	req.ProgramID = programID
	req.Config = sbpf.DefaultConfig()
	req.Config.InstructionLimit = opts.instructionLimit
	req.Config.HeapSize = opts.heap
	req.Config.EnableTrace = opts.trace
	req.Config.CostModel = costModel

	if debug {
		log.Printf("Running with %d accounts, %d bytes of instruction data, limit=%d",
			len(req.Accounts), len(req.InstructionData), opts.instructionLimit)
	}

	res, err := executor.Execute(req)
	if err != nil {
		return err
	}
	if res.WriteBackErr != nil {
		log.Printf("Warning: account write-back failed: %v", res.WriteBackErr)
	}
	if debug {
		log.Printf("Finished in %v: %s", res.Duration, res.Outcome.Format(faultFormat))
	}

	return writeResponse(out, opts.output, newResponse(res, faultFormat))
}
