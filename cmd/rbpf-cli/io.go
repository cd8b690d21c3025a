package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fortiblox/rbpf-cli/internal/types"
	"github.com/fortiblox/rbpf-cli/pkg/svm/executor"
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

// byteList decodes a JSON array of byte values or a base64 string.
type byteList []byte

func (b *byteList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid base64 bytes: %w", err)
		}
		*b = decoded
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("bytes must be an array of integers or a base64 string: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

type accountJSON struct {
	Key        types.Pubkey `json:"key"`
	Owner      types.Pubkey `json:"owner"`
	IsSigner   bool         `json:"is_signer"`
	IsWritable bool         `json:"is_writable"`
	Executable bool         `json:"executable"`
	Lamports   uint64       `json:"lamports"`
	RentEpoch  uint64       `json:"rent_epoch"`
	Data       byteList     `json:"data"`
}

// request is the JSON input of a run.
type request struct {
	Accounts        []accountJSON `json:"accounts"`
	InstructionData byteList      `json:"instruction_data"`
}

// readInput builds an executor request from the --input value. A decimal
// number selects that many zero bytes of raw input; "-" reads the JSON
// request from stdin; anything else names a JSON request file. An empty
// value runs with no accounts.
func readInput(stdin io.Reader, input string) (*executor.Request, error) {
	if input == "" {
		return &executor.Request{}, nil
	}
	if n, err := strconv.ParseUint(input, 10, 32); err == nil {
		return &executor.Request{RawInput: make([]byte, n)}, nil
	}

	var (
		data []byte
		err  error
	)
	if input == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(input)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var r request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse input: %w", err)
	}

	req := &executor.Request{InstructionData: r.InstructionData}
	for _, a := range r.Accounts {
		req.Accounts = append(req.Accounts, &executor.AccountInfo{
			Key:        a.Key,
			Owner:      a.Owner,
			Lamports:   a.Lamports,
			Data:       a.Data,
			Executable: a.Executable,
			RentEpoch:  a.RentEpoch,
			IsSigner:   a.IsSigner,
			IsWritable: a.IsWritable,
		})
	}
	return req, nil
}

type executionTime struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

// response is the JSON output of a run.
type response struct {
	Result           string        `json:"result"`
	InstructionCount uint64        `json:"instruction_count"`
	ExecutionTime    executionTime `json:"execution_time"`
	Log              []string      `json:"log"`
}

func newResponse(res *executor.Result, ff sbpf.FaultFormat) *response {
	logs := res.Outcome.Log
	if logs == nil {
		logs = []string{}
	}
	return &response{
		Result:           res.Outcome.Format(ff),
		InstructionCount: res.Outcome.InstructionCount,
		ExecutionTime: executionTime{
			Secs:  uint64(res.Duration / time.Second),
			Nanos: uint32(res.Duration % time.Second),
		},
		Log: logs,
	}
}

func writeResponse(w io.Writer, format string, resp *response) error {
	switch format {
	case "json", "json-compact":
		enc := json.NewEncoder(w)
		if format == "json" {
			enc.SetIndent("", "  ")
		}
		return enc.Encode(resp)
	case "log":
		var b strings.Builder
		b.WriteString("Program output:\n")
		for _, line := range resp.Log {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Result: %s\n", resp.Result)
		fmt.Fprintf(&b, "Instruction Count: %d\n", resp.InstructionCount)
		d := time.Duration(resp.ExecutionTime.Secs)*time.Second + time.Duration(resp.ExecutionTime.Nanos)
		fmt.Fprintf(&b, "Execution time: %d us\n", d.Microseconds())
		_, err := io.WriteString(w, b.String())
		return err
	default:
		return fmt.Errorf("unknown --output %q: expected json, json-compact or log", format)
	}
}
