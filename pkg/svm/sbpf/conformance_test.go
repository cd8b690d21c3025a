package sbpf_test

import (
	"encoding/hex"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"

	"github.com/fortiblox/rbpf-cli/pkg/svm/asm"
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

type conformanceCase struct {
	Name     string `yaml:"name"`
	Asm      string `yaml:"asm"`
	Text     string `yaml:"text"`
	Input    string `yaml:"input"`
	Writable bool   `yaml:"writable"`
	Limit    uint64 `yaml:"limit"`
	Result   string `yaml:"result"`
	Count    uint64 `yaml:"count"`
}

func loadConformance(t *testing.T) []conformanceCase {
	t.Helper()
	data, err := os.ReadFile("testdata/conformance.yml")
	require.NoError(t, err)
	var cases []conformanceCase
	require.NoError(t, yaml.Unmarshal(data, &cases))
	require.NotEmpty(t, cases)
	return cases
}

func (c conformanceCase) program(t *testing.T) *sbpf.Program {
	t.Helper()
	if c.Text != "" {
		text, err := hex.DecodeString(c.Text)
		require.NoError(t, err)
		prog, err := sbpf.NewProgram(text)
		require.NoError(t, err)
		return prog
	}
	prog, err := asm.Assemble(c.Asm)
	require.NoError(t, err)
	return prog
}

// TestConformance runs the shared program corpus and compares outcomes in
// the rbpf format.
func TestConformance(t *testing.T) {
	for _, c := range loadConformance(t) {
		c := c
		t.Run(c.Name, func(t *testing.T) {
			input, err := hex.DecodeString(c.Input)
			require.NoError(t, err)

			cfg := sbpf.DefaultConfig()
			if c.Limit != 0 {
				cfg.InstructionLimit = c.Limit
			}
			vm, err := sbpf.NewInterpreter(c.program(t), []sbpf.Region{sbpf.InputRegion(input, c.Writable)},
				sbpf.InterpreterOpts{Config: cfg})
			require.NoError(t, err)

			_, _ = vm.Run()
			out := vm.Outcome()
			assert.Equal(t, c.Result, out.String())
			assert.Equal(t, c.Count, out.InstructionCount)
		})
	}
}

// TestConformanceDeterministic runs every case twice and expects identical
// outcomes.
func TestConformanceDeterministic(t *testing.T) {
	for _, c := range loadConformance(t) {
		prog := c.program(t)
		var first sbpf.Outcome
		for i := 0; i < 2; i++ {
			input, _ := hex.DecodeString(c.Input)
			vm, err := sbpf.NewInterpreter(prog, []sbpf.Region{sbpf.InputRegion(input, c.Writable)},
				sbpf.InterpreterOpts{Config: sbpf.Config{InstructionLimit: c.Limit, EnableTrace: true}})
			require.NoError(t, err)
			_, _ = vm.Run()
			out := vm.Outcome()
			if i == 0 {
				first = out
				continue
			}
			assert.Equal(t, first.String(), out.String(), c.Name)
			assert.Equal(t, first.Log, out.Log, c.Name)
		}
	}
}
