package executor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/rbpf-cli/internal/types"
	"github.com/fortiblox/rbpf-cli/pkg/svm/asm"
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

func assemble(t *testing.T, src string) *sbpf.Program {
	t.Helper()
	prog, err := asm.Assemble(src)
	require.NoError(t, err)
	return prog
}

// serializedSize is the size of a non-duplicate account holding n data bytes.
func serializedSize(n int) int {
	return offData + n + MaxPermittedDataIncrease + alignPad(n) + 8
}

func testAccount() *AccountInfo {
	return &AccountInfo{
		Key:        types.Pubkey{10},
		Owner:      types.Pubkey{20},
		Lamports:   1000,
		Data:       []byte{1, 2, 3, 4},
		RentEpoch:  100,
		IsSigner:   true,
		IsWritable: true,
	}
}

// TestAccountInfoMarkOriginal tests marking and detecting modifications.
func TestAccountInfoMarkOriginal(t *testing.T) {
	acc := &AccountInfo{
		Key:      types.Pubkey{1},
		Lamports: 1000,
		Data:     []byte{1, 2, 3},
	}

	acc.MarkOriginal()
	assert.False(t, acc.IsModified(), "not modified after MarkOriginal")

	acc.Lamports = 2000
	assert.True(t, acc.IsModified(), "lamports changed")

	acc.Lamports = 1000
	acc.Data[0] = 10
	assert.True(t, acc.IsModified(), "data changed")

	acc.Data[0] = 1
	acc.Data = append(acc.Data, 4)
	assert.True(t, acc.IsModified(), "data length changed")
}

// TestSerializeInput tests the aligned input layout.
func TestSerializeInput(t *testing.T) {
	programID := types.Pubkey{1, 2, 3}
	acc := testAccount()
	data := []byte{0xaa, 0xbb}

	in, err := Serialize(programID, []*AccountInfo{acc}, data)
	require.NoError(t, err)
	buf := in.Buffer
	require.Equal(t, 88, offData, "aligned account header")

	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(buf))
	assert.Equal(t, []byte{0xff, 1, 1, 0}, buf[8:12])
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(buf[12:]))
	assert.Equal(t, acc.Key[:], buf[16:48])
	assert.Equal(t, acc.Owner[:], buf[48:80])
	assert.Equal(t, uint64(1000), binary.LittleEndian.Uint64(buf[80:]))
	assert.Equal(t, uint64(4), binary.LittleEndian.Uint64(buf[88:]))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf[96:100])

	// Realloc room and padding are zero
	rentOff := 96 + 4 + MaxPermittedDataIncrease + 4
	assert.Equal(t, make([]byte, rentOff-100), buf[100:rentOff])
	assert.Equal(t, uint64(100), binary.LittleEndian.Uint64(buf[rentOff:]))

	tail := rentOff + 8
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(buf[tail:]))
	assert.Equal(t, data, buf[tail+8:tail+10])
	assert.Equal(t, programID[:], buf[tail+10:])
	assert.Len(t, buf, tail+10+32)
}

func TestSerializeDuplicates(t *testing.T) {
	a := testAccount()
	b := &AccountInfo{Key: types.Pubkey{11}}
	dup := &AccountInfo{Key: a.Key, IsWritable: true}

	in, err := Serialize(types.Pubkey{}, []*AccountInfo{a, b, dup}, nil)
	require.NoError(t, err)

	bOff := 8 + serializedSize(len(a.Data))
	dupOff := bOff + serializedSize(0)
	assert.Equal(t, byte(nonDupMarker), in.Buffer[bOff])
	assert.Equal(t, b.Key[:], in.Buffer[bOff+offKey:bOff+offOwner])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, in.Buffer[dupOff:dupOff+8])
	assert.Len(t, in.Buffer, dupOff+8+8+32)
}

func TestSerializeLimits(t *testing.T) {
	_, err := Serialize(types.Pubkey{}, nil, make([]byte, MaxInstructionDataSize+1))
	assert.True(t, errors.Is(err, ErrInstructionTooLarge))

	accounts := make([]*AccountInfo, MaxAccounts+1)
	for i := range accounts {
		accounts[i] = &AccountInfo{}
	}
	_, err = Serialize(types.Pubkey{}, accounts, nil)
	assert.True(t, errors.Is(err, ErrTooManyAccounts))
}

func TestRegions(t *testing.T) {
	ro := &AccountInfo{Key: types.Pubkey{1}, Data: []byte{1}}
	rw := testAccount()

	in, err := Serialize(types.Pubkey{}, []*AccountInfo{ro, rw}, nil)
	require.NoError(t, err)
	regions := in.Regions()
	require.Len(t, regions, 3)

	rwStart := 8 + serializedSize(len(ro.Data)) + offLamports
	rwEnd := rwStart + (offData - offLamports) + len(rw.Data) + MaxPermittedDataIncrease + alignPad(len(rw.Data))

	assert.Equal(t, sbpf.VaddrInput, regions[0].VMAddr)
	assert.Equal(t, sbpf.PermRead, regions[0].Perm)
	assert.Len(t, regions[0].Host, rwStart)

	assert.Equal(t, sbpf.VaddrInput+uint64(rwStart), regions[1].VMAddr)
	assert.Equal(t, sbpf.PermRead|sbpf.PermWrite, regions[1].Perm)
	assert.Len(t, regions[1].Host, rwEnd-rwStart)

	assert.Equal(t, sbpf.PermRead, regions[2].Perm)
	assert.Equal(t, sbpf.VaddrInput+uint64(rwEnd), regions[2].VMAddr)

	// Regions alias the buffer
	regions[1].Host[0] = 0x55
	assert.Equal(t, byte(0x55), in.Buffer[rwStart])

	// Read-only accounts only
	in, err = Serialize(types.Pubkey{}, []*AccountInfo{ro}, nil)
	require.NoError(t, err)
	require.Len(t, in.Regions(), 1)
}

func TestExecuteWritesBack(t *testing.T) {
	acc := testAccount()
	prog := assemble(t, `
		ldxdw r2, [r1+80]
		add64 r2, 1
		stxdw [r1+80], r2
		mov64 r2, 9
		stb [r1+96], 9
		mov64 r0, 0
		exit
	`)

	res, err := Execute(&Request{Program: prog, Accounts: []*AccountInfo{acc}})
	require.NoError(t, err)
	require.True(t, res.Success(), res.Outcome.String())
	assert.Equal(t, uint64(1001), acc.Lamports)
	assert.Equal(t, []byte{9, 2, 3, 4}, acc.Data)
	assert.Equal(t, []types.Pubkey{acc.Key}, res.ModifiedAccounts)
	assert.Equal(t, uint64(7), res.ComputeUnitsUsed)
	assert.Equal(t, uint64(7), res.Outcome.InstructionCount)
}

func TestExecuteGrowsData(t *testing.T) {
	acc := testAccount()
	prog := assemble(t, `
		mov64 r2, 6
		stxdw [r1+88], r2
		stb [r1+101], 7
		mov64 r0, 0
		exit
	`)
	res, err := Execute(&Request{Program: prog, Accounts: []*AccountInfo{acc}})
	require.NoError(t, err)
	require.True(t, res.Success(), res.Outcome.String())
	assert.Equal(t, []byte{1, 2, 3, 4, 0, 7}, acc.Data)
}

func TestExecuteInvalidRealloc(t *testing.T) {
	acc := testAccount()
	prog := assemble(t, fmt.Sprintf(`
		mov64 r2, %d
		stxdw [r1+88], r2
		mov64 r2, 5
		stxdw [r1+80], r2
		mov64 r0, 0
		exit
	`, 4+MaxPermittedDataIncrease+1))

	res, err := Execute(&Request{Program: prog, Accounts: []*AccountInfo{acc}})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Success())
	assert.False(t, res.Success())
	assert.True(t, errors.Is(res.WriteBackErr, ErrInvalidRealloc))
	assert.Equal(t, uint64(1000), acc.Lamports, "accounts untouched")
	assert.Empty(t, res.ModifiedAccounts)
}

func TestExecuteReadOnlyAccount(t *testing.T) {
	acc := testAccount()
	acc.IsWritable = false
	prog := assemble(t, "stxdw [r1+80], r1\nexit")

	res, err := Execute(&Request{Program: prog, Accounts: []*AccountInfo{acc}})
	require.NoError(t, err)
	require.NotNil(t, res.Outcome.Fault)
	assert.Equal(t, sbpf.FaultAccessViolation, res.Outcome.Fault.Kind)
	assert.Equal(t, sbpf.AccessStore, res.Outcome.Fault.Access.Mode)
	assert.Equal(t, uint64(1000), acc.Lamports)
}

func TestExecuteErrorCodeSkipsWriteBack(t *testing.T) {
	acc := testAccount()
	prog := assemble(t, "stb [r1+96], 9\nmov64 r0, 1\nexit")

	res, err := Execute(&Request{Program: prog, Accounts: []*AccountInfo{acc}})
	require.NoError(t, err)
	assert.Equal(t, "Ok(1)", res.Outcome.String())
	assert.False(t, res.Success())
	assert.Equal(t, []byte{1, 2, 3, 4}, acc.Data)
}

func TestExecuteSyscalls(t *testing.T) {
	programID := types.Pubkey{7}
	// Instruction data follows the single account at a fixed offset
	dataOff := 8 + serializedSize(len(testAccount().Data))
	prog := assemble(t, fmt.Sprintf(`
		mov64 r6, r1
		add64 r1, %d
		mov64 r2, 3
		call sol_log_
		mov64 r1, r6
		add64 r1, %d
		mov64 r2, 3
		call sol_set_return_data
		mov64 r0, 0
		exit
	`, dataOff+8, dataOff+8))

	res, err := Execute(&Request{
		Program:         prog,
		ProgramID:       programID,
		Accounts:        []*AccountInfo{testAccount()},
		InstructionData: []byte("abc"),
	})
	require.NoError(t, err)
	require.True(t, res.Success(), res.Outcome.String())
	assert.Equal(t, []string{"Program log: abc"}, res.Outcome.Log)
	assert.Equal(t, []byte("abc"), res.ReturnData)
	assert.Equal(t, programID, res.ReturnDataProgramID)
}

func TestExecuteSetupErrors(t *testing.T) {
	_, err := Execute(&Request{})
	assert.True(t, errors.Is(err, ErrNoProgram))

	_, err = Execute(&Request{
		Program:         assemble(t, "exit"),
		InstructionData: make([]byte, MaxInstructionDataSize+1),
	})
	assert.True(t, errors.Is(err, ErrInstructionTooLarge))
}

func TestRunBatch(t *testing.T) {
	reqs := make([]*Request, 20)
	for i := range reqs {
		reqs[i] = &Request{
			Program:  assemble(t, fmt.Sprintf("mov64 r0, %d\nexit", i)),
			Accounts: []*AccountInfo{testAccount()},
		}
	}

	results, err := RunBatch(context.Background(), reqs, 4)
	require.NoError(t, err)
	require.Len(t, results, len(reqs))
	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, uint64(i), res.Outcome.ReturnCode)
	}

	// Setup errors surface
	reqs[3] = &Request{}
	_, err = RunBatch(context.Background(), reqs, 2)
	assert.True(t, errors.Is(err, ErrNoProgram))
}

func TestRunBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reqs := []*Request{{Program: assemble(t, "exit")}}
	results, err := RunBatch(ctx, reqs, 1)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Nil(t, results[0])
}

func TestExecuteRawInput(t *testing.T) {
	raw := make([]byte, 16)
	prog := assemble(t, `
		stdw [r1+8], 42
		ldxdw r0, [r1+8]
		exit
	`)
	res, err := Execute(&Request{Program: prog, RawInput: raw})
	require.NoError(t, err)
	assert.Equal(t, "Ok(42)", res.Outcome.String())
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(raw[8:]))
	assert.Empty(t, res.ModifiedAccounts)
}
