package executor

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/rbpf-cli/internal/types"
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

// Serialization errors.
var (
	ErrInvalidAccountData  = errors.New("invalid account data")
	ErrInvalidRealloc      = errors.New("invalid account data realloc")
	ErrInstructionTooLarge = errors.New("instruction data too large")
	ErrTooManyAccounts     = errors.New("too many accounts")
)

// Maximum sizes.
const (
	MaxInstructionDataSize   = 10 * 1024        // 10 KB max instruction data
	MaxAccountDataSize       = 10 * 1024 * 1024 // 10 MB max account data
	MaxPermittedDataIncrease = 10 * 1024        // Realloc room after each account's data
	MaxAccounts              = 255              // Duplicate markers are one byte

	nonDupMarker = 0xff
)

// Offsets within a serialized non-duplicate account.
const (
	offDupMarker  = 0
	offIsSigner   = 1
	offIsWritable = 2
	offExecutable = 3
	offOrigLen    = 4
	offKey        = 8
	offOwner      = offKey + types.PubkeySize
	offLamports   = offOwner + types.PubkeySize
	offDataLen    = offLamports + 8
	offData       = offDataLen + 8
)

// AccountInfo holds account information for execution.
type AccountInfo struct {
	// Key is the account public key.
	Key types.Pubkey

	// Owner is the program that owns this account.
	Owner types.Pubkey

	// Lamports is the account balance.
	Lamports uint64

	// Data is the account data.
	Data []byte

	// Executable indicates if this is a program account.
	Executable bool

	// RentEpoch is the rent epoch.
	RentEpoch uint64

	// IsSigner indicates if this account signed the transaction.
	IsSigner bool

	// IsWritable indicates if this account can be modified.
	IsWritable bool

	// originalData stores the original data for change detection.
	originalData []byte

	// originalLamports stores the original lamports.
	originalLamports uint64
}

// MarkOriginal marks the current state as original for change detection.
func (a *AccountInfo) MarkOriginal() {
	a.originalData = make([]byte, len(a.Data))
	copy(a.originalData, a.Data)
	a.originalLamports = a.Lamports
}

// IsModified returns true if the account has been modified.
func (a *AccountInfo) IsModified() bool {
	if a.Lamports != a.originalLamports {
		return true
	}
	if len(a.Data) != len(a.originalData) {
		return true
	}
	for i := range a.Data {
		if a.Data[i] != a.originalData[i] {
			return true
		}
	}
	return false
}

// alignPad returns the zero padding after n bytes to reach 8-byte alignment.
func alignPad(n int) int {
	return (8 - n%8) % 8
}

// accountLayout records where one serialized account lives in the buffer.
type accountLayout struct {
	start    int
	dup      bool
	dupOf    int
	dataOff  int
	origLen  int
	end      int // first byte after rent_epoch
	rwStart  int // lamports
	rwEnd    int // end of alignment padding
	writable bool
}

// Input is a serialized parameter buffer and the layout needed to split it
// into regions and read results back.
type Input struct {
	Buffer   []byte
	accounts []accountLayout
}

// Serialize lays out the accounts, instruction data and program id in the
// aligned input format:
//
//	u64 num_accounts
//	per account, non-duplicate:
//	    u8 0xff, u8 is_signer, u8 is_writable, u8 executable,
//	    u32 original_data_len, [32] key, [32] owner, u64 lamports,
//	    u64 data_len, data, 10240 zero bytes, padding to 8, u64 rent_epoch
//	per account, duplicate:
//	    u8 index of first occurrence, 7 zero bytes
//	u64 instruction_data_len, instruction_data, [32] program_id
//
// An account is a duplicate when its key appeared earlier in the list.
func Serialize(programID types.Pubkey, accounts []*AccountInfo, data []byte) (*Input, error) {
	if len(data) > MaxInstructionDataSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInstructionTooLarge, len(data))
	}
	if len(accounts) > MaxAccounts {
		return nil, fmt.Errorf("%w: %d", ErrTooManyAccounts, len(accounts))
	}

	first := make(map[types.Pubkey]int, len(accounts))
	layout := make([]accountLayout, len(accounts))

	// Calculate total size
	size := 8 // num_accounts
	for i, acc := range accounts {
		if len(acc.Data) > MaxAccountDataSize {
			return nil, fmt.Errorf("%w: account %d data is %d bytes", ErrInvalidAccountData, i, len(acc.Data))
		}
		l := &layout[i]
		l.start = size
		if j, ok := first[acc.Key]; ok {
			l.dup, l.dupOf = true, j
			size += 8
			l.end = size
			continue
		}
		first[acc.Key] = i
		acc.MarkOriginal()

		n := len(acc.Data)
		l.dataOff = size + offData
		l.origLen = n
		l.rwStart = size + offLamports
		l.rwEnd = l.dataOff + n + MaxPermittedDataIncrease + alignPad(n)
		l.writable = acc.IsWritable
		size = l.rwEnd + 8 // rent_epoch
		l.end = size
	}
	size += 8 + len(data) + types.PubkeySize

	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf, uint64(len(accounts)))

	for i, acc := range accounts {
		l := layout[i]
		if l.dup {
			buf[l.start] = byte(l.dupOf)
			continue
		}
		b := buf[l.start:]
		b[offDupMarker] = nonDupMarker
		b[offIsSigner] = boolByte(acc.IsSigner)
		b[offIsWritable] = boolByte(acc.IsWritable)
		b[offExecutable] = boolByte(acc.Executable)
		binary.LittleEndian.PutUint32(b[offOrigLen:], uint32(len(acc.Data)))
		copy(b[offKey:], acc.Key[:])
		copy(b[offOwner:], acc.Owner[:])
		binary.LittleEndian.PutUint64(b[offLamports:], acc.Lamports)
		binary.LittleEndian.PutUint64(b[offDataLen:], uint64(len(acc.Data)))
		copy(buf[l.dataOff:], acc.Data)
		binary.LittleEndian.PutUint64(buf[l.rwEnd:], acc.RentEpoch)
	}

	offset := size - types.PubkeySize - len(data) - 8
	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(data)))
	copy(buf[offset+8:], data)
	copy(buf[size-types.PubkeySize:], programID[:])

	return &Input{Buffer: buf, accounts: layout}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Regions splits the buffer into input regions starting at VaddrInput. Only
// the lamports through padding span of writable accounts is writable; all
// regions alias Buffer.
func (in *Input) Regions() []sbpf.Region {
	var regions []sbpf.Region
	add := func(from, to int, perm sbpf.Perm) {
		if from >= to {
			return
		}
		if n := len(regions); n > 0 && regions[n-1].Perm == perm {
			last := &regions[n-1]
			last.Host = in.Buffer[last.VMAddr-sbpf.VaddrInput : to]
			return
		}
		regions = append(regions, sbpf.Region{
			Name:   sbpf.RegionInput,
			VMAddr: sbpf.VaddrInput + uint64(from),
			Host:   in.Buffer[from:to],
			Perm:   perm,
		})
	}

	pos := 0
	for _, l := range in.accounts {
		if l.dup || !l.writable {
			continue
		}
		add(pos, l.rwStart, sbpf.PermRead)
		add(l.rwStart, l.rwEnd, sbpf.PermRead|sbpf.PermWrite)
		pos = l.rwEnd
	}
	add(pos, len(in.Buffer), sbpf.PermRead)
	return regions
}

// WriteBack copies lamports and data of writable accounts out of the
// buffer. A data length grown past the realloc room fails with
// ErrInvalidRealloc and leaves every account untouched.
func (in *Input) WriteBack(accounts []*AccountInfo) error {
	if len(accounts) != len(in.accounts) {
		return fmt.Errorf("%w: %d accounts, layout has %d", ErrInvalidAccountData, len(accounts), len(in.accounts))
	}

	type update struct {
		lamports uint64
		data     []byte
	}
	updates := make(map[int]update)
	for i, l := range in.accounts {
		if l.dup || !l.writable {
			continue
		}
		dataLen := binary.LittleEndian.Uint64(in.Buffer[l.start+offDataLen:])
		if dataLen > uint64(l.origLen+MaxPermittedDataIncrease) {
			return fmt.Errorf("%w: account %d grew from %d to %d bytes", ErrInvalidRealloc, i, l.origLen, dataLen)
		}
		data := make([]byte, dataLen)
		copy(data, in.Buffer[l.dataOff:])
		updates[i] = update{
			lamports: binary.LittleEndian.Uint64(in.Buffer[l.start+offLamports:]),
			data:     data,
		}
	}

	for i, u := range updates {
		accounts[i].Lamports = u.lamports
		accounts[i].Data = u.data
	}
	// Duplicates see the state of their first occurrence
	for i, l := range in.accounts {
		if l.dup && accounts[i] != accounts[l.dupOf] {
			if _, ok := updates[l.dupOf]; ok {
				accounts[i].Lamports = accounts[l.dupOf].Lamports
				accounts[i].Data = append([]byte(nil), accounts[l.dupOf].Data...)
			}
		}
	}
	return nil
}

// findModifiedAccounts returns the pubkeys of modified accounts.
func findModifiedAccounts(accounts []*AccountInfo) []types.Pubkey {
	modified := make([]types.Pubkey, 0)
	seen := make(map[types.Pubkey]bool)
	for _, acc := range accounts {
		if acc.IsWritable && !seen[acc.Key] && acc.IsModified() {
			modified = append(modified, acc.Key)
		}
		seen[acc.Key] = true
	}
	return modified
}
