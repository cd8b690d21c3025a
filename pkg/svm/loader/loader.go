// Package loader builds sBPF program images.
//
// A program image is read from one of three encodings:
//   - raw bytecode, 8 bytes per instruction slot
//   - zstd-compressed raw bytecode, detected by the zstd frame magic
//   - assembly source, selected by the .s or .asm file extension
//
// Load-time validation only checks the image shape (non-empty, a multiple of
// the slot size, bounded). Verify runs an optional static pass over the
// instruction stream.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/rbpf-cli/pkg/svm/asm"
	"github.com/fortiblox/rbpf-cli/pkg/svm/sbpf"
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Format is the encoding of a program file.
type Format int

const (
	FormatAuto Format = iota // Detect from content
	FormatRaw                // Raw bytecode
	FormatZstd               // zstd-compressed bytecode
	FormatAsm                // Assembly source
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatZstd:
		return "zstd"
	case FormatAsm:
		return "asm"
	default:
		return "auto"
	}
}

// Loader errors.
var (
	ErrTooLarge    = errors.New("program file too large")
	ErrDecompress  = errors.New("zstd decompression failed")
	ErrUnknownCall = errors.New("unresolved call target")
)

// Executable is a loaded program and what the loader learned about it.
type Executable struct {
	Program *sbpf.Program
	Format  Format

	// Syscalls lists the distinct host call hashes referenced by the
	// program, in order of first use.
	Syscalls []uint32
}

// Loader loads program images.
type Loader struct {
	// MaxFileSize bounds the encoded input. Zero means twice MaxProgramSize
	// so assembly sources of full-size programs still fit.
	MaxFileSize int

	// Verify enables the static verification pass.
	Verify bool

	// Syscalls resolves host call hashes during verification. When nil,
	// host calls are not checked.
	Syscalls sbpf.SyscallRegistry
}

// NewLoader creates a loader with default limits and no verification.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile reads and loads the program at path. Files ending in .s or .asm
// are assembled; anything else is detected from its content.
func (l *Loader) LoadFile(path string) (*Executable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	return l.Load(data, FormatForPath(path))
}

// FormatForPath returns FormatAsm for assembly file names and FormatAuto
// otherwise.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".s", ".asm":
		return FormatAsm
	}
	return FormatAuto
}

// Load decodes data in the given format and validates the resulting image.
func (l *Loader) Load(data []byte, format Format) (*Executable, error) {
	limit := l.MaxFileSize
	if limit <= 0 {
		limit = 2 * sbpf.MaxProgramSize
	}
	if len(data) > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	if format == FormatAuto {
		format = detect(data)
	}

	var prog *sbpf.Program
	switch format {
	case FormatAsm:
		p, err := asm.Assemble(string(data))
		if err != nil {
			if errors.Is(err, sbpf.ErrInvalidProgramImage) {
				return nil, err
			}
			return nil, sbpf.InvalidImage("assemble: %v", err)
		}
		prog = p

	case FormatZstd:
		text, err := decompressZstd(data)
		if err != nil {
			f := sbpf.InvalidImage("%v: %v", ErrDecompress, err)
			f.Cause = fmt.Errorf("%w: %v", ErrDecompress, err)
			return nil, f
		}
		p, err := sbpf.NewProgram(text)
		if err != nil {
			return nil, err
		}
		prog = p

	default:
		p, err := sbpf.NewProgram(data)
		if err != nil {
			return nil, err
		}
		prog = p
	}

	exe := &Executable{Program: prog, Format: format}
	if err := exe.scan(); err != nil {
		return nil, err
	}
	if l.Verify {
		if err := Verify(prog, l.Syscalls); err != nil {
			return nil, err
		}
	}
	return exe, nil
}

// detect picks the format of data that has no file name hint.
func detect(data []byte) Format {
	if bytes.HasPrefix(data, zstdMagic) {
		return FormatZstd
	}
	return FormatRaw
}

// scan registers relative call targets as functions and collects host
// call hashes. Words that do not decode are left for the interpreter.
func (e *Executable) scan() error {
	p := e.Program
	seen := make(map[uint32]bool)
	for pc := uint64(0); pc < p.Len(); pc++ {
		ins, err := sbpf.Decode(p.Word(pc))
		if err != nil {
			continue
		}
		if ins.Op == sbpf.OpLddw {
			pc++
			continue
		}
		if ins.Op != sbpf.OpCall {
			continue
		}
		if ins.Src != 0 {
			target := int64(pc) + int64(ins.Imm) + 1
			if target >= 0 && uint64(target) < p.Len() {
				if _, err := p.RegisterFunction(uint64(target)); err != nil {
					return err
				}
			}
			continue
		}
		hash := ins.Uimm()
		if _, internal := p.Functions[hash]; internal || seen[hash] {
			continue
		}
		seen[hash] = true
		e.Syscalls = append(e.Syscalls, hash)
	}
	return nil
}

// LoadFromBytes is a convenience function to load raw or compressed
// bytecode without verification.
func LoadFromBytes(data []byte) (*Executable, error) {
	return NewLoader().Load(data, FormatAuto)
}

// Compress encodes program text with zstd.
func Compress(text []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer encoder.Close()
	return encoder.EncodeAll(text, nil), nil
}

// decompressZstd decompresses zstd-compressed data.
func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > sbpf.MaxProgramSize {
		return nil, fmt.Errorf("decompressed size %d exceeds %d", len(out), sbpf.MaxProgramSize)
	}
	return out, nil
}
