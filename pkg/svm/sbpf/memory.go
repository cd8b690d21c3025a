package sbpf

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// Perm is a set of region access permissions.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// String returns the permission set as "rwx" flags.
func (p Perm) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Perm
		c   byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// allows reports whether the permission set admits the access mode.
func (p Perm) allows(mode AccessMode) bool {
	switch mode {
	case AccessLoad:
		return p&PermRead != 0
	case AccessStore:
		return p&PermWrite != 0
	case AccessExecute:
		return p&PermExec != 0
	}
	return false
}

// Region is a contiguous span of virtual memory backed by host bytes.
//
// A region with a non-zero GapSize is split into frames of FrameSize bytes,
// each followed by an unmapped gap of GapSize bytes. This is used by the
// stack so that overflowing a frame faults instead of silently corrupting
// the caller's frame.
type Region struct {
	Name      string
	VMAddr    uint64
	Host      []byte
	Perm      Perm
	FrameSize uint64
	GapSize   uint64
}

// vmLen returns the size of the region in the virtual address space.
func (r *Region) vmLen() uint64 {
	n := uint64(len(r.Host))
	if r.GapSize == 0 || r.FrameSize == 0 || n == 0 {
		return n
	}
	frames := n / r.FrameSize
	return frames*(r.FrameSize+r.GapSize) - r.GapSize
}

// End returns the first virtual address past the region.
func (r *Region) End() uint64 {
	return r.VMAddr + r.vmLen()
}

// hostRange maps [rel, rel+size) relative to the region start onto host
// bytes, honoring frame gaps.
func (r *Region) hostRange(rel, size uint64) ([]byte, string) {
	span := r.vmLen()
	if size > span || rel > span-size {
		return nil, "out of bounds"
	}
	if r.GapSize == 0 || r.FrameSize == 0 {
		return r.Host[rel : rel+size], ""
	}
	stride := r.FrameSize + r.GapSize
	frame := rel / stride
	inner := rel % stride
	if inner >= r.FrameSize {
		return nil, "stack gap"
	}
	if inner+size > r.FrameSize {
		return nil, "crosses stack frame boundary"
	}
	base := frame*r.FrameSize + inner
	return r.Host[base : base+size], ""
}

// MemoryMap resolves virtual addresses to host memory. Regions are kept
// sorted by base address and never overlap.
type MemoryMap struct {
	regions []Region
}

// NewMemoryMap creates a memory map from a set of disjoint regions.
func NewMemoryMap(regions ...Region) (*MemoryMap, error) {
	m := &MemoryMap{regions: make([]Region, 0, len(regions))}
	for _, r := range regions {
		if err := m.add(r); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// add inserts a region, keeping the map sorted and disjoint. Empty regions
// are ignored.
func (m *MemoryMap) add(r Region) error {
	if r.vmLen() == 0 {
		return nil
	}
	if r.VMAddr > ^uint64(0)-r.vmLen() {
		return fmt.Errorf("region %s at 0x%x overflows the address space", r.Name, r.VMAddr)
	}
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].VMAddr >= r.VMAddr
	})
	if i > 0 && m.regions[i-1].End() > r.VMAddr {
		prev := m.regions[i-1]
		return fmt.Errorf("region %s at 0x%x overlaps %s at 0x%x", r.Name, r.VMAddr, prev.Name, prev.VMAddr)
	}
	if i < len(m.regions) && r.End() > m.regions[i].VMAddr {
		next := m.regions[i]
		return fmt.Errorf("region %s at 0x%x overlaps %s at 0x%x", r.Name, r.VMAddr, next.Name, next.VMAddr)
	}
	m.regions = append(m.regions, Region{})
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
	return nil
}

// Regions returns a copy of the region list, sorted by address.
func (m *MemoryMap) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// find returns the index of the region containing addr, or -1.
func (m *MemoryMap) find(addr uint64) int {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].VMAddr > addr
	}) - 1
	if i < 0 || addr >= m.regions[i].End() {
		return -1
	}
	return i
}

// Translate converts a virtual address range to a host memory slice.
//
// The whole range must lie inside one region whose permissions admit mode.
// The returned slice aliases the region's backing bytes.
func (m *MemoryMap) Translate(addr, size uint64, mode AccessMode) ([]byte, error) {
	i := m.find(addr)
	if i < 0 {
		return nil, &AccessError{Mode: mode, Addr: addr, Len: size, Region: "unknown", Reason: "unmapped address"}
	}
	r := &m.regions[i]
	if !r.Perm.allows(mode) {
		return nil, &AccessError{Mode: mode, Addr: addr, Len: size, Region: r.Name,
			Reason: fmt.Sprintf("%s not permitted (%s)", strings.ToLower(mode.String()), r.Perm)}
	}
	mem, reason := r.hostRange(addr-r.VMAddr, size)
	if mem == nil {
		return nil, &AccessError{Mode: mode, Addr: addr, Len: size, Region: r.Name, Reason: reason}
	}
	return mem, nil
}

// Grow extends the region based at vmAddr to newSize bytes. The region
// cannot shrink and must not run into its neighbor.
func (m *MemoryMap) Grow(vmAddr uint64, newSize uint64) error {
	for i := range m.regions {
		r := &m.regions[i]
		if r.VMAddr != vmAddr {
			continue
		}
		if r.GapSize != 0 {
			return fmt.Errorf("region %s is not growable", r.Name)
		}
		if newSize <= uint64(len(r.Host)) {
			return nil
		}
		if i+1 < len(m.regions) && vmAddr+newSize > m.regions[i+1].VMAddr {
			return fmt.Errorf("region %s cannot grow to %d bytes", r.Name, newSize)
		}
		host := make([]byte, newSize)
		copy(host, r.Host)
		r.Host = host
		return nil
	}
	return fmt.Errorf("no region at 0x%x", vmAddr)
}

// Size returns the length of the region based at vmAddr, or 0.
func (m *MemoryMap) Size(vmAddr uint64) uint64 {
	for i := range m.regions {
		if m.regions[i].VMAddr == vmAddr {
			return uint64(len(m.regions[i].Host))
		}
	}
	return 0
}

// Read reads bytes from virtual memory.
func (m *MemoryMap) Read(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), AccessLoad)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from virtual memory.
func (m *MemoryMap) Read8(addr uint64) (uint8, error) {
	mem, err := m.Translate(addr, 1, AccessLoad)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read16 reads a 16-bit value from virtual memory (little-endian).
func (m *MemoryMap) Read16(addr uint64) (uint16, error) {
	mem, err := m.Translate(addr, 2, AccessLoad)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a 32-bit value from virtual memory (little-endian).
func (m *MemoryMap) Read32(addr uint64) (uint32, error) {
	mem, err := m.Translate(addr, 4, AccessLoad)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a 64-bit value from virtual memory (little-endian).
func (m *MemoryMap) Read64(addr uint64) (uint64, error) {
	mem, err := m.Translate(addr, 8, AccessLoad)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write writes bytes to virtual memory.
func (m *MemoryMap) Write(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), AccessStore)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to virtual memory.
func (m *MemoryMap) Write8(addr uint64, x uint8) error {
	mem, err := m.Translate(addr, 1, AccessStore)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write16 writes a 16-bit value to virtual memory (little-endian).
func (m *MemoryMap) Write16(addr uint64, x uint16) error {
	mem, err := m.Translate(addr, 2, AccessStore)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a 32-bit value to virtual memory (little-endian).
func (m *MemoryMap) Write32(addr uint64, x uint32) error {
	mem, err := m.Translate(addr, 4, AccessStore)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a 64-bit value to virtual memory (little-endian).
func (m *MemoryMap) Write64(addr uint64, x uint64) error {
	mem, err := m.Translate(addr, 8, AccessStore)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}
