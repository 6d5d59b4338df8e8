package sbpf

import (
	"encoding/binary"
	"fmt"
)

// Region is one contiguous span of guest-visible memory. Bases are aligned
// to RegionStride so the high 32 bits of a virtual address select the region.
type Region struct {
	Name     string
	Base     uint64
	Data     []byte
	Writable bool
}

// MemoryMap translates guest virtual addresses to host memory. It holds the
// fixed program/stack/heap/input regions plus one region per account buffer
// mapped for the current instruction. Writability is a property of the
// region, so a store to a read-only account faults in translation, before
// any byte moves.
type MemoryMap struct {
	regions map[uint32]*Region
	stack   *Stack
}

// NewMemoryMap creates an empty map with the given stack bound at VaddrStack.
func NewMemoryMap(stack *Stack) *MemoryMap {
	return &MemoryMap{
		regions: make(map[uint32]*Region),
		stack:   stack,
	}
}

// AddRegion maps a region. The base must be RegionStride aligned and unused.
func (m *MemoryMap) AddRegion(r Region) error {
	if r.Base%RegionStride != 0 || r.Base == 0 {
		return fmt.Errorf("region %s: base 0x%x not aligned", r.Name, r.Base)
	}
	hi := uint32(r.Base >> 32)
	if hi == uint32(VaddrStack>>32) {
		return fmt.Errorf("region %s: base collides with stack", r.Name)
	}
	if _, ok := m.regions[hi]; ok {
		return fmt.Errorf("region %s: base 0x%x already mapped", r.Name, r.Base)
	}
	reg := r
	m.regions[hi] = &reg
	return nil
}

// Resize replaces the backing data of a mapped region. Used by the heap when
// the guest allocator grows it.
func (m *MemoryMap) Resize(base uint64, data []byte) {
	if reg, ok := m.regions[uint32(base>>32)]; ok {
		reg.Data = data
	}
}

// Translate resolves addr..addr+size to host memory, enforcing bounds and
// writability. Every returned error wraps ErrAccessViolation and carries the
// offending address and region.
func (m *MemoryMap) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	lo := addr & 0xFFFF_FFFF
	if size > 0 && lo > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrAccessViolation, addr, size)
	}

	hi := uint32(addr >> 32)
	if m.stack != nil && hi == uint32(VaddrStack>>32) {
		mem := m.stack.frameSlice(uint32(lo))
		if mem == nil || uint64(len(mem)) < size {
			return nil, fmt.Errorf("%w: stack access at 0x%x (size %d)", ErrAccessViolation, addr, size)
		}
		return mem[:size], nil
	}

	reg, ok := m.regions[hi]
	if !ok {
		return nil, fmt.Errorf("%w: unmapped address 0x%x", ErrAccessViolation, addr)
	}
	if write && !reg.Writable {
		return nil, fmt.Errorf("%w: write to read-only region %s at 0x%x", ErrAccessViolation, reg.Name, addr)
	}
	end := lo + size
	if end > uint64(len(reg.Data)) {
		return nil, fmt.Errorf("%w: %s access at 0x%x (size %d, region size %d)",
			ErrAccessViolation, reg.Name, addr, size, len(reg.Data))
	}
	return reg.Data[lo:end], nil
}

// Typed accessors over Translate. All multi-byte values are little-endian.

func (m *MemoryMap) read(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

func (m *MemoryMap) write(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

func (m *MemoryMap) read8(addr uint64) (uint8, error) {
	mem, err := m.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

func (m *MemoryMap) read16(addr uint64) (uint16, error) {
	mem, err := m.Translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

func (m *MemoryMap) read32(addr uint64) (uint32, error) {
	mem, err := m.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

func (m *MemoryMap) read64(addr uint64) (uint64, error) {
	mem, err := m.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

func (m *MemoryMap) write8(addr uint64, x uint8) error {
	mem, err := m.Translate(addr, 1, true)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

func (m *MemoryMap) write16(addr uint64, x uint16) error {
	mem, err := m.Translate(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

func (m *MemoryMap) write32(addr uint64, x uint32) error {
	mem, err := m.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

func (m *MemoryMap) write64(addr uint64, x uint64) error {
	mem, err := m.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}
