// Package loader parses ELF images containing Sealevel bytecode and
// prepares them for verification and execution.
//
// The container format is ELF64, little-endian, machine type BPF/SBF, with
// the usual conventions for deployed programs: code in .text, read-only data
// in .rodata, call targets patched through relocations carrying murmur3 name
// hashes. The loader treats the image as untrusted: every offset is bounds
// checked and hard caps apply to section, symbol and relocation counts.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
	"github.com/fortiblox/sealevel/pkg/sealevel/syscall"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// ELF identity and machine constants accepted by the loader.
const (
	elfClass64   = 2   // 64-bit
	elfDataLSB   = 1   // little endian
	elfTypeExec  = 2   // executable
	elfTypeDyn   = 3   // shared object, also used by deployed programs
	elfMachBPF   = 247 // eBPF
	elfMachSBF   = 263 // Sealevel BPF
)

// Section header types and relocation kinds the loader understands.
const (
	shtNobits = 8 // .bss, no bytes in file

	sttFunc = 2 // function symbol

	relBPF64_64    = 1  // absolute 64-bit patch via lddw pair
	relBPFRelative = 8  // pc-relative patch
	relBPF64_32    = 10 // 32-bit immediate patch, used for calls
)

// Load errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/SBF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrTooLarge           = errors.New("ELF file too large")
)

// Hard caps on untrusted input.
const (
	MaxELFSize      = 10 * 1024 * 1024
	MaxSections     = 256
	MaxSymbols      = 100_000
	MaxRelocations  = 100_000
	MaxInstructions = 1_000_000
)

// elfHeader is the parsed ELF64 file header.
type elfHeader struct {
	Class    uint8
	Data     uint8
	Type     uint16
	Machine  uint16
	Entry    uint64
	SHOff    uint64
	SHEntSz  uint16
	SHNum    uint16
	SHStrNdx uint16
}

// sectionHeader is one parsed ELF64 section header.
type sectionHeader struct {
	Name    uint32
	Type    uint32
	Flags   uint64
	Addr    uint64
	Offset  uint64
	Size    uint64
	EntSize uint64
}

// symbol is one parsed ELF64 symbol table entry.
type symbol struct {
	Name  uint32
	Info  uint8
	Shndx uint16
	Value uint64
}

// Executable is a loaded program image, not yet verified.
type Executable struct {
	// Text contains the program instructions.
	Text []uint64

	// RO is the read-only data segment mapped at the program region.
	RO []byte

	// Entry is the entry point as an instruction index.
	Entry uint64

	// Functions maps murmur3 name hashes to entry instruction indices.
	Functions map[uint32]uint64

	// Externs maps the hashes of statically declared external symbols to
	// their names. Every extern must resolve against the syscall registry
	// at program creation.
	Externs map[uint32]string
}

// ToProgram converts the executable to the VM program representation.
func (e *Executable) ToProgram() *sbpf.Program {
	return &sbpf.Program{
		Text:      e.Text,
		RO:        e.RO,
		Entry:     e.Entry,
		Functions: e.Functions,
	}
}

// Load parses an ELF image into an Executable.
func Load(data []byte) (*Executable, error) {
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}
	if len(data) < 64 {
		return nil, ErrInvalidELF
	}

	header, err := parseHeader(data)
	if err != nil {
		return nil, err
	}

	sections, err := parseSectionHeaders(data, header)
	if err != nil {
		return nil, err
	}
	names, err := sectionNames(data, sections, header.SHStrNdx)
	if err != nil {
		return nil, err
	}

	textSec := findSection(sections, names, ".text")
	if textSec == nil {
		return nil, ErrNoTextSection
	}
	text, err := extractText(data, textSec)
	if err != nil {
		return nil, err
	}

	var rodata []byte
	if sec := findSection(sections, names, ".rodata"); sec != nil {
		rodata, err = extractSection(data, sec)
		if err != nil {
			return nil, err
		}
	}

	symbols, strtab, err := loadSymbols(data, sections, names)
	if err != nil {
		return nil, err
	}

	functions := make(map[uint32]uint64)
	for _, sym := range symbols {
		if sym.Info&0xf != sttFunc || sym.Shndx == 0 {
			continue
		}
		name := symbolName(strtab, sym.Name)
		if name == "" {
			continue
		}
		// Function values are byte offsets into .text.
		functions[syscall.Murmur3(name)] = sym.Value / 8
	}

	externs := make(map[uint32]string)
	for _, secName := range []string{".rel.text", ".rel.dyn"} {
		if sec := findSection(sections, names, secName); sec != nil {
			if err := applyRelocations(data, sec, text, symbols, strtab, externs); err != nil {
				return nil, err
			}
		}
	}

	entry := header.Entry / 8
	if textSec.Addr > 0 && header.Entry >= textSec.Addr {
		entry = (header.Entry - textSec.Addr) / 8
	}

	return &Executable{
		Text:      text,
		RO:        rodata,
		Entry:     entry,
		Functions: functions,
		Externs:   externs,
	}, nil
}

// parseHeader parses and validates the ELF file header.
func parseHeader(data []byte) (*elfHeader, error) {
	if !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}

	h := &elfHeader{
		Class:    data[4],
		Data:     data[5],
		Type:     binary.LittleEndian.Uint16(data[16:18]),
		Machine:  binary.LittleEndian.Uint16(data[18:20]),
		Entry:    binary.LittleEndian.Uint64(data[24:32]),
		SHOff:    binary.LittleEndian.Uint64(data[40:48]),
		SHEntSz:  binary.LittleEndian.Uint16(data[58:60]),
		SHNum:    binary.LittleEndian.Uint16(data[60:62]),
		SHStrNdx: binary.LittleEndian.Uint16(data[62:64]),
	}

	if h.Class != elfClass64 {
		return nil, ErrUnsupportedClass
	}
	if h.Data != elfDataLSB {
		return nil, ErrUnsupportedEndian
	}
	if h.Machine != elfMachBPF && h.Machine != elfMachSBF {
		return nil, ErrUnsupportedMachine
	}
	if h.Type != elfTypeExec && h.Type != elfTypeDyn {
		return nil, fmt.Errorf("%w: unsupported type %d", ErrInvalidELF, h.Type)
	}
	return h, nil
}

// parseSectionHeaders parses the section header table.
func parseSectionHeaders(data []byte, h *elfHeader) ([]sectionHeader, error) {
	if h.SHNum == 0 {
		return nil, nil
	}
	if h.SHNum > MaxSections {
		return nil, fmt.Errorf("%w: too many sections", ErrInvalidELF)
	}
	if h.SHEntSz < 64 {
		return nil, fmt.Errorf("%w: section header entry size %d", ErrInvalidELF, h.SHEntSz)
	}

	size := uint64(h.SHEntSz) * uint64(h.SHNum)
	if !inBounds(data, h.SHOff, size) {
		return nil, ErrInvalidELF
	}

	sections := make([]sectionHeader, h.SHNum)
	for i := range sections {
		off := h.SHOff + uint64(i)*uint64(h.SHEntSz)
		sec := &sections[i]
		sec.Name = binary.LittleEndian.Uint32(data[off : off+4])
		sec.Type = binary.LittleEndian.Uint32(data[off+4 : off+8])
		sec.Flags = binary.LittleEndian.Uint64(data[off+8 : off+16])
		sec.Addr = binary.LittleEndian.Uint64(data[off+16 : off+24])
		sec.Offset = binary.LittleEndian.Uint64(data[off+24 : off+32])
		sec.Size = binary.LittleEndian.Uint64(data[off+32 : off+40])
		sec.EntSize = binary.LittleEndian.Uint64(data[off+56 : off+64])
	}
	return sections, nil
}

// sectionNames resolves section names through the section string table.
func sectionNames(data []byte, sections []sectionHeader, shstrndx uint16) ([]string, error) {
	if len(sections) == 0 {
		return nil, nil
	}
	if int(shstrndx) >= len(sections) {
		return nil, ErrInvalidSection
	}
	strtab := &sections[shstrndx]
	if !inBounds(data, strtab.Offset, strtab.Size) {
		return nil, ErrInvalidSection
	}
	table := data[strtab.Offset : strtab.Offset+strtab.Size]

	names := make([]string, len(sections))
	for i, sec := range sections {
		if sec.Name < uint32(len(table)) {
			names[i] = cString(table[sec.Name:])
		}
	}
	return names, nil
}

func findSection(sections []sectionHeader, names []string, name string) *sectionHeader {
	for i, n := range names {
		if n == name {
			return &sections[i]
		}
	}
	return nil
}

// inBounds reports whether [off, off+size) lies inside data. The addition
// is checked against wrapping; offsets near 2^64 in crafted headers must
// not pass.
func inBounds(data []byte, off, size uint64) bool {
	return off <= uint64(len(data)) && size <= uint64(len(data))-off
}

// extractSection copies section bytes out of the image. NOBITS sections
// yield zeroed buffers, capped like file-backed ones.
func extractSection(data []byte, sec *sectionHeader) ([]byte, error) {
	if sec.Type == shtNobits {
		if sec.Size > MaxELFSize {
			return nil, ErrTooLarge
		}
		return make([]byte, sec.Size), nil
	}
	if !inBounds(data, sec.Offset, sec.Size) {
		return nil, ErrInvalidSection
	}
	out := make([]byte, sec.Size)
	copy(out, data[sec.Offset:sec.Offset+sec.Size])
	return out, nil
}

// extractText decodes .text into instruction slots.
func extractText(data []byte, sec *sectionHeader) ([]uint64, error) {
	raw, err := extractSection(data, sec)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: text section not 8-byte aligned", ErrInvalidSection)
	}
	count := len(raw) / 8
	if count > MaxInstructions {
		return nil, fmt.Errorf("%w: too many instructions", ErrTooLarge)
	}
	text := make([]uint64, count)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return text, nil
}

// loadSymbols returns the symbol table and its string table, preferring
// .symtab and falling back to .dynsym.
func loadSymbols(data []byte, sections []sectionHeader, names []string) ([]symbol, []byte, error) {
	pairs := [][2]string{
		{".symtab", ".strtab"},
		{".dynsym", ".dynstr"},
	}
	for _, pair := range pairs {
		symSec := findSection(sections, names, pair[0])
		strSec := findSection(sections, names, pair[1])
		if symSec == nil || strSec == nil {
			continue
		}
		symbols, err := parseSymbols(data, symSec)
		if err != nil {
			return nil, nil, err
		}
		strtab, err := extractSection(data, strSec)
		if err != nil {
			return nil, nil, err
		}
		return symbols, strtab, nil
	}
	return nil, nil, nil
}

// parseSymbols parses an ELF64 symbol table section.
func parseSymbols(data []byte, sec *sectionHeader) ([]symbol, error) {
	entSize := sec.EntSize
	if entSize == 0 {
		entSize = 24 // standard ELF64 symbol size
	}
	if entSize < 24 {
		return nil, fmt.Errorf("%w: symbol entry size %d", ErrInvalidELF, entSize)
	}
	count := sec.Size / entSize
	if count > MaxSymbols {
		return nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}
	if !inBounds(data, sec.Offset, sec.Size) {
		return nil, ErrInvalidSection
	}

	symbols := make([]symbol, count)
	for i := range symbols {
		off := sec.Offset + uint64(i)*entSize
		sym := &symbols[i]
		sym.Name = binary.LittleEndian.Uint32(data[off : off+4])
		sym.Info = data[off+4]
		sym.Shndx = binary.LittleEndian.Uint16(data[off+6 : off+8])
		sym.Value = binary.LittleEndian.Uint64(data[off+8 : off+16])
	}
	return symbols, nil
}

// applyRelocations patches the text with hashed call targets and absolute
// addresses, recording statically declared externs along the way.
func applyRelocations(data []byte, sec *sectionHeader, text []uint64, symbols []symbol, strtab []byte, externs map[uint32]string) error {
	entSize := sec.EntSize
	if entSize == 0 {
		entSize = 24 // standard ELF64 Rela size
	}
	if entSize < 16 {
		// Rel entries are 16 bytes, Rela 24; anything smaller would make
		// the per-entry field reads run past the section.
		return fmt.Errorf("%w: relocation entry size %d", ErrInvalidELF, entSize)
	}
	count := sec.Size / entSize
	if count > MaxRelocations {
		return fmt.Errorf("%w: too many relocations", ErrInvalidELF)
	}
	if !inBounds(data, sec.Offset, sec.Size) {
		return ErrInvalidSection
	}

	for i := uint64(0); i < count; i++ {
		off := sec.Offset + i*entSize

		relOffset := binary.LittleEndian.Uint64(data[off : off+8])
		relInfo := binary.LittleEndian.Uint64(data[off+8 : off+16])
		var addend int64
		if entSize >= 24 {
			addend = int64(binary.LittleEndian.Uint64(data[off+16 : off+24]))
		}

		symIdx := relInfo >> 32
		relType := uint32(relInfo)
		if symIdx >= uint64(len(symbols)) {
			continue
		}
		sym := &symbols[symIdx]
		name := symbolName(strtab, sym.Name)

		insIdx := relOffset / 8
		if insIdx >= uint64(len(text)) {
			continue
		}

		switch relType {
		case relBPF64_32:
			// Patch the immediate with the murmur3 hash of the target name.
			hash := syscall.Murmur3(name)
			if sym.Shndx == 0 && name != "" {
				externs[hash] = name
			}
			text[insIdx] = text[insIdx]&0x0000_0000_FFFF_FFFF | uint64(hash)<<32

		case relBPF64_64:
			// lddw pair: low half in the first slot, high half in the second.
			if insIdx+1 >= uint64(len(text)) {
				continue
			}
			target := sym.Value + uint64(addend)
			text[insIdx] = text[insIdx]&0x0000_0000_FFFF_FFFF | uint64(uint32(target))<<32
			text[insIdx+1] = text[insIdx+1]&0x0000_0000_FFFF_FFFF | uint64(uint32(target>>32))<<32

		case relBPFRelative:
			rel := int64(insIdx*8) + addend
			text[insIdx] = text[insIdx]&0x0000_0000_FFFF_FFFF | uint64(uint32(rel))<<32
		}
	}
	return nil
}

// symbolName resolves a name offset in the string table.
func symbolName(strtab []byte, off uint32) string {
	if off >= uint32(len(strtab)) {
		return ""
	}
	return cString(strtab[off:])
}

// cString reads a NUL-terminated string from b.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
