package loader

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

// extraSection is an additional named section appended by elfBuilder.
// size overrides len(data) in the header when nonzero.
type extraSection struct {
	name    string
	typ     uint32
	entSize uint64
	size    uint64
	data    []byte
}

// elfBuilder assembles minimal ELF images for loader tests: file header,
// .text, optional extra sections, .shstrtab and the section header table.
type elfBuilder struct {
	text    []uint64
	extra   []extraSection
	entry   uint64
	machine uint16
	class   uint8
	endian  uint8
}

func newELFBuilder(text []uint64) *elfBuilder {
	return &elfBuilder{text: text, machine: 263, class: 2, endian: 1}
}

func (b *elfBuilder) build() []byte {
	// Section name table; offset 0 is the empty name for index 0.
	names := []string{".text"}
	for _, sec := range b.extra {
		names = append(names, sec.name)
	}
	names = append(names, ".shstrtab")

	strtab := []byte{0}
	nameOff := make([]uint32, len(names))
	for i, n := range names {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, n...)
		strtab = append(strtab, 0)
	}

	textOff := uint64(64)
	textSize := uint64(len(b.text) * 8)

	off := textOff + textSize
	extraOff := make([]uint64, len(b.extra))
	for i, sec := range b.extra {
		extraOff[i] = off
		off += uint64(len(sec.data))
	}
	strOff := off
	// Align section header table.
	shOff := (strOff + uint64(len(strtab)) + 7) &^ 7

	shnum := 3 + len(b.extra)
	buf := make([]byte, shOff+uint64(shnum)*64)

	// File header.
	copy(buf, []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = b.class
	buf[5] = b.endian
	buf[6] = 1 // version
	binary.LittleEndian.PutUint16(buf[16:], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], b.machine)
	binary.LittleEndian.PutUint32(buf[20:], 1) // version
	binary.LittleEndian.PutUint64(buf[24:], b.entry*8)
	binary.LittleEndian.PutUint64(buf[40:], shOff)
	binary.LittleEndian.PutUint16(buf[58:], 64) // shentsize
	binary.LittleEndian.PutUint16(buf[60:], uint16(shnum))
	binary.LittleEndian.PutUint16(buf[62:], uint16(shnum-1)) // shstrndx

	for i, ins := range b.text {
		binary.LittleEndian.PutUint64(buf[textOff+uint64(i)*8:], ins)
	}
	for i, sec := range b.extra {
		copy(buf[extraOff[i]:], sec.data)
	}
	copy(buf[strOff:], strtab)

	writeShdr := func(idx int, name uint32, typ uint32, off, size, entSize uint64) {
		base := shOff + uint64(idx)*64
		binary.LittleEndian.PutUint32(buf[base:], name)
		binary.LittleEndian.PutUint32(buf[base+4:], typ)
		binary.LittleEndian.PutUint64(buf[base+24:], off)
		binary.LittleEndian.PutUint64(buf[base+32:], size)
		binary.LittleEndian.PutUint64(buf[base+56:], entSize)
	}
	// Index 0 stays zero.
	writeShdr(1, nameOff[0], 1, textOff, textSize, 0) // SHT_PROGBITS
	for i, sec := range b.extra {
		size := uint64(len(sec.data))
		if sec.size != 0 {
			size = sec.size
		}
		writeShdr(2+i, nameOff[1+i], sec.typ, extraOff[i], size, sec.entSize)
	}
	writeShdr(shnum-1, nameOff[len(names)-1], 3, strOff, uint64(len(strtab)), 0) // SHT_STRTAB

	return buf
}

// TestLoadMinimal parses a hand-assembled image and checks text and entry.
func TestLoadMinimal(t *testing.T) {
	text := []uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 42),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	}
	exec, err := Load(newELFBuilder(text).build())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(exec.Text) != 2 {
		t.Fatalf("len(Text) = %d, want 2", len(exec.Text))
	}
	if exec.Text[0] != text[0] || exec.Text[1] != text[1] {
		t.Error("text bytes do not round-trip")
	}
	if exec.Entry != 0 {
		t.Errorf("Entry = %d, want 0", exec.Entry)
	}
	if len(exec.Externs) != 0 {
		t.Errorf("Externs = %v, want empty", exec.Externs)
	}

	prog := exec.ToProgram()
	if err := sbpf.Verify(prog); err != nil {
		t.Fatalf("Verify() failed on loaded program: %v", err)
	}
}

// TestLoadEntry honors a non-zero entry point.
func TestLoadEntry(t *testing.T) {
	b := newELFBuilder([]uint64{
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 1),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	b.entry = 1
	exec, err := Load(b.build())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if exec.Entry != 1 {
		t.Errorf("Entry = %d, want 1", exec.Entry)
	}
}

// TestLoadRejects covers the header validation matrix.
func TestLoadRejects(t *testing.T) {
	valid := newELFBuilder([]uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)})

	t.Run("truncated", func(t *testing.T) {
		if _, err := Load([]byte{0x7f, 'E', 'L', 'F'}); !errors.Is(err, ErrInvalidELF) {
			t.Errorf("Load() = %v, want ErrInvalidELF", err)
		}
	})
	t.Run("bad magic", func(t *testing.T) {
		img := valid.build()
		img[0] = 0x7e
		if _, err := Load(img); !errors.Is(err, ErrInvalidELF) {
			t.Errorf("Load() = %v, want ErrInvalidELF", err)
		}
	})
	t.Run("32-bit class", func(t *testing.T) {
		b := newELFBuilder(valid.text)
		b.class = 1
		if _, err := Load(b.build()); !errors.Is(err, ErrUnsupportedClass) {
			t.Errorf("Load() = %v, want ErrUnsupportedClass", err)
		}
	})
	t.Run("big endian", func(t *testing.T) {
		b := newELFBuilder(valid.text)
		b.endian = 2
		if _, err := Load(b.build()); !errors.Is(err, ErrUnsupportedEndian) {
			t.Errorf("Load() = %v, want ErrUnsupportedEndian", err)
		}
	})
	t.Run("wrong machine", func(t *testing.T) {
		b := newELFBuilder(valid.text)
		b.machine = 62 // x86-64
		if _, err := Load(b.build()); !errors.Is(err, ErrUnsupportedMachine) {
			t.Errorf("Load() = %v, want ErrUnsupportedMachine", err)
		}
	})
	t.Run("oversized", func(t *testing.T) {
		if _, err := Load(make([]byte, MaxELFSize+1)); !errors.Is(err, ErrTooLarge) {
			t.Errorf("Load() = %v, want ErrTooLarge", err)
		}
	})
	t.Run("no text section", func(t *testing.T) {
		img := valid.build()
		// Rename .text in the string table so lookup fails.
		for i := 0; i+5 < len(img); i++ {
			if string(img[i:i+5]) == ".text" {
				img[i] = '.'
				img[i+1] = 'x'
				break
			}
		}
		if _, err := Load(img); !errors.Is(err, ErrNoTextSection) {
			t.Errorf("Load() = %v, want ErrNoTextSection", err)
		}
	})
}

// TestLoadMalformedSections rejects crafted section geometry that would
// otherwise index or allocate outside the image.
func TestLoadMalformedSections(t *testing.T) {
	valid := newELFBuilder([]uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)})

	// patchTextShdr overwrites one 64-bit field of the .text header.
	patchTextShdr := func(img []byte, field int, v uint64) {
		shOff := binary.LittleEndian.Uint64(img[40:48])
		binary.LittleEndian.PutUint64(img[shOff+64+uint64(field):], v)
	}

	t.Run("wrapping offset", func(t *testing.T) {
		img := valid.build()
		patchTextShdr(img, 24, 0xFFFFFFFFFFFFFF00) // sh_offset
		if _, err := Load(img); !errors.Is(err, ErrInvalidSection) {
			t.Errorf("Load() = %v, want ErrInvalidSection", err)
		}
	})
	t.Run("wrapping size", func(t *testing.T) {
		img := valid.build()
		patchTextShdr(img, 32, 0xFFFFFFFFFFFFFFF0) // sh_size
		if _, err := Load(img); !errors.Is(err, ErrInvalidSection) {
			t.Errorf("Load() = %v, want ErrInvalidSection", err)
		}
	})
	t.Run("oversized nobits", func(t *testing.T) {
		b := newELFBuilder(valid.text)
		b.extra = []extraSection{
			{name: ".rodata", typ: 8, size: 1 << 40}, // SHT_NOBITS
		}
		if _, err := Load(b.build()); !errors.Is(err, ErrTooLarge) {
			t.Errorf("Load() = %v, want ErrTooLarge", err)
		}
	})
	t.Run("undersized symbol entries", func(t *testing.T) {
		b := newELFBuilder(valid.text)
		b.extra = []extraSection{
			{name: ".symtab", typ: 2, entSize: 1, data: make([]byte, 24)},
			{name: ".strtab", typ: 3, data: []byte{0}},
		}
		if _, err := Load(b.build()); !errors.Is(err, ErrInvalidELF) {
			t.Errorf("Load() = %v, want ErrInvalidELF", err)
		}
	})
	t.Run("undersized relocation entries", func(t *testing.T) {
		b := newELFBuilder(valid.text)
		b.extra = []extraSection{
			{name: ".rel.text", typ: 9, entSize: 8, data: make([]byte, 16)},
		}
		if _, err := Load(b.build()); !errors.Is(err, ErrInvalidELF) {
			t.Errorf("Load() = %v, want ErrInvalidELF", err)
		}
	})
}

// TestLoadAcceptsBPFMachine accepts the legacy machine type.
func TestLoadAcceptsBPFMachine(t *testing.T) {
	b := newELFBuilder([]uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)})
	b.machine = 247
	if _, err := Load(b.build()); err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
}
