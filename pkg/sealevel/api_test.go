package sealevel

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
	"github.com/fortiblox/sealevel/pkg/sealevel/syscall"
)

// buildELF assembles a minimal valid ELF image around the given text.
func buildELF(t *testing.T, text []uint64) []byte {
	t.Helper()
	strtab := []byte("\x00.text\x00.shstrtab\x00")

	textOff := uint64(64)
	textSize := uint64(len(text) * 8)
	strOff := textOff + textSize
	shOff := (strOff + uint64(len(strtab)) + 7) &^ 7

	buf := make([]byte, shOff+3*64)
	copy(buf, []byte{0x7f, 'E', 'L', 'F'})
	buf[4], buf[5], buf[6] = 2, 1, 1
	binary.LittleEndian.PutUint16(buf[16:], 2)   // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 263) // SBF
	binary.LittleEndian.PutUint64(buf[40:], shOff)
	binary.LittleEndian.PutUint16(buf[58:], 64)
	binary.LittleEndian.PutUint16(buf[60:], 3)
	binary.LittleEndian.PutUint16(buf[62:], 2)

	for i, ins := range text {
		binary.LittleEndian.PutUint64(buf[textOff+uint64(i)*8:], ins)
	}
	copy(buf[strOff:], strtab)

	shdr := func(idx int, name, typ uint32, off, size uint64) {
		base := shOff + uint64(idx)*64
		binary.LittleEndian.PutUint32(buf[base:], name)
		binary.LittleEndian.PutUint32(buf[base+4:], typ)
		binary.LittleEndian.PutUint64(buf[base+24:], off)
		binary.LittleEndian.PutUint64(buf[base+32:], size)
	}
	shdr(1, 1, 1, textOff, textSize)
	shdr(2, 7, 3, strOff, uint64(len(strtab)))
	return buf
}

func defaultRegistry(t *testing.T) *syscall.Registry {
	t.Helper()
	reg := syscall.NewRegistry()
	if err := syscall.RegisterDefaults(reg); err != nil {
		t.Fatalf("RegisterDefaults failed: %v", err)
	}
	return reg
}

// TestAPIConstantReturn creates a program from ELF bytes, runs it and
// checks the result and the exact unit charge.
func TestAPIConstantReturn(t *testing.T) {
	api := NewAPI()
	m := api.MachineNew(DefaultConfig())

	elf := buildELF(t, []uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 42),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	p := api.ProgramCreate(m, defaultRegistry(t), elf)
	if p == nil {
		msg, _ := api.Strerror()
		t.Fatalf("ProgramCreate failed: errno %d: %s", api.Errno(), msg)
	}
	if api.Errno() != ErrnoOK {
		t.Fatalf("Errno() = %d, want OK", api.Errno())
	}
	if msg, ok := api.Strerror(); ok || msg != "" {
		t.Errorf("Strerror() = %q, %v; want empty on success", msg, ok)
	}

	ic := api.InvokeContextNew(m, nil)
	r0, units := api.ProcessInstruction(ic, p, nil, nil)
	if api.Errno() != ErrnoOK {
		msg, _ := api.Strerror()
		t.Fatalf("ProcessInstruction errno %d: %s", api.Errno(), msg)
	}
	if r0 != 42 {
		t.Errorf("r0 = %d, want 42", r0)
	}
	if want := sbpf.CostALU + sbpf.CostExit; units != want {
		t.Errorf("units = %d, want %d", units, want)
	}
	if ic.ComputeMeter().Consumed() != units {
		t.Errorf("Consumed() = %d, want %d", ic.ComputeMeter().Consumed(), units)
	}
}

// TestAPIProgramExecute runs a program outside the invocation state
// machine: units are reported, depth stays put.
func TestAPIProgramExecute(t *testing.T) {
	api := NewAPI()
	m := api.MachineNew(DefaultConfig())

	elf := buildELF(t, []uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 5),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	p := api.ProgramCreate(m, defaultRegistry(t), elf)
	if p == nil {
		t.Fatalf("ProgramCreate failed, errno %d", api.Errno())
	}

	ic := api.InvokeContextNew(m, nil)
	units := api.ProgramExecute(ic, p, nil, nil)
	if api.Errno() != ErrnoOK {
		msg, _ := api.Strerror()
		t.Fatalf("ProgramExecute errno %d: %s", api.Errno(), msg)
	}
	if want := sbpf.CostALU + sbpf.CostExit; units != want {
		t.Errorf("units = %d, want %d", units, want)
	}
	if ic.Depth() != 0 {
		t.Errorf("Depth() = %d after execute, want 0", ic.Depth())
	}
}

// TestAPIOutOfBoundsAccess: a faulting program reports through errno with
// the partial unit charge retained.
func TestAPIOutOfBoundsAccess(t *testing.T) {
	api := NewAPI()
	m := api.MachineNew(DefaultConfig())

	elf := buildELF(t, []uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 1, 0, 0, 0),
		sbpf.Encode(sbpf.OpStxdw, 1, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	p := api.ProgramCreate(m, defaultRegistry(t), elf)
	if p == nil {
		t.Fatalf("ProgramCreate failed, errno %d", api.Errno())
	}

	ic := api.InvokeContextNew(m, nil)
	api.ProcessInstruction(ic, p, nil, nil)
	if api.Errno() != ErrnoUnknown {
		t.Errorf("Errno() = %d, want %d", api.Errno(), ErrnoUnknown)
	}
	if msg, ok := api.Strerror(); !ok || msg == "" {
		t.Error("Strerror() empty for a failed call")
	}
	if want := sbpf.CostALU + sbpf.CostStore; ic.ComputeMeter().Consumed() != want {
		t.Errorf("Consumed() = %d, want %d", ic.ComputeMeter().Consumed(), want)
	}
}

// TestAPIUnknownSyscall: a call to an unregistered hash loads fine and
// faults at the call site during execution.
func TestAPIUnknownSyscall(t *testing.T) {
	api := NewAPI()
	m := api.MachineNew(DefaultConfig())

	elf := buildELF(t, []uint64{
		sbpf.Encode(sbpf.OpCall, 0, 0, 0, int32(syscall.Murmur3("not_registered"))),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	p := api.ProgramCreate(m, defaultRegistry(t), elf)
	if p == nil {
		msg, _ := api.Strerror()
		t.Fatalf("ProgramCreate failed: %s", msg)
	}

	ic := api.InvokeContextNew(m, nil)
	api.ProcessInstruction(ic, p, nil, nil)
	if api.Errno() != ErrnoUnknown {
		t.Errorf("Errno() = %d, want %d", api.Errno(), ErrnoUnknown)
	}
	if ic.ComputeMeter().Consumed() != sbpf.CostCall {
		t.Errorf("Consumed() = %d, want %d", ic.ComputeMeter().Consumed(), sbpf.CostCall)
	}
}

// TestAPIInvalidELF maps loader failures to the ELF errno and still
// consumes the registry.
func TestAPIInvalidELF(t *testing.T) {
	api := NewAPI()
	m := api.MachineNew(DefaultConfig())

	reg := defaultRegistry(t)
	p := api.ProgramCreate(m, reg, []byte("not an elf"))
	if p != nil {
		t.Fatal("ProgramCreate succeeded on garbage")
	}
	if api.Errno() != ErrnoInvalidELF {
		t.Errorf("Errno() = %d, want %d", api.Errno(), ErrnoInvalidELF)
	}

	// The registry died with the failed creation.
	if err := reg.Register("late", nil); !errors.Is(err, syscall.ErrRegistryConsumed) {
		t.Errorf("Register after failed create = %v, want ErrRegistryConsumed", err)
	}
	p2 := api.ProgramCreate(m, reg, buildELF(t, []uint64{sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0)}))
	if p2 != nil || api.Errno() != ErrnoSyscallRegistration {
		t.Errorf("reuse of consumed registry: errno %d, want %d",
			api.Errno(), ErrnoSyscallRegistration)
	}
}

// TestAPIVerifierRejection maps verification failures to the ELF errno.
func TestAPIVerifierRejection(t *testing.T) {
	api := NewAPI()
	m := api.MachineNew(DefaultConfig())

	// Write to the frame pointer: loads, never verifies.
	elf := buildELF(t, []uint64{
		sbpf.Encode(sbpf.OpMov64Imm, 10, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	})
	if p := api.ProgramCreate(m, defaultRegistry(t), elf); p != nil {
		t.Fatal("ProgramCreate accepted an unverifiable program")
	}
	if api.Errno() != ErrnoInvalidELF {
		t.Errorf("Errno() = %d, want %d", api.Errno(), ErrnoInvalidELF)
	}
}

// TestErrnoMapping pins the error class to errno table.
func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ErrnoOK},
		{ErrInvalidELF, ErrnoInvalidELF},
		{ErrSyscallRegistration, ErrnoSyscallRegistration},
		{depthError(4, 4), ErrnoCallDepthExceeded},
		{sbpf.ErrAccessViolation, ErrnoUnknown},
		{sbpf.ErrComputeExceeded, ErrnoUnknown},
		{errors.New("anything else"), ErrnoUnknown},
	}
	for _, tt := range tests {
		if got := ErrnoOf(tt.err); got != tt.want {
			t.Errorf("ErrnoOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}

	if msg, ok := Strerror(nil); ok || msg != "" {
		t.Error("Strerror(nil) not empty")
	}
	if msg, ok := Strerror(ErrInvalidELF); !ok || msg == "" {
		t.Error("Strerror(err) empty")
	}
}
