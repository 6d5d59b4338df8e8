package sbpf

import (
	"fmt"
	"sync/atomic"
)

// EnvConfig configures one execution environment.
type EnvConfig struct {
	// HeapSize is the initial heap size; clamped to [HeapDefault, HeapMax].
	HeapSize uint64

	// Input is the serialized instruction parameter blob, mapped read-only
	// at VaddrInput.
	Input []byte

	// Meter is the transaction-wide compute meter. Required.
	Meter *ComputeMeter

	// Syscalls resolves call-by-hash to host functions. May be nil, in which
	// case every syscall faults with ErrUnknownSyscall.
	Syscalls SyscallLookup

	// Context is the opaque host context returned by VM.VMContext.
	Context interface{}

	// Cancel, when set, is polled cooperatively during execution. May be
	// shared across executions of one transaction.
	Cancel *atomic.Bool
}

// ExecEnv is the per-execution machine state shared by the interpreter and
// compiled artifacts: the memory map, call stack, heap and metering hooks.
// It implements the VM interface handed to syscalls.
type ExecEnv struct {
	mem      *MemoryMap
	stack    *Stack
	heap     []byte
	heapSize uint64
	meter    *ComputeMeter
	syscalls SyscallLookup
	context  interface{}
	cancel   *atomic.Bool
}

// NewExecEnv builds the canonical memory layout for a program: code and
// read-only data at VaddrProgram, stack, heap, and input regions.
func NewExecEnv(prog *Program, cfg EnvConfig) (*ExecEnv, error) {
	heapSize := cfg.HeapSize
	if heapSize == 0 {
		heapSize = HeapDefault
	}
	if heapSize > HeapMax {
		heapSize = HeapMax
	}
	if cfg.Meter == nil {
		return nil, fmt.Errorf("exec env: nil compute meter")
	}

	env := &ExecEnv{
		stack:    NewStack(),
		heap:     make([]byte, heapSize),
		heapSize: heapSize,
		meter:    cfg.Meter,
		syscalls: cfg.Syscalls,
		context:  cfg.Context,
		cancel:   cfg.Cancel,
	}
	env.mem = NewMemoryMap(env.stack)

	regions := []Region{
		{Name: "program", Base: VaddrProgram, Data: prog.RO},
		{Name: "heap", Base: VaddrHeap, Data: env.heap, Writable: true},
		{Name: "input", Base: VaddrInput, Data: cfg.Input},
	}
	for _, r := range regions {
		if err := env.mem.AddRegion(r); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// MapAccount maps one account data buffer at the account region for index i,
// writable per the derived permission. The buffer aliases host memory, so
// guest writes land directly in the account.
func (e *ExecEnv) MapAccount(i int, data []byte, writable bool) error {
	return e.mem.AddRegion(Region{
		Name:     fmt.Sprintf("account[%d]", i),
		Base:     VaddrAccounts + uint64(i)*RegionStride,
		Data:     data,
		Writable: writable,
	})
}

// Cancelled reports whether the host requested cooperative cancellation.
func (e *ExecEnv) Cancelled() bool {
	return e.cancel != nil && e.cancel.Load()
}

// LookupSyscall resolves a call hash against the bound registry.
func (e *ExecEnv) LookupSyscall(hash uint32) (Syscall, bool) {
	if e.syscalls == nil {
		return nil, false
	}
	return e.syscalls(hash)
}

// Stack returns the guest call stack for this execution.
func (e *ExecEnv) Stack() *Stack { return e.stack }

// VM interface.

// VMContext returns the host context bound to this execution.
func (e *ExecEnv) VMContext() interface{} { return e.context }

// Meter returns the transaction-wide compute meter.
func (e *ExecEnv) Meter() *ComputeMeter { return e.meter }

func (e *ExecEnv) Read(addr uint64, p []byte) error       { return e.mem.read(addr, p) }
func (e *ExecEnv) Read8(addr uint64) (uint8, error)       { return e.mem.read8(addr) }
func (e *ExecEnv) Read16(addr uint64) (uint16, error)     { return e.mem.read16(addr) }
func (e *ExecEnv) Read32(addr uint64) (uint32, error)     { return e.mem.read32(addr) }
func (e *ExecEnv) Read64(addr uint64) (uint64, error)     { return e.mem.read64(addr) }
func (e *ExecEnv) Write(addr uint64, p []byte) error      { return e.mem.write(addr, p) }
func (e *ExecEnv) Write8(addr uint64, x uint8) error      { return e.mem.write8(addr, x) }
func (e *ExecEnv) Write16(addr uint64, x uint16) error    { return e.mem.write16(addr, x) }
func (e *ExecEnv) Write32(addr uint64, x uint32) error    { return e.mem.write32(addr, x) }
func (e *ExecEnv) Write64(addr uint64, x uint64) error    { return e.mem.write64(addr, x) }

// Translate resolves a guest address range for direct host access.
func (e *ExecEnv) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	return e.mem.Translate(addr, size, write)
}

// HeapMax returns the maximum heap size.
func (e *ExecEnv) HeapMax() uint64 { return HeapMax }

// HeapSize returns the current heap size.
func (e *ExecEnv) HeapSize() uint64 { return e.heapSize }

// UpdateHeapSize grows the heap up to HeapMax. Shrinking is a no-op.
func (e *ExecEnv) UpdateHeapSize(size uint64) {
	if size <= e.heapSize || size > HeapMax {
		return
	}
	grown := make([]byte, size)
	copy(grown, e.heap)
	e.heap = grown
	e.heapSize = size
	e.mem.Resize(VaddrHeap, grown)
}

// EntryRegisters initializes the register file for program entry: R1 points
// at the input region, R10 one past the first stack frame. Both execution
// paths start from this exact state.
func EntryRegisters(r *[11]uint64) {
	r[1] = VaddrInput
	r[10] = VaddrStack + StackFrameSize
}
