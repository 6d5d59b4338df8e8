// Package sbpf implements the Sealevel bytecode virtual machine.
//
// The VM is register based, with 11 64-bit registers (R0-R10). R10 is a
// read-only frame pointer. The instruction set follows eBPF with the
// Sealevel extensions: murmur3-hashed call targets, a frame-gapped call
// stack and a fixed virtual memory layout.
//
// Guest virtual memory is split into 4 GiB-aligned regions:
//
//	Program  (0x1_0000_0000): read-only code and data
//	Stack    (0x2_0000_0000): frame-gapped call stack
//	Heap     (0x3_0000_0000): read-write heap
//	Input    (0x4_0000_0000): read-only instruction parameters
//	Accounts (0x5_0000_0000+): one region per mapped account buffer
//
// A program is executed either by the Interpreter or by a compiled artifact
// (package jit). Both implement identical semantics; the engine guarantees
// bit-identical results, fault classification and compute unit consumption
// between the two.
package sbpf

import "errors"

// Virtual memory region base addresses.
const (
	VaddrProgram  = uint64(0x1_0000_0000)
	VaddrStack    = uint64(0x2_0000_0000)
	VaddrHeap     = uint64(0x3_0000_0000)
	VaddrInput    = uint64(0x4_0000_0000)
	VaddrAccounts = uint64(0x5_0000_0000)

	// RegionStride is the virtual address distance between region bases.
	RegionStride = uint64(0x1_0000_0000)
)

// Stack and heap limits.
const (
	StackFrameSize = 4096   // 4 KB per frame
	StackDepth     = 64     // max internal call depth
	StackGap       = 4096   // unmapped gap between frames
	HeapDefault    = 32768  // 32 KB default heap
	HeapMax        = 262144 // 256 KB max heap
)

// CancelCheckInterval is the number of executed instructions between polls
// of the cooperative cancellation flag. Both execution paths use the same
// interval so that a cancelled run faults at the same instruction.
const CancelCheckInterval = 64

// Runtime fault classes. Every execution error wraps exactly one of these.
var (
	ErrComputeExceeded    = errors.New("compute budget exceeded")
	ErrAccessViolation    = errors.New("access violation")
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrCallDepthExceeded  = errors.New("call depth exceeded")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrUnknownSyscall     = errors.New("unknown syscall")
	ErrCancelled          = errors.New("execution cancelled")
)

// Instruction-class compute costs. The cost table is a tunable policy
// parameter; it is documented here and asserted by tests, not inferred from
// any particular chain deployment.
const (
	CostALU   = uint64(1)  // simple ALU operations
	CostMul   = uint64(4)  // multiplication
	CostDiv   = uint64(12) // division and modulo
	CostLoad  = uint64(2)  // memory load
	CostStore = uint64(2)  // memory store
	CostLddw  = uint64(2)  // 64-bit immediate load
	CostJump  = uint64(1)  // jumps, taken or not
	CostCall  = uint64(5)  // calls, internal or syscall
	CostExit  = uint64(1)  // return from function or program
)

// InstructionCost returns the compute cost charged for an opcode. The charge
// is applied before the instruction executes, on both execution paths.
func InstructionCost(op uint8) uint64 {
	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		switch op & 0xF0 {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		default:
			return CostALU
		}
	case ClassLd, ClassLdx:
		if op == OpLddw {
			return CostLddw
		}
		return CostLoad
	case ClassSt, ClassStx:
		return CostStore
	case ClassJmp, ClassJmp32:
		switch op & 0xF0 {
		case JmpCall:
			return CostCall
		case JmpExit:
			return CostExit
		default:
			return CostJump
		}
	default:
		return CostALU
	}
}

// VM is the view of the running machine exposed to syscall handlers.
type VM interface {
	// VMContext returns the host context bound to this execution, typically
	// the invoke context driving the transaction.
	VMContext() interface{}

	// Memory access through the memory map, bounds and writability checked.
	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	Translate(addr uint64, size uint64, write bool) ([]byte, error)

	// Heap management for the guest allocator.
	HeapMax() uint64
	HeapSize() uint64
	UpdateHeapSize(size uint64)

	// Meter is the transaction-wide compute meter.
	Meter() *ComputeMeter
}

// Syscall is a host function callable from guest code. Arguments arrive in
// R1-R5; the return value is placed in R0.
type Syscall interface {
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc adapts a function to the Syscall interface.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallLookup resolves a murmur3 name hash to a registered syscall.
type SyscallLookup func(hash uint32) (Syscall, bool)

// Program is a loaded, verifiable bytecode image.
type Program struct {
	Text      []uint64          // instructions, one 64-bit slot each
	RO        []byte            // read-only data segment
	Entry     uint64            // entry point, instruction index
	Functions map[uint32]uint64 // internal functions: hash -> instruction index
}
