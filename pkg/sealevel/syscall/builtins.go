package syscall

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

// Syscall argument errors.
var (
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoContext       = errors.New("no invoke context bound to VM")
	ErrAborted         = errors.New("program aborted")
	ErrTooMuchData     = errors.New("max return data size exceeded")
)

// Compute costs charged by syscalls, on top of the call instruction itself.
const (
	CUSyscallBase  = uint64(100)
	CULogBase      = uint64(100)
	CULogPerByte   = uint64(1)
	CUMemOpBase    = uint64(10)
	CUMemOpPerByte = uint64(1)
	CUHashBase     = uint64(85)
	CUHashPerByte  = uint64(1)
	CUCreatePDA    = uint64(1500)
	CUFindPDA      = uint64(1500)
)

// Argument limits.
const (
	MaxLogMsgLen  = 10000
	MaxReturnData = 1024
	MaxHashSlices = 100
	MaxMemOpSize  = 10 * 1024 * 1024
)

// InvokeContext is the host-side state a syscall may reach through the VM.
// The per-transaction invocation machinery implements it; syscalls obtain it
// with invokeContext at call time, never at registration time.
type InvokeContext interface {
	Log(msg string)
	LogData(data [][]byte)

	SetReturnData(programID [32]byte, data []byte) error
	GetReturnData() (programID [32]byte, data []byte)

	ConsumeCU(cost uint64) error
	RemainingCU() uint64

	GetProgramID() [32]byte
	GetCallerProgramID() ([32]byte, bool)
	GetStackHeight() uint64
}

// invokeContext extracts the invoke context bound to the running VM.
func invokeContext(vm sbpf.VM) (InvokeContext, error) {
	ctx, ok := vm.VMContext().(InvokeContext)
	if !ok {
		return nil, ErrNoContext
	}
	return ctx, nil
}

// RegisterDefaults registers the standard syscall set on a registry.
func RegisterDefaults(r *Registry) error {
	builtins := map[string]sbpf.SyscallFunc{
		"abort":                        sysAbort,
		"sol_panic_":                   sysPanic,
		"sol_log_":                     sysLog,
		"sol_log_64_":                  sysLog64,
		"sol_log_pubkey":               sysLogPubkey,
		"sol_log_compute_units_":       sysLogComputeUnits,
		"sol_log_data":                 sysLogData,
		"sol_memcpy_":                  sysMemcpy,
		"sol_memmove_":                 sysMemmove,
		"sol_memset_":                  sysMemset,
		"sol_memcmp_":                  sysMemcmp,
		"sol_alloc_free_":              sysAllocFree,
		"sol_sha256":                   hashSyscall(func() hash.Hash { return sha256.New() }),
		"sol_keccak256":                hashSyscall(sha3.NewLegacyKeccak256),
		"sol_blake3":                   hashSyscall(func() hash.Hash { return blake3.New() }),
		"sol_set_return_data":          sysSetReturnData,
		"sol_get_return_data":          sysGetReturnData,
		"sol_get_stack_height":         sysGetStackHeight,
		"sol_create_program_address":   sysCreateProgramAddress,
		"sol_try_find_program_address": sysTryFindProgramAddress,
		"sol_invoke_signed_c":          sysInvokeSignedC,
		"sol_invoke_signed_rust":       sysInvokeSignedRust,
	}
	for name, fn := range builtins {
		if err := r.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func sysAbort(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return 0, ErrAborted
}

func sysPanic(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	// r1 = filename ptr, r2 = filename len, r3 = line, r4 = column
	fileLen := r2
	if fileLen > 256 {
		fileLen = 256
	}
	filename := make([]byte, fileLen)
	if err := vm.Read(r1, filename); err != nil {
		return 0, errors.New("program panicked")
	}
	return 0, fmt.Errorf("program panicked at %s:%d:%d", filename, r3, r4)
}

func sysLog(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	msgLen := r2
	if msgLen > MaxLogMsgLen {
		msgLen = MaxLogMsgLen
	}
	if err := ctx.ConsumeCU(CULogBase + CULogPerByte*msgLen); err != nil {
		return 0, err
	}
	msg := make([]byte, msgLen)
	if err := vm.Read(r1, msg); err != nil {
		return 0, err
	}
	ctx.Log(string(msg))
	return 0, nil
}

func sysLog64(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := ctx.ConsumeCU(CULogBase); err != nil {
		return 0, err
	}
	ctx.Log(fmt.Sprintf("0x%x, 0x%x, 0x%x, 0x%x, 0x%x", r1, r2, r3, r4, r5))
	return 0, nil
}

func sysLogPubkey(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := ctx.ConsumeCU(CULogBase); err != nil {
		return 0, err
	}
	key := make([]byte, 32)
	if err := vm.Read(r1, key); err != nil {
		return 0, err
	}
	ctx.Log(base58.Encode(key))
	return 0, nil
}

func sysLogComputeUnits(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := ctx.ConsumeCU(CUSyscallBase); err != nil {
		return 0, err
	}
	ctx.Log(fmt.Sprintf("consume: remaining %d compute units", ctx.RemainingCU()))
	return 0, nil
}

func sysLogData(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	// r1 points at an array of (ptr, len) pairs, r2 is the pair count.
	if r2 == 0 || r2 > MaxHashSlices {
		return 0, ErrInvalidArgument
	}
	if err := ctx.ConsumeCU(CULogBase); err != nil {
		return 0, err
	}
	data := make([][]byte, 0, r2)
	for i := uint64(0); i < r2; i++ {
		ptr, err := vm.Read64(r1 + i*16)
		if err != nil {
			return 0, err
		}
		length, err := vm.Read64(r1 + i*16 + 8)
		if err != nil {
			return 0, err
		}
		if length > MaxLogMsgLen {
			return 0, ErrInvalidLength
		}
		if err := ctx.ConsumeCU(CULogPerByte * length); err != nil {
			return 0, err
		}
		slice := make([]byte, length)
		if err := vm.Read(ptr, slice); err != nil {
			return 0, err
		}
		data = append(data, slice)
	}
	ctx.LogData(data)
	return 0, nil
}

// chargeMemOp validates a memory operation length and charges for it.
func chargeMemOp(ctx InvokeContext, n uint64) error {
	if n > MaxMemOpSize {
		return ErrInvalidLength
	}
	return ctx.ConsumeCU(CUMemOpBase + CUMemOpPerByte*n)
}

func sysMemcpy(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return memCopy(vm, r1, r2, r3)
}

// sol_memmove_ tolerates overlap; going through a host-side staging buffer
// gives both copies move semantics.
func sysMemmove(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return memCopy(vm, r1, r2, r3)
}

func memCopy(vm sbpf.VM, dst, src, n uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := chargeMemOp(ctx, n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	buf := make([]byte, n)
	if err := vm.Read(src, buf); err != nil {
		return 0, err
	}
	if err := vm.Write(dst, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysMemset(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := chargeMemOp(ctx, r3); err != nil {
		return 0, err
	}
	if r3 == 0 {
		return 0, nil
	}
	buf := make([]byte, r3)
	for i := range buf {
		buf[i] = uint8(r2)
	}
	if err := vm.Write(r1, buf); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysMemcmp(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := chargeMemOp(ctx, r3); err != nil {
		return 0, err
	}
	var result int32
	if r3 > 0 {
		a := make([]byte, r3)
		b := make([]byte, r3)
		if err := vm.Read(r1, a); err != nil {
			return 0, err
		}
		if err := vm.Read(r2, b); err != nil {
			return 0, err
		}
		for i := range a {
			if a[i] != b[i] {
				result = int32(a[i]) - int32(b[i])
				break
			}
		}
	}
	if err := vm.Write32(r4, uint32(result)); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysAllocFree is the guest heap allocator. Allocation bumps the heap top;
// free is a no-op. Failure returns a null pointer, not an error.
func sysAllocFree(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := ctx.ConsumeCU(CUSyscallBase); err != nil {
		return 0, err
	}
	size := r1
	if size == 0 {
		return 0, nil
	}
	size = (size + 7) &^ 7

	top := vm.HeapSize()
	if top+size > vm.HeapMax() {
		return 0, nil
	}
	vm.UpdateHeapSize(top + size)
	return sbpf.VaddrHeap + top, nil
}

// hashSyscall builds a multi-slice hashing syscall around a hash
// constructor. All three hash syscalls share the calling convention:
// r1 = (ptr, len) pair array, r2 = pair count, r3 = 32-byte result pointer.
func hashSyscall(newHash func() hash.Hash) sbpf.SyscallFunc {
	return func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		ctx, err := invokeContext(vm)
		if err != nil {
			return 0, err
		}
		if r2 > MaxHashSlices {
			return 0, ErrInvalidArgument
		}
		if err := ctx.ConsumeCU(CUHashBase); err != nil {
			return 0, err
		}

		h := newHash()
		for i := uint64(0); i < r2; i++ {
			ptr, err := vm.Read64(r1 + i*16)
			if err != nil {
				return 0, err
			}
			length, err := vm.Read64(r1 + i*16 + 8)
			if err != nil {
				return 0, err
			}
			if length > MaxMemOpSize {
				return 0, ErrInvalidLength
			}
			if err := ctx.ConsumeCU(CUHashPerByte * length); err != nil {
				return 0, err
			}
			data := make([]byte, length)
			if err := vm.Read(ptr, data); err != nil {
				return 0, err
			}
			h.Write(data)
		}

		if err := vm.Write(r3, h.Sum(nil)[:32]); err != nil {
			return 0, err
		}
		return 0, nil
	}
}

func sysSetReturnData(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := ctx.ConsumeCU(CUSyscallBase); err != nil {
		return 0, err
	}
	if r2 > MaxReturnData {
		return 0, ErrTooMuchData
	}
	data := make([]byte, r2)
	if err := vm.Read(r1, data); err != nil {
		return 0, err
	}
	if err := ctx.SetReturnData(ctx.GetProgramID(), data); err != nil {
		return 0, err
	}
	return 0, nil
}

func sysGetReturnData(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := ctx.ConsumeCU(CUSyscallBase); err != nil {
		return 0, err
	}
	programID, data := ctx.GetReturnData()

	copyLen := uint64(len(data))
	if copyLen > r2 {
		copyLen = r2
	}
	if copyLen > 0 {
		if err := vm.Write(r1, data[:copyLen]); err != nil {
			return 0, err
		}
	}
	if err := vm.Write(r3, programID[:]); err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

func sysGetStackHeight(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	if err := ctx.ConsumeCU(CUSyscallBase); err != nil {
		return 0, err
	}
	return ctx.GetStackHeight(), nil
}

// readSlicePairs reads an array of (ptr, len) pairs and the bytes they
// reference. maxLen bounds each element.
func readSlicePairs(vm sbpf.VM, addr, count, maxLen uint64) ([][]byte, error) {
	out := make([][]byte, count)
	for i := uint64(0); i < count; i++ {
		ptr, err := vm.Read64(addr + i*16)
		if err != nil {
			return nil, err
		}
		length, err := vm.Read64(addr + i*16 + 8)
		if err != nil {
			return nil, err
		}
		if length > maxLen {
			return nil, ErrInvalidLength
		}
		buf := make([]byte, length)
		if length > 0 {
			if err := vm.Read(ptr, buf); err != nil {
				return nil, err
			}
		}
		out[i] = buf
	}
	return out, nil
}
