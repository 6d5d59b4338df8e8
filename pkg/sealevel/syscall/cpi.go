package syscall

import (
	"errors"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

// Cross-program invocation limits and costs.
const (
	MaxCPIAccountInfos     = 128
	MaxCPIInstructionSize  = 10 * 1024
	MaxCPISignerSeeds      = 16
	MaxCPISignerSeedLength = 32

	CUCPIBaseInvoke  = uint64(1000)
	CUCPIPerAccount  = uint64(10)
	CUCPIPerDataByte = uint64(1)
)

// CPI errors.
var (
	ErrCPITooManyAccounts    = errors.New("too many accounts in cross-program invocation")
	ErrCPIDataTooLarge       = errors.New("cross-program instruction data too large")
	ErrCPITooManySignerSeeds = errors.New("too many signer seeds")
	ErrCPISeedTooLong        = errors.New("signer seed too long")
)

// AccountMeta describes one account in a cross-program instruction.
type AccountMeta struct {
	Pubkey     [32]byte
	IsSigner   bool
	IsWritable bool
}

// CPIContext extends InvokeContext with nested invocation. The invocation
// machinery enforces depth and permission rules; the syscall layer only
// decodes the guest's request.
type CPIContext interface {
	InvokeContext

	// InvokeProgram runs the named program as a nested instruction with the
	// requested account permissions and instruction data. Seeds sign for
	// derived addresses and may be empty.
	InvokeProgram(programID [32]byte, accounts []AccountMeta, data []byte, seeds [][]byte) error
}

// sysInvokeSignedC implements sol_invoke_signed_c.
//
// The instruction argument follows the C layout: five 8-byte fields holding
// the program id pointer, account meta array pointer, account count, data
// pointer and data length. Each account meta is 10 bytes: pubkey pointer,
// is_writable, is_signer.
func sysInvokeSignedC(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	ctx, err := invokeContext(vm)
	if err != nil {
		return 0, err
	}
	cpi, ok := ctx.(CPIContext)
	if !ok {
		return 1, nil
	}

	programIDPtr, err := vm.Read64(r1)
	if err != nil {
		return 0, err
	}
	accountsPtr, err := vm.Read64(r1 + 8)
	if err != nil {
		return 0, err
	}
	accountsLen, err := vm.Read64(r1 + 16)
	if err != nil {
		return 0, err
	}
	dataPtr, err := vm.Read64(r1 + 24)
	if err != nil {
		return 0, err
	}
	dataLen, err := vm.Read64(r1 + 32)
	if err != nil {
		return 0, err
	}

	if accountsLen > MaxCPIAccountInfos {
		return 0, ErrCPITooManyAccounts
	}
	if dataLen > MaxCPIInstructionSize {
		return 0, ErrCPIDataTooLarge
	}
	cost := CUCPIBaseInvoke + CUCPIPerAccount*accountsLen + CUCPIPerDataByte*dataLen
	if err := ctx.ConsumeCU(cost); err != nil {
		return 0, err
	}

	var programID [32]byte
	if err := vm.Read(programIDPtr, programID[:]); err != nil {
		return 0, err
	}

	accounts := make([]AccountMeta, accountsLen)
	for i := uint64(0); i < accountsLen; i++ {
		metaAddr := accountsPtr + i*10
		pubkeyPtr, err := vm.Read64(metaAddr)
		if err != nil {
			return 0, err
		}
		if err := vm.Read(pubkeyPtr, accounts[i].Pubkey[:]); err != nil {
			return 0, err
		}
		isWritable, err := vm.Read8(metaAddr + 8)
		if err != nil {
			return 0, err
		}
		isSigner, err := vm.Read8(metaAddr + 9)
		if err != nil {
			return 0, err
		}
		accounts[i].IsWritable = isWritable != 0
		accounts[i].IsSigner = isSigner != 0
	}

	data := make([]byte, dataLen)
	if dataLen > 0 {
		if err := vm.Read(dataPtr, data); err != nil {
			return 0, err
		}
	}

	var seeds [][]byte
	if r4 != 0 && r5 > 0 {
		if r5 > MaxCPISignerSeeds {
			return 0, ErrCPITooManySignerSeeds
		}
		seeds, err = readSlicePairs(vm, r4, r5, MaxCPISignerSeedLength)
		if err != nil {
			if errors.Is(err, ErrInvalidLength) {
				return 0, ErrCPISeedTooLong
			}
			return 0, err
		}
	}

	if err := cpi.InvokeProgram(programID, accounts, data, seeds); err != nil {
		return 0, err
	}
	return 0, nil
}

// sysInvokeSignedRust shares the wire decoding with the C variant; the
// layouts agree for the fields this implementation consumes.
func sysInvokeSignedRust(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return sysInvokeSignedC(vm, r1, r2, r3, r4, r5)
}
