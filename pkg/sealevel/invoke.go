package sealevel

import (
	"fmt"
	"sync/atomic"

	"github.com/fortiblox/sealevel/internal/types"
	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
	"github.com/fortiblox/sealevel/pkg/sealevel/syscall"
)

// InvokeContext carries the state of one transaction: the shared compute
// meter, the account set, program logs, return data and the invocation
// stack. It is single-threaded by design; only Cancel may be called from
// another goroutine.
type InvokeContext struct {
	machine  *Machine
	accounts []*Account
	meter    *sbpf.ComputeMeter
	cancel   atomic.Bool

	programs map[types.Pubkey]*Program
	frames   []frame

	logs         []string
	returnData   []byte
	returnDataID [32]byte

	freed bool
}

// frame is one level of the invocation stack: the executing program and the
// effective account permissions at this depth.
type frame struct {
	program  *Program
	accounts []InstructionAccount
}

// InstructionResult reports one completed instruction.
type InstructionResult struct {
	// Return is the value left in r0 by the program.
	Return uint64

	// UnitsConsumed is the number of compute units this instruction and its
	// nested invocations charged to the transaction meter.
	UnitsConsumed uint64
}

// NewInvokeContext starts a transaction over the given accounts with a
// fresh meter funded from the machine's compute budget.
func (m *Machine) NewInvokeContext(accounts []*Account) *InvokeContext {
	return &InvokeContext{
		machine:  m,
		accounts: accounts,
		meter:    sbpf.NewComputeMeter(m.cfg.ComputeBudget),
		programs: make(map[types.Pubkey]*Program),
	}
}

// RegisterProgram makes a program reachable by nested invocation under the
// given id for the lifetime of this context.
func (ic *InvokeContext) RegisterProgram(key types.Pubkey, p *Program) {
	ic.programs[key] = p
}

// Cancel requests cooperative cancellation. The running program observes it
// at the next poll and faults; the transaction cannot be resumed.
func (ic *InvokeContext) Cancel() { ic.cancel.Store(true) }

// ComputeMeter returns the transaction meter.
func (ic *InvokeContext) ComputeMeter() *sbpf.ComputeMeter { return ic.meter }

// Logs returns the messages logged so far, across all invocation levels.
func (ic *InvokeContext) Logs() []string { return ic.logs }

// Depth returns the current invocation depth: 0 outside ProcessInstruction,
// 1 while a top-level instruction runs.
func (ic *InvokeContext) Depth() int { return len(ic.frames) }

// Free invalidates the context. Processing on a freed context fails.
func (ic *InvokeContext) Free() {
	ic.freed = true
	ic.programs = nil
}

// ProcessInstruction executes one instruction of the transaction: the
// program, the accounts it may touch with their permissions, and the
// instruction data.
//
// A call that would exceed the nesting limit fails without touching the
// invocation stack, so the caller continues at its own depth. Runtime
// faults propagate with the meter reflecting everything consumed up to the
// fault; on budget overrun the meter is already pinned to zero.
func (ic *InvokeContext) ProcessInstruction(p *Program, accounts []InstructionAccount, data []byte) (*InstructionResult, error) {
	return ic.processInstruction(p, accounts, data, nil)
}

func (ic *InvokeContext) processInstruction(p *Program, accounts []InstructionAccount, data []byte, grantedSigners map[types.Pubkey]bool) (*InstructionResult, error) {
	if ic.freed {
		return nil, fmt.Errorf("invoke context: %w", ErrFreed)
	}
	if p == nil || p.freed.Load() {
		return nil, fmt.Errorf("program: %w", ErrFreed)
	}
	if len(ic.frames) >= ic.machine.cfg.MaxInvokeDepth {
		return nil, depthError(len(ic.frames), ic.machine.cfg.MaxInvokeDepth)
	}

	for _, meta := range accounts {
		if meta.Index < 0 || meta.Index >= len(ic.accounts) {
			return nil, fmt.Errorf("%w: %d", ErrAccountIndex, meta.Index)
		}
	}
	if err := ic.checkEscalation(accounts, grantedSigners); err != nil {
		return nil, err
	}

	ic.frames = append(ic.frames, frame{program: p, accounts: accounts})
	defer func() { ic.frames = ic.frames[:len(ic.frames)-1] }()

	r0, units, err := ic.runProgram(p, accounts, data)
	if err != nil {
		return nil, err
	}
	return &InstructionResult{Return: r0, UnitsConsumed: units}, nil
}

// Execute runs a program against the context as it stands, without
// advancing the invocation state machine: no frame is pushed, no depth or
// permission check applies, and Depth is unchanged while the program runs.
// Intended for read-only and simulation calls. Returns the compute units
// the run charged to the transaction meter, on success and on fault alike.
func (ic *InvokeContext) Execute(p *Program, accounts []InstructionAccount, data []byte) (uint64, error) {
	if ic.freed {
		return 0, fmt.Errorf("invoke context: %w", ErrFreed)
	}
	if p == nil || p.freed.Load() {
		return 0, fmt.Errorf("program: %w", ErrFreed)
	}
	for _, meta := range accounts {
		if meta.Index < 0 || meta.Index >= len(ic.accounts) {
			return 0, fmt.Errorf("%w: %d", ErrAccountIndex, meta.Index)
		}
	}

	_, units, err := ic.runProgram(p, accounts, data)
	return units, err
}

// runProgram serializes the input, maps the requested account regions and
// executes the program on the compiled artifact when present, on the
// interpreter otherwise. Returns r0 and the units charged to the
// transaction meter; on fault the units reflect what was consumed up to it.
func (ic *InvokeContext) runProgram(p *Program, accounts []InstructionAccount, data []byte) (uint64, uint64, error) {
	input := serializeInput(p.key, ic.accounts, accounts, data)
	env, err := sbpf.NewExecEnv(p.prog, sbpf.EnvConfig{
		HeapSize: ic.machine.cfg.HeapSize,
		Input:    input,
		Meter:    ic.meter,
		Syscalls: p.syscalls.Lookup(),
		Context:  ic,
		Cancel:   &ic.cancel,
	})
	if err != nil {
		return 0, 0, err
	}
	for i, meta := range accounts {
		if err := env.MapAccount(i, ic.accounts[meta.Index].Data, meta.IsWritable); err != nil {
			return 0, 0, err
		}
	}

	before := ic.meter.Consumed()
	var r0 uint64
	if artifact := p.artifact.Load(); artifact != nil {
		r0, err = artifact.Run(env)
	} else {
		r0, err = sbpf.NewInterpreter(p.prog, env).Run()
	}
	units := ic.meter.Consumed() - before
	if err != nil {
		return 0, units, fmt.Errorf("program %s: %w", p.key, err)
	}
	return r0, units, nil
}

// checkEscalation enforces non-expanding permissions: below the top level,
// every requested permission must be held by the caller for the same
// transaction account, unless granted by derived-address signing.
func (ic *InvokeContext) checkEscalation(accounts []InstructionAccount, grantedSigners map[types.Pubkey]bool) error {
	if len(ic.frames) == 0 {
		return nil
	}
	caller := ic.frames[len(ic.frames)-1]
	for _, meta := range accounts {
		held, ok := caller.lookup(meta.Index)
		if !ok {
			return fmt.Errorf("%w: account %s not visible to caller",
				ErrPermissionEscalation, ic.accounts[meta.Index].Key)
		}
		signerOK := held.IsSigner || grantedSigners[ic.accounts[meta.Index].Key]
		if meta.IsSigner && !signerOK {
			return fmt.Errorf("%w: signer privilege for %s",
				ErrPermissionEscalation, ic.accounts[meta.Index].Key)
		}
		if meta.IsWritable && !held.IsWritable {
			return fmt.Errorf("%w: write privilege for %s",
				ErrPermissionEscalation, ic.accounts[meta.Index].Key)
		}
	}
	return nil
}

func (f *frame) lookup(txIndex int) (InstructionAccount, bool) {
	for _, meta := range f.accounts {
		if meta.Index == txIndex {
			return meta, true
		}
	}
	return InstructionAccount{}, false
}

// syscall.InvokeContext implementation.

// Log records one program log line.
func (ic *InvokeContext) Log(msg string) {
	ic.logs = append(ic.logs, msg)
}

// LogData records raw data fields as hex log lines.
func (ic *InvokeContext) LogData(data [][]byte) {
	for _, d := range data {
		ic.logs = append(ic.logs, fmt.Sprintf("Program data: %x", d))
	}
}

// SetReturnData stores the return data of the current program.
func (ic *InvokeContext) SetReturnData(programID [32]byte, data []byte) error {
	if len(data) > syscall.MaxReturnData {
		return syscall.ErrTooMuchData
	}
	ic.returnData = append(ic.returnData[:0:0], data...)
	ic.returnDataID = programID
	return nil
}

// GetReturnData returns the most recently set return data and its producer.
func (ic *InvokeContext) GetReturnData() ([32]byte, []byte) {
	return ic.returnDataID, ic.returnData
}

// ConsumeCU charges the transaction meter.
func (ic *InvokeContext) ConsumeCU(cost uint64) error {
	return ic.meter.Consume(cost)
}

// RemainingCU reports the units left in the transaction budget.
func (ic *InvokeContext) RemainingCU() uint64 {
	return ic.meter.Remaining()
}

// GetProgramID returns the id of the currently executing program.
func (ic *InvokeContext) GetProgramID() [32]byte {
	if len(ic.frames) == 0 {
		return [32]byte{}
	}
	return ic.frames[len(ic.frames)-1].program.key
}

// GetCallerProgramID returns the id of the program one level up, if any.
func (ic *InvokeContext) GetCallerProgramID() ([32]byte, bool) {
	if len(ic.frames) < 2 {
		return [32]byte{}, false
	}
	return ic.frames[len(ic.frames)-2].program.key, true
}

// GetStackHeight returns the invocation depth seen by the running program.
func (ic *InvokeContext) GetStackHeight() uint64 {
	return uint64(len(ic.frames))
}

// InvokeProgram implements nested invocation for the invoke syscalls. The
// target must have been registered on this context. Seeds, when present,
// grant signer privilege to the address they derive under the calling
// program.
func (ic *InvokeContext) InvokeProgram(programID [32]byte, metas []syscall.AccountMeta, data []byte, seeds [][]byte) error {
	target, ok := ic.programs[types.Pubkey(programID)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, types.Pubkey(programID))
	}

	var granted map[types.Pubkey]bool
	if len(seeds) > 0 {
		caller := ic.GetProgramID()
		pda, err := syscall.CreateProgramAddress(seeds, caller[:])
		if err != nil {
			return err
		}
		pdaKey, err := types.PubkeyFromBytes(pda)
		if err != nil {
			return err
		}
		granted = map[types.Pubkey]bool{pdaKey: true}
	}

	accounts := make([]InstructionAccount, len(metas))
	for i, meta := range metas {
		idx := ic.findAccount(meta.Pubkey)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrAccountIndex, types.Pubkey(meta.Pubkey))
		}
		accounts[i] = InstructionAccount{
			Index:      idx,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
		}
	}

	_, err := ic.processInstruction(target, accounts, data, granted)
	return err
}

func (ic *InvokeContext) findAccount(key [32]byte) int {
	for i, acc := range ic.accounts {
		if acc.Key == types.Pubkey(key) {
			return i
		}
	}
	return -1
}
