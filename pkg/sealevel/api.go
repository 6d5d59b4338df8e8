package sealevel

import (
	"github.com/fortiblox/sealevel/pkg/sealevel/syscall"
)

// API is the errno-style boundary over the engine, shaped like a C library:
// fallible calls record their outcome on the handle, Errno and Strerror
// read it back. Each goroutine gets its own API value, mirroring a
// thread-local errno; sharing one across goroutines races on the error slot.
type API struct {
	lastErr error
}

// NewAPI returns a fresh boundary handle with no error recorded.
func NewAPI() *API { return &API{} }

func (a *API) set(err error) { a.lastErr = err }

// Errno returns the code for the most recent fallible call.
func (a *API) Errno() int { return ErrnoOf(a.lastErr) }

// Strerror describes the most recent error. The bool is false exactly when
// the last call succeeded.
func (a *API) Strerror() (string, bool) { return Strerror(a.lastErr) }

// MachineNew creates an engine. Infallible; clears the error slot.
func (a *API) MachineNew(cfg Config) *Machine {
	a.set(nil)
	return NewMachine(cfg)
}

// MachineFree releases an engine handle.
func (a *API) MachineFree(m *Machine) {
	a.set(nil)
}

// InvokeContextNew starts a transaction over the given accounts.
func (a *API) InvokeContextNew(m *Machine, accounts []*Account) *InvokeContext {
	a.set(nil)
	return m.NewInvokeContext(accounts)
}

// InvokeContextFree ends a transaction and invalidates the handle.
func (a *API) InvokeContextFree(ic *InvokeContext) {
	a.set(nil)
	if ic != nil {
		ic.Free()
	}
}

// ProgramCreate loads, verifies and seals a program. The registry is
// consumed whether or not creation succeeds. Returns nil on failure with
// the error recorded.
func (a *API) ProgramCreate(m *Machine, reg *syscall.Registry, elf []byte) *Program {
	p, err := m.NewProgram(reg, elf)
	a.set(err)
	if err != nil {
		return nil
	}
	return p
}

// ProgramCompile promotes a program to the compiled execution path.
func (a *API) ProgramCompile(p *Program) {
	a.set(p.Compile())
}

// ProgramFree invalidates a program handle.
func (a *API) ProgramFree(p *Program) {
	a.set(nil)
	if p != nil {
		p.Free()
	}
}

// ProcessInstruction runs one instruction, returning the program's r0 and
// the compute units the instruction and its nested invocations charged.
// On failure both are 0 with the error recorded; the transaction meter
// keeps whatever was consumed up to the fault.
func (a *API) ProcessInstruction(ic *InvokeContext, p *Program, accounts []InstructionAccount, data []byte) (uint64, uint64) {
	res, err := ic.ProcessInstruction(p, accounts, data)
	a.set(err)
	if err != nil {
		return 0, 0
	}
	return res.Return, res.UnitsConsumed
}

// ProgramExecute runs a program against the context without advancing the
// invocation state machine and returns the compute units consumed. The
// context's depth is the same before, during and after the run.
func (a *API) ProgramExecute(ic *InvokeContext, p *Program, accounts []InstructionAccount, data []byte) uint64 {
	units, err := ic.Execute(p, accounts, data)
	a.set(err)
	return units
}
