package sealevel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/sealevel/internal/types"
	"github.com/fortiblox/sealevel/pkg/sealevel/jit"
	"github.com/fortiblox/sealevel/pkg/sealevel/loader"
	"github.com/fortiblox/sealevel/pkg/sealevel/progcache"
	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
	"github.com/fortiblox/sealevel/pkg/sealevel/syscall"
)

// Program is a loaded, verified bytecode image bound to a sealed syscall
// table. Programs are immutable after creation and may be executed any
// number of times concurrently; per-execution state lives in the invoke
// context. Compile promotes later executions to the compiled path without
// changing observable behavior.
type Program struct {
	prog     *sbpf.Program
	syscalls *syscall.Sealed
	key      types.Pubkey

	compileOnce sync.Once
	artifact    atomic.Pointer[jit.Artifact]
	compileErr  error

	freed atomic.Bool
}

// NewProgram loads, verifies and seals a program from an ELF image.
//
// The registry is consumed unconditionally: after this call it is dead even
// when creation fails. Statically declared external symbols must all resolve
// against the registry; calls by bare hash are left to fault at run time.
func (m *Machine) NewProgram(reg *syscall.Registry, elf []byte) (*Program, error) {
	sealed, err := reg.Consume()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyscallRegistration, err)
	}

	exec, err := m.loadExecutable(elf)
	if err != nil {
		return nil, err
	}
	for hash, name := range exec.Externs {
		if !sealed.HasHash(hash) {
			return nil, fmt.Errorf("%w: unresolved extern %q (0x%08x)", ErrSyscallRegistration, name, hash)
		}
	}

	return &Program{
		prog:     exec.ToProgram(),
		syscalls: sealed,
		key:      types.Pubkey(blake3.Sum256(elf)),
	}, nil
}

// loadExecutable parses and verifies an ELF image, going through the program
// cache when one is configured. Cached images were verified before storage,
// so a hit skips re-verification; verification is a pure function of the
// image.
func (m *Machine) loadExecutable(elf []byte) (*loader.Executable, error) {
	cache := m.cfg.Cache
	var key [32]byte
	if cache != nil {
		key = progcache.ContentKey(elf)
		if exec, ok, err := cache.Get(key); err == nil && ok {
			return exec, nil
		}
	}

	exec, err := loader.Load(elf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}
	if err := sbpf.Verify(exec.ToProgram()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}

	if cache != nil {
		// Best effort; a failed store only costs the next load.
		_ = cache.Put(key, exec)
	}
	return exec, nil
}

// Key returns the program id this program executes under. It defaults to
// the blake3 hash of the ELF image.
func (p *Program) Key() types.Pubkey { return p.key }

// SetKey overrides the program id, typically with the address of the
// on-chain account the program was deployed to.
func (p *Program) SetKey(key types.Pubkey) { p.key = key }

// Syscalls exposes the sealed syscall table.
func (p *Program) Syscalls() *syscall.Sealed { return p.syscalls }

// Compile builds the compiled artifact for this program. Compilation
// happens at most once; repeated calls return the first outcome. After a
// successful Compile, executions use the compiled path.
func (p *Program) Compile() error {
	if p.freed.Load() {
		return ErrFreed
	}
	p.compileOnce.Do(func() {
		artifact, err := jit.Compile(p.prog)
		if err != nil {
			p.compileErr = err
			return
		}
		p.artifact.Store(artifact)
	})
	return p.compileErr
}

// Free invalidates the handle. Executing or compiling a freed program fails;
// in-flight executions are unaffected.
func (p *Program) Free() { p.freed.Store(true) }
