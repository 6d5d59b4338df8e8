// Package syscall implements the host function registry and the standard
// syscalls callable from guest bytecode.
//
// Syscalls are identified by the murmur3 hash of their name. Arguments
// arrive in r1-r5 and the result is placed in r0. A registry is built up
// with Register, then consumed exactly once when a program is created;
// after consumption the registry handle is dead and further registration
// or consumption fails.
package syscall

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

// Registry errors.
var (
	ErrDuplicateSyscall = errors.New("syscall already registered")
	ErrRegistryConsumed = errors.New("syscall registry already consumed")
	ErrHashCollision    = errors.New("syscall name hash collision")
)

// Registry accumulates named host functions before program creation.
// It is not safe for concurrent use.
type Registry struct {
	syscalls map[uint32]sbpf.Syscall
	names    map[uint32]string
	consumed bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		syscalls: make(map[uint32]sbpf.Syscall),
		names:    make(map[uint32]string),
	}
}

// Register binds a host function to a syscall name. Registering the same
// name twice, or a name whose hash collides with an earlier one, fails.
func (r *Registry) Register(name string, fn sbpf.SyscallFunc) error {
	if r.consumed {
		return ErrRegistryConsumed
	}
	hash := Murmur3(name)
	if prev, ok := r.names[hash]; ok {
		if prev == name {
			return fmt.Errorf("%w: %s", ErrDuplicateSyscall, name)
		}
		return fmt.Errorf("%w: %s vs %s", ErrHashCollision, name, prev)
	}
	r.syscalls[hash] = fn
	r.names[hash] = name
	return nil
}

// Has reports whether a syscall name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.names[Murmur3(name)]
	return ok
}

// Names returns the registered syscall names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Consume seals the registry and transfers its contents to the caller.
// The registry handle is dead afterwards regardless of what the caller
// does with the result.
func (r *Registry) Consume() (*Sealed, error) {
	if r.consumed {
		return nil, ErrRegistryConsumed
	}
	r.consumed = true
	s := &Sealed{syscalls: r.syscalls, names: r.names}
	r.syscalls = nil
	r.names = nil
	return s, nil
}

// Sealed is an immutable syscall table owned by a program.
type Sealed struct {
	syscalls map[uint32]sbpf.Syscall
	names    map[uint32]string
}

// Get returns a syscall by hash.
func (s *Sealed) Get(hash uint32) (sbpf.Syscall, bool) {
	sc, ok := s.syscalls[hash]
	return sc, ok
}

// HasHash reports whether a call hash resolves in this table.
func (s *Sealed) HasHash(hash uint32) bool {
	_, ok := s.syscalls[hash]
	return ok
}

// Name returns the registered name for a hash, if any.
func (s *Sealed) Name(hash uint32) (string, bool) {
	name, ok := s.names[hash]
	return name, ok
}

// Lookup returns the lookup function handed to the VM.
func (s *Sealed) Lookup() sbpf.SyscallLookup {
	return s.Get
}
