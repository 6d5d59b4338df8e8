// Package sealevel is the execution engine for sandboxed bytecode programs.
//
// A Machine holds engine configuration and creates the two kinds of handles
// callers work with: Programs, which own a verified bytecode image and a
// sealed syscall table, and InvokeContexts, which carry the state of one
// transaction: the compute meter, the account set, logs, return data and
// the invocation stack.
//
// The package surface mirrors a C library boundary. Internal APIs return
// errors; the API type at the edge translates them to errno-style codes.
package sealevel

import (
	"errors"
	"fmt"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

// Errno codes reported at the API boundary.
const (
	ErrnoOK                  = 0
	ErrnoInvalidELF          = 1
	ErrnoSyscallRegistration = 2
	ErrnoCallDepthExceeded   = 3
	ErrnoUnknown             = -1
)

// Boundary error classes. Internal errors wrap one of these when they have
// a dedicated errno; everything else maps to ErrnoUnknown.
var (
	ErrInvalidELF          = errors.New("invalid ELF")
	ErrSyscallRegistration = errors.New("syscall registration failed")

	ErrFreed                = errors.New("use of freed handle")
	ErrProgramNotFound      = errors.New("program not found")
	ErrAccountIndex         = errors.New("account index out of range")
	ErrPermissionEscalation = errors.New("privilege escalation")
)

// ErrnoOf maps an internal error to its errno code.
func ErrnoOf(err error) int {
	switch {
	case err == nil:
		return ErrnoOK
	case errors.Is(err, ErrInvalidELF):
		return ErrnoInvalidELF
	case errors.Is(err, ErrSyscallRegistration):
		return ErrnoSyscallRegistration
	case errors.Is(err, sbpf.ErrCallDepthExceeded):
		return ErrnoCallDepthExceeded
	default:
		return ErrnoUnknown
	}
}

// Strerror returns the message for an error, and whether there is one.
// The second return is false exactly when err is nil.
func Strerror(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	return err.Error(), true
}

// depthError builds the fault for an invocation that would exceed the
// nesting limit. The caller's state is left untouched.
func depthError(depth, limit int) error {
	return fmt.Errorf("%w: invocation depth %d, limit %d", sbpf.ErrCallDepthExceeded, depth, limit)
}
