package sbpf

import (
	"errors"
	"fmt"
)

// Verification error kinds. Verification failures are load-time errors; a
// program that fails any check is never executed.
var (
	ErrVerify            = errors.New("verification failed")
	ErrNoText            = errors.New("verification failed: empty text")
	ErrBadEntry          = errors.New("verification failed: entry out of bounds")
	ErrIllegalOpcode     = errors.New("verification failed: illegal opcode")
	ErrIllegalRegister   = errors.New("verification failed: illegal register")
	ErrIllegalJumpTarget = errors.New("verification failed: illegal jump target")
	ErrTruncatedLddw     = errors.New("verification failed: truncated lddw")
	ErrUnresolvedCall    = errors.New("verification failed: unresolved call target")
)

// Verify statically checks a loaded program before execution is permitted:
// every instruction decodes to a legal opcode, register indices fit the
// register file, R10 is never a write destination, lddw pairs are complete,
// and every control transfer lands on a real instruction boundary.
//
// Verification is a pure function of the program image: the same input
// always yields the same verdict.
func Verify(p *Program) error {
	n := int64(len(p.Text))
	if n == 0 {
		return ErrNoText
	}
	if int64(p.Entry) >= n {
		return fmt.Errorf("%w: entry %d, text %d", ErrBadEntry, p.Entry, n)
	}

	// First pass: mark the second slots of lddw pairs. Jumps may not land on
	// them and they are not decoded as instructions.
	continuation := make([]bool, n)
	for pc := int64(0); pc < n; pc++ {
		if continuation[pc] {
			continue
		}
		if Instruction(p.Text[pc]).Op() == OpLddw {
			if pc+1 >= n {
				return fmt.Errorf("%w: at pc %d", ErrTruncatedLddw, pc)
			}
			continuation[pc+1] = true
		}
	}
	if continuation[p.Entry] {
		return fmt.Errorf("%w: entry %d is inside lddw", ErrBadEntry, p.Entry)
	}

	for pc := int64(0); pc < n; pc++ {
		if continuation[pc] {
			continue
		}
		ins := Instruction(p.Text[pc])
		op := ins.Op()
		if !LegalOpcode(op) {
			return fmt.Errorf("%w: 0x%02x at pc %d", ErrIllegalOpcode, op, pc)
		}

		dst, src := ins.Dst(), ins.Src()
		if dst > 10 || src > 10 {
			return fmt.Errorf("%w: dst=%d src=%d at pc %d", ErrIllegalRegister, dst, src, pc)
		}
		// R10 is read-only; only stores may name it (as the address base).
		if dst == 10 {
			switch op & 0x07 {
			case ClassSt, ClassStx:
			default:
				return fmt.Errorf("%w: write to R10 at pc %d", ErrIllegalRegister, pc)
			}
		}

		if isJumpClass(op) {
			target := pc + int64(ins.Off()) + 1
			if target < 0 || target >= n || continuation[target] {
				return fmt.Errorf("%w: pc %d -> %d", ErrIllegalJumpTarget, pc, target)
			}
		}

		if op == OpCall && src == 1 {
			target := pc + int64(ins.Imm()) + 1
			if target < 0 || target >= n || continuation[target] {
				return fmt.Errorf("%w: relative call pc %d -> %d", ErrIllegalJumpTarget, pc, target)
			}
		}
		// Calls by hash (src != 1) resolve at runtime against the program's
		// function table and the syscall registry; statically declared
		// externs are cross-checked by the loader boundary instead.
	}

	// Registered functions must point at instruction boundaries.
	for hash, target := range p.Functions {
		if int64(target) >= n || continuation[target] {
			return fmt.Errorf("%w: function 0x%08x -> %d", ErrUnresolvedCall, hash, target)
		}
	}

	return nil
}
