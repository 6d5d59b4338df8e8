// Package jit translates verified bytecode ahead of execution into
// closure-threaded Go code: every instruction becomes a pre-decoded native
// closure, dispatched without per-step decoding. It is strictly an
// optimization over the interpreter and preserves its semantics exactly:
// the same bounds checks, the same per-instruction compute metering, the
// same syscall dispatch and the same fault classification. Conformance
// between the two paths is asserted by the equivalence tests in this
// package.
//
// Compilation happens at most once per program; failure is non-fatal and
// leaves the program interpretable.
package jit

import (
	"errors"
	"fmt"

	"github.com/fortiblox/sealevel/pkg/sealevel/sbpf"
)

// ErrUnsupported is returned when the image contains a construct the
// compiler cannot translate. Verified programs never trigger it.
var ErrUnsupported = errors.New("jit: unsupported instruction")

// machine is the mutable register state threaded through compiled steps.
type machine struct {
	r    [11]uint64
	pc   int64
	env  *sbpf.ExecEnv
	done bool
	ret  uint64
}

// step executes one compiled instruction. The step charges its own compute
// cost and sets m.pc to the follow-on instruction.
type step func(m *machine) error

// Artifact is a compiled program. It is immutable and may be executed many
// times against independent environments.
type Artifact struct {
	steps []step
	entry int64
}

// Compile translates a verified program. The artifact keeps no reference to
// the program text; everything is baked into the step closures.
func Compile(prog *sbpf.Program) (*Artifact, error) {
	n := int64(len(prog.Text))
	if n == 0 {
		return nil, fmt.Errorf("%w: empty text", ErrUnsupported)
	}
	steps := make([]step, n)

	for pc := int64(0); pc < n; pc++ {
		if steps[pc] != nil {
			continue // second lddw slot, already claimed
		}
		s, wide, err := compileOne(prog, pc)
		if err != nil {
			return nil, err
		}
		steps[pc] = s
		if wide {
			if pc+1 >= n {
				return nil, fmt.Errorf("%w: truncated lddw at pc %d", ErrUnsupported, pc)
			}
			// The slot is unreachable in verified code; trap if jumped to.
			at := pc + 1
			steps[at] = func(m *machine) error {
				return fmt.Errorf("%w: execution inside lddw at pc %d", sbpf.ErrInvalidInstruction, at)
			}
			pc++
		}
	}

	return &Artifact{steps: steps, entry: int64(prog.Entry)}, nil
}

// Run executes the artifact. Results, consumed units and fault classes are
// bit-identical to interpreting the same program in the same environment.
func (a *Artifact) Run(env *sbpf.ExecEnv) (uint64, error) {
	m := &machine{env: env, pc: a.entry}
	sbpf.EntryRegisters(&m.r)

	executed := uint64(0)
	for {
		if executed%sbpf.CancelCheckInterval == 0 && env.Cancelled() {
			return 0, sbpf.ErrCancelled
		}
		executed++

		if m.pc < 0 || m.pc >= int64(len(a.steps)) {
			return 0, fmt.Errorf("%w: program counter %d out of bounds", sbpf.ErrInvalidInstruction, m.pc)
		}
		if err := a.steps[m.pc](m); err != nil {
			return 0, err
		}
		if m.done {
			return m.ret, nil
		}
	}
}

// compileOne translates the instruction at pc. wide reports that the
// instruction occupies two slots (lddw).
func compileOne(prog *sbpf.Program, pc int64) (step, bool, error) {
	ins := sbpf.Instruction(prog.Text[pc])
	op := ins.Op()
	dst := int(ins.Dst())
	src := int(ins.Src())
	off := int64(ins.Off())
	imm := ins.Imm()

	cost := sbpf.InstructionCost(op)
	next := pc + 1
	if dst > 10 || src > 10 {
		return nil, false, fmt.Errorf("%w: register out of range at pc %d", ErrUnsupported, pc)
	}

	switch op & 0x07 {
	case sbpf.ClassLd:
		if op != sbpf.OpLddw {
			return nil, false, fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrUnsupported, op, pc)
		}
		if dst == 10 {
			return nil, false, fmt.Errorf("%w: write to R10 at pc %d", ErrUnsupported, pc)
		}
		if pc+1 >= int64(len(prog.Text)) {
			return nil, false, fmt.Errorf("%w: truncated lddw at pc %d", ErrUnsupported, pc)
		}
		v := uint64(uint32(imm)) | uint64(sbpf.Instruction(prog.Text[pc+1]).Uimm())<<32
		wideNext := pc + 2
		return func(m *machine) error {
			if err := m.env.Meter().Consume(cost); err != nil {
				return err
			}
			m.r[dst] = v
			m.pc = wideNext
			return nil
		}, true, nil

	case sbpf.ClassAlu64:
		if dst == 10 {
			return nil, false, fmt.Errorf("%w: write to R10 at pc %d", ErrUnsupported, pc)
		}
		evalOp, err := alu64Eval(op & 0xF0)
		if err != nil {
			return nil, false, err
		}
		fromReg := op&sbpf.SrcX != 0
		immOperand := uint64(imm)
		return func(m *machine) error {
			if err := m.env.Meter().Consume(cost); err != nil {
				return err
			}
			operand := immOperand
			if fromReg {
				operand = m.r[src]
			}
			v, err := evalOp(m.r[dst], operand)
			if err != nil {
				return err
			}
			m.r[dst] = v
			m.pc = next
			return nil
		}, false, nil

	case sbpf.ClassAlu:
		if dst == 10 {
			return nil, false, fmt.Errorf("%w: write to R10 at pc %d", ErrUnsupported, pc)
		}
		evalOp, err := alu32Eval(op & 0xF0)
		if err != nil {
			return nil, false, err
		}
		fromReg := op&sbpf.SrcX != 0
		immOperand := uint32(imm)
		return func(m *machine) error {
			if err := m.env.Meter().Consume(cost); err != nil {
				return err
			}
			operand := immOperand
			if fromReg {
				operand = uint32(m.r[src])
			}
			v, err := evalOp(uint32(m.r[dst]), operand)
			if err != nil {
				return err
			}
			m.r[dst] = uint64(v)
			m.pc = next
			return nil
		}, false, nil

	case sbpf.ClassLdx:
		if dst == 10 {
			return nil, false, fmt.Errorf("%w: write to R10 at pc %d", ErrUnsupported, pc)
		}
		size := op & 0x18
		return func(m *machine) error {
			if err := m.env.Meter().Consume(cost); err != nil {
				return err
			}
			addr := m.r[src] + uint64(off)
			var v uint64
			var err error
			switch size {
			case sbpf.SizeB:
				var b uint8
				b, err = m.env.Read8(addr)
				v = uint64(b)
			case sbpf.SizeH:
				var h uint16
				h, err = m.env.Read16(addr)
				v = uint64(h)
			case sbpf.SizeW:
				var w uint32
				w, err = m.env.Read32(addr)
				v = uint64(w)
			case sbpf.SizeDW:
				v, err = m.env.Read64(addr)
			}
			if err != nil {
				return err
			}
			m.r[dst] = v
			m.pc = next
			return nil
		}, false, nil

	case sbpf.ClassSt, sbpf.ClassStx:
		size := op & 0x18
		fromReg := op&0x07 == sbpf.ClassStx
		immValue := uint64(imm)
		return func(m *machine) error {
			if err := m.env.Meter().Consume(cost); err != nil {
				return err
			}
			addr := m.r[dst] + uint64(off)
			v := immValue
			if fromReg {
				v = m.r[src]
			}
			var err error
			switch size {
			case sbpf.SizeB:
				err = m.env.Write8(addr, uint8(v))
			case sbpf.SizeH:
				err = m.env.Write16(addr, uint16(v))
			case sbpf.SizeW:
				err = m.env.Write32(addr, uint32(v))
			case sbpf.SizeDW:
				err = m.env.Write64(addr, v)
			}
			if err != nil {
				return err
			}
			m.pc = next
			return nil
		}, false, nil

	case sbpf.ClassJmp, sbpf.ClassJmp32:
		switch op & 0xF0 {
		case sbpf.JmpJa:
			target := pc + off + 1
			return func(m *machine) error {
				if err := m.env.Meter().Consume(cost); err != nil {
					return err
				}
				m.pc = target
				return nil
			}, false, nil

		case sbpf.JmpCall:
			return compileCall(prog, pc, src, imm, cost)

		case sbpf.JmpExit:
			return func(m *machine) error {
				if err := m.env.Meter().Consume(cost); err != nil {
					return err
				}
				retAddr, ok := m.env.Stack().Pop(m.r[:])
				if !ok {
					m.done = true
					m.ret = m.r[0]
					return nil
				}
				m.pc = retAddr
				return nil
			}, false, nil

		default:
			cond, err := condEval(op)
			if err != nil {
				return nil, false, err
			}
			fromReg := op&sbpf.SrcX != 0
			immOperand := uint64(imm)
			target := pc + off + 1
			return func(m *machine) error {
				if err := m.env.Meter().Consume(cost); err != nil {
					return err
				}
				operand := immOperand
				if fromReg {
					operand = m.r[src]
				}
				if cond(m.r[dst], operand) {
					m.pc = target
				} else {
					m.pc = next
				}
				return nil
			}, false, nil
		}
	}

	return nil, false, fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrUnsupported, op, pc)
}

// compileCall translates call instructions. Syscall resolution stays
// dynamic: the registry is a property of the execution environment, not of
// the artifact.
func compileCall(prog *sbpf.Program, pc int64, src int, imm int32, cost uint64) (step, bool, error) {
	hash := uint32(imm)
	retAddr := pc + 1
	next := pc + 1

	internal, isInternal := prog.Functions[hash]
	relative := pc + int64(imm) + 1

	return func(m *machine) error {
		if err := m.env.Meter().Consume(cost); err != nil {
			return err
		}
		if sc, ok := m.env.LookupSyscall(hash); ok {
			result, err := sc.Invoke(m.env, m.r[1], m.r[2], m.r[3], m.r[4], m.r[5])
			if err != nil {
				return err
			}
			m.r[0] = result
			m.pc = next
			return nil
		}
		if isInternal {
			if err := m.env.Stack().Push(m.r[:], retAddr); err != nil {
				return err
			}
			m.pc = int64(internal)
			return nil
		}
		if src == 1 {
			if err := m.env.Stack().Push(m.r[:], retAddr); err != nil {
				return err
			}
			m.pc = relative
			return nil
		}
		return fmt.Errorf("%w: 0x%08x at pc %d", sbpf.ErrUnknownSyscall, hash, pc)
	}, false, nil
}

// alu64Eval returns the evaluator for a 64-bit ALU operation.
func alu64Eval(aop uint8) (func(a, b uint64) (uint64, error), error) {
	switch aop {
	case sbpf.AluAdd:
		return func(a, b uint64) (uint64, error) { return a + b, nil }, nil
	case sbpf.AluSub:
		return func(a, b uint64) (uint64, error) { return a - b, nil }, nil
	case sbpf.AluMul:
		return func(a, b uint64) (uint64, error) { return a * b, nil }, nil
	case sbpf.AluDiv:
		return func(a, b uint64) (uint64, error) {
			if b == 0 {
				return 0, sbpf.ErrDivisionByZero
			}
			return a / b, nil
		}, nil
	case sbpf.AluOr:
		return func(a, b uint64) (uint64, error) { return a | b, nil }, nil
	case sbpf.AluAnd:
		return func(a, b uint64) (uint64, error) { return a & b, nil }, nil
	case sbpf.AluLsh:
		return func(a, b uint64) (uint64, error) { return a << (b & 63), nil }, nil
	case sbpf.AluRsh:
		return func(a, b uint64) (uint64, error) { return a >> (b & 63), nil }, nil
	case sbpf.AluNeg:
		return func(a, b uint64) (uint64, error) { return uint64(-int64(a)), nil }, nil
	case sbpf.AluMod:
		return func(a, b uint64) (uint64, error) {
			if b == 0 {
				return 0, sbpf.ErrDivisionByZero
			}
			return a % b, nil
		}, nil
	case sbpf.AluXor:
		return func(a, b uint64) (uint64, error) { return a ^ b, nil }, nil
	case sbpf.AluMov:
		return func(a, b uint64) (uint64, error) { return b, nil }, nil
	case sbpf.AluArsh:
		return func(a, b uint64) (uint64, error) { return uint64(int64(a) >> (b & 63)), nil }, nil
	}
	return nil, fmt.Errorf("%w: alu operation 0x%02x", ErrUnsupported, aop)
}

// alu32Eval returns the evaluator for a 32-bit ALU operation.
func alu32Eval(aop uint8) (func(a, b uint32) (uint32, error), error) {
	switch aop {
	case sbpf.AluAdd:
		return func(a, b uint32) (uint32, error) { return a + b, nil }, nil
	case sbpf.AluSub:
		return func(a, b uint32) (uint32, error) { return a - b, nil }, nil
	case sbpf.AluMul:
		return func(a, b uint32) (uint32, error) { return a * b, nil }, nil
	case sbpf.AluDiv:
		return func(a, b uint32) (uint32, error) {
			if b == 0 {
				return 0, sbpf.ErrDivisionByZero
			}
			return a / b, nil
		}, nil
	case sbpf.AluOr:
		return func(a, b uint32) (uint32, error) { return a | b, nil }, nil
	case sbpf.AluAnd:
		return func(a, b uint32) (uint32, error) { return a & b, nil }, nil
	case sbpf.AluLsh:
		return func(a, b uint32) (uint32, error) { return a << (b & 31), nil }, nil
	case sbpf.AluRsh:
		return func(a, b uint32) (uint32, error) { return a >> (b & 31), nil }, nil
	case sbpf.AluNeg:
		return func(a, b uint32) (uint32, error) { return uint32(-int32(a)), nil }, nil
	case sbpf.AluMod:
		return func(a, b uint32) (uint32, error) {
			if b == 0 {
				return 0, sbpf.ErrDivisionByZero
			}
			return a % b, nil
		}, nil
	case sbpf.AluXor:
		return func(a, b uint32) (uint32, error) { return a ^ b, nil }, nil
	case sbpf.AluMov:
		return func(a, b uint32) (uint32, error) { return b, nil }, nil
	case sbpf.AluArsh:
		return func(a, b uint32) (uint32, error) { return uint32(int32(a) >> (b & 31)), nil }, nil
	}
	return nil, fmt.Errorf("%w: alu operation 0x%02x", ErrUnsupported, aop)
}

// condEval returns the branch predicate for a conditional jump opcode,
// evaluated against the full or low 32 bits per the instruction class.
func condEval(op uint8) (func(a, b uint64) bool, error) {
	wide := op&0x07 == sbpf.ClassJmp

	var c64 func(a, b uint64) bool
	switch op & 0xF0 {
	case sbpf.JmpJeq:
		c64 = func(a, b uint64) bool { return a == b }
	case sbpf.JmpJgt:
		c64 = func(a, b uint64) bool { return a > b }
	case sbpf.JmpJge:
		c64 = func(a, b uint64) bool { return a >= b }
	case sbpf.JmpJset:
		c64 = func(a, b uint64) bool { return a&b != 0 }
	case sbpf.JmpJne:
		c64 = func(a, b uint64) bool { return a != b }
	case sbpf.JmpJsgt:
		c64 = func(a, b uint64) bool { return int64(a) > int64(b) }
	case sbpf.JmpJsge:
		c64 = func(a, b uint64) bool { return int64(a) >= int64(b) }
	case sbpf.JmpJlt:
		c64 = func(a, b uint64) bool { return a < b }
	case sbpf.JmpJle:
		c64 = func(a, b uint64) bool { return a <= b }
	case sbpf.JmpJslt:
		c64 = func(a, b uint64) bool { return int64(a) < int64(b) }
	case sbpf.JmpJsle:
		c64 = func(a, b uint64) bool { return int64(a) <= int64(b) }
	default:
		return nil, fmt.Errorf("%w: jump operation 0x%02x", ErrUnsupported, op)
	}

	if wide {
		return c64, nil
	}
	return func(a, b uint64) bool {
		return cond32(c64, uint32(a), uint32(b))
	}, nil
}

// cond32 applies a 64-bit predicate to 32-bit operands with correct sign
// extension for the signed comparisons.
func cond32(c64 func(a, b uint64) bool, a, b uint32) bool {
	// Sign-extend so the signed predicates compare int32 semantics, and the
	// unsigned predicates still see equal high bits.
	return c64(uint64(int64(int32(a))), uint64(int64(int32(b))))
}
