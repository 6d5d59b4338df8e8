package sbpf

import "fmt"

// Interpreter executes verified bytecode one instruction at a time.
type Interpreter struct {
	prog *Program
	env  *ExecEnv
}

// NewInterpreter binds a verified program to an execution environment.
func NewInterpreter(prog *Program, env *ExecEnv) *Interpreter {
	return &Interpreter{prog: prog, env: env}
}

// Run executes from the program entry point until the entry routine returns,
// a fault occurs, or the host cancels. On fault the returned error wraps one
// of the fault classes in sbpf.go; units consumed up to the fault remain
// charged to the meter.
func (ip *Interpreter) Run() (uint64, error) {
	var r [11]uint64
	EntryRegisters(&r)

	text := ip.prog.Text
	stack := ip.env.stack
	pc := int64(ip.prog.Entry)
	executed := uint64(0)

	for {
		if executed%CancelCheckInterval == 0 && ip.env.Cancelled() {
			return 0, ErrCancelled
		}
		executed++

		if pc < 0 || pc >= int64(len(text)) {
			return 0, fmt.Errorf("%w: program counter %d out of bounds", ErrInvalidInstruction, pc)
		}
		ins := Instruction(text[pc])
		op := ins.Op()
		dst := ins.Dst()
		src := ins.Src()
		off := ins.Off()
		imm := ins.Imm()

		if err := ip.env.meter.Consume(InstructionCost(op)); err != nil {
			return 0, err
		}
		if dst > 10 || src > 10 {
			return 0, fmt.Errorf("%w: register out of range at pc %d", ErrInvalidInstruction, pc)
		}

		switch op & 0x07 {
		case ClassLd:
			if op != OpLddw {
				return 0, fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrInvalidInstruction, op, pc)
			}
			if pc+1 >= int64(len(text)) {
				return 0, fmt.Errorf("%w: truncated lddw at pc %d", ErrInvalidInstruction, pc)
			}
			if dst == 10 {
				return 0, fmt.Errorf("%w: write to R10 at pc %d", ErrInvalidInstruction, pc)
			}
			hiImm := Instruction(text[pc+1]).Uimm()
			r[dst] = uint64(uint32(imm)) | uint64(hiImm)<<32
			pc++ // second slot

		case ClassAlu64:
			if dst == 10 {
				return 0, fmt.Errorf("%w: write to R10 at pc %d", ErrInvalidInstruction, pc)
			}
			operand := uint64(imm)
			if op&SrcX != 0 {
				operand = r[src]
			}
			v, err := alu64(op&0xF0, r[dst], operand)
			if err != nil {
				return 0, err
			}
			r[dst] = v

		case ClassAlu:
			if dst == 10 {
				return 0, fmt.Errorf("%w: write to R10 at pc %d", ErrInvalidInstruction, pc)
			}
			operand := uint32(imm)
			if op&SrcX != 0 {
				operand = uint32(r[src])
			}
			v, err := alu32(op&0xF0, uint32(r[dst]), operand)
			if err != nil {
				return 0, err
			}
			r[dst] = uint64(v)

		case ClassLdx:
			if dst == 10 {
				return 0, fmt.Errorf("%w: write to R10 at pc %d", ErrInvalidInstruction, pc)
			}
			addr := r[src] + uint64(off)
			var v uint64
			var err error
			switch op & 0x18 {
			case SizeB:
				var b uint8
				b, err = ip.env.Read8(addr)
				v = uint64(b)
			case SizeH:
				var h uint16
				h, err = ip.env.Read16(addr)
				v = uint64(h)
			case SizeW:
				var w uint32
				w, err = ip.env.Read32(addr)
				v = uint64(w)
			case SizeDW:
				v, err = ip.env.Read64(addr)
			}
			if err != nil {
				return 0, err
			}
			r[dst] = v

		case ClassSt, ClassStx:
			addr := r[dst] + uint64(off)
			v := uint64(imm)
			if op&0x07 == ClassStx {
				v = r[src]
			}
			var err error
			switch op & 0x18 {
			case SizeB:
				err = ip.env.Write8(addr, uint8(v))
			case SizeH:
				err = ip.env.Write16(addr, uint16(v))
			case SizeW:
				err = ip.env.Write32(addr, uint32(v))
			case SizeDW:
				err = ip.env.Write64(addr, v)
			}
			if err != nil {
				return 0, err
			}

		case ClassJmp, ClassJmp32:
			switch op & 0xF0 {
			case JmpJa:
				pc += int64(off)

			case JmpCall:
				hash := uint32(imm)
				if sc, ok := ip.env.LookupSyscall(hash); ok {
					result, err := sc.Invoke(ip.env, r[1], r[2], r[3], r[4], r[5])
					if err != nil {
						return 0, err
					}
					r[0] = result
				} else if target, ok := ip.prog.Functions[hash]; ok {
					if err := stack.Push(r[:], pc+1); err != nil {
						return 0, err
					}
					pc = int64(target)
					continue
				} else if src == 1 {
					// pc-relative call
					if err := stack.Push(r[:], pc+1); err != nil {
						return 0, err
					}
					pc = pc + int64(imm) + 1
					continue
				} else {
					return 0, fmt.Errorf("%w: 0x%08x at pc %d", ErrUnknownSyscall, hash, pc)
				}

			case JmpExit:
				retAddr, ok := stack.Pop(r[:])
				if !ok {
					return r[0], nil
				}
				pc = retAddr
				continue

			default:
				operand := uint64(imm)
				if op&SrcX != 0 {
					operand = r[src]
				}
				var taken bool
				if op&0x07 == ClassJmp {
					taken = jumpTaken64(op&0xF0, r[dst], operand)
				} else {
					taken = jumpTaken32(op&0xF0, uint32(r[dst]), uint32(operand))
				}
				if taken {
					pc += int64(off)
				}
			}
		}

		pc++
	}
}

// alu64 evaluates a 64-bit ALU operation. The operand is the sign-extended
// immediate or the source register value.
func alu64(aop uint8, a, b uint64) (uint64, error) {
	switch aop {
	case AluAdd:
		return a + b, nil
	case AluSub:
		return a - b, nil
	case AluMul:
		return a * b, nil
	case AluDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	case AluOr:
		return a | b, nil
	case AluAnd:
		return a & b, nil
	case AluLsh:
		return a << (b & 63), nil
	case AluRsh:
		return a >> (b & 63), nil
	case AluNeg:
		return uint64(-int64(a)), nil
	case AluMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a % b, nil
	case AluXor:
		return a ^ b, nil
	case AluMov:
		return b, nil
	case AluArsh:
		return uint64(int64(a) >> (b & 63)), nil
	}
	return 0, fmt.Errorf("%w: alu operation 0x%02x", ErrInvalidInstruction, aop)
}

// alu32 evaluates a 32-bit ALU operation; the result is zero-extended.
func alu32(aop uint8, a, b uint32) (uint32, error) {
	switch aop {
	case AluAdd:
		return a + b, nil
	case AluSub:
		return a - b, nil
	case AluMul:
		return a * b, nil
	case AluDiv:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a / b, nil
	case AluOr:
		return a | b, nil
	case AluAnd:
		return a & b, nil
	case AluLsh:
		return a << (b & 31), nil
	case AluRsh:
		return a >> (b & 31), nil
	case AluNeg:
		return uint32(-int32(a)), nil
	case AluMod:
		if b == 0 {
			return 0, ErrDivisionByZero
		}
		return a % b, nil
	case AluXor:
		return a ^ b, nil
	case AluMov:
		return b, nil
	case AluArsh:
		return uint32(int32(a) >> (b & 31)), nil
	}
	return 0, fmt.Errorf("%w: alu operation 0x%02x", ErrInvalidInstruction, aop)
}

// jumpTaken64 evaluates a 64-bit branch condition.
func jumpTaken64(jop uint8, a, b uint64) bool {
	switch jop {
	case JmpJeq:
		return a == b
	case JmpJgt:
		return a > b
	case JmpJge:
		return a >= b
	case JmpJset:
		return a&b != 0
	case JmpJne:
		return a != b
	case JmpJsgt:
		return int64(a) > int64(b)
	case JmpJsge:
		return int64(a) >= int64(b)
	case JmpJlt:
		return a < b
	case JmpJle:
		return a <= b
	case JmpJslt:
		return int64(a) < int64(b)
	case JmpJsle:
		return int64(a) <= int64(b)
	}
	return false
}

// jumpTaken32 evaluates a 32-bit branch condition.
func jumpTaken32(jop uint8, a, b uint32) bool {
	switch jop {
	case JmpJeq:
		return a == b
	case JmpJgt:
		return a > b
	case JmpJge:
		return a >= b
	case JmpJset:
		return a&b != 0
	case JmpJne:
		return a != b
	case JmpJsgt:
		return int32(a) > int32(b)
	case JmpJsge:
		return int32(a) >= int32(b)
	case JmpJlt:
		return a < b
	case JmpJle:
		return a <= b
	case JmpJslt:
		return int32(a) < int32(b)
	case JmpJsle:
		return int32(a) <= int32(b)
	}
	return false
}
