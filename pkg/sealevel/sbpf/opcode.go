// Opcode definitions and instruction field decoding.

package sbpf

// Instruction class bits (bits 0-2).
const (
	ClassLd    = 0x00 // load
	ClassLdx   = 0x01 // load from register address
	ClassSt    = 0x02 // store immediate
	ClassStx   = 0x03 // store register
	ClassAlu   = 0x04 // 32-bit ALU
	ClassJmp   = 0x05 // 64-bit jump
	ClassJmp32 = 0x06 // 32-bit jump
	ClassAlu64 = 0x07 // 64-bit ALU
)

// Source bit (bit 3).
const (
	SrcK = 0x00 // immediate operand
	SrcX = 0x08 // register operand
)

// ALU operation codes (bits 4-7).
const (
	AluAdd  = 0x00
	AluSub  = 0x10
	AluMul  = 0x20
	AluDiv  = 0x30
	AluOr   = 0x40
	AluAnd  = 0x50
	AluLsh  = 0x60
	AluRsh  = 0x70
	AluNeg  = 0x80
	AluMod  = 0x90
	AluXor  = 0xa0
	AluMov  = 0xb0
	AluArsh = 0xc0
)

// Memory access size (bits 3-4 for load/store).
const (
	SizeW  = 0x00 // 32-bit word
	SizeH  = 0x08 // 16-bit half word
	SizeB  = 0x10 // byte
	SizeDW = 0x18 // 64-bit double word
)

// Memory access mode (bits 5-7 for load/store).
const (
	ModeImm = 0x00
	ModeMem = 0x60
)

// Jump operation codes (bits 4-7).
const (
	JmpJa   = 0x00 // unconditional
	JmpJeq  = 0x10 // ==
	JmpJgt  = 0x20 // > unsigned
	JmpJge  = 0x30 // >= unsigned
	JmpJset = 0x40 // &
	JmpJne  = 0x50 // !=
	JmpJsgt = 0x60 // > signed
	JmpJsge = 0x70 // >= signed
	JmpCall = 0x80 // function call
	JmpExit = 0x90 // exit
	JmpJlt  = 0xa0 // < unsigned
	JmpJle  = 0xb0 // <= unsigned
	JmpJslt = 0xc0 // < signed
	JmpJsle = 0xd0 // <= signed
)

// 64-bit ALU opcodes.
const (
	OpAdd64Imm  = ClassAlu64 | SrcK | AluAdd
	OpSub64Imm  = ClassAlu64 | SrcK | AluSub
	OpMul64Imm  = ClassAlu64 | SrcK | AluMul
	OpDiv64Imm  = ClassAlu64 | SrcK | AluDiv
	OpOr64Imm   = ClassAlu64 | SrcK | AluOr
	OpAnd64Imm  = ClassAlu64 | SrcK | AluAnd
	OpLsh64Imm  = ClassAlu64 | SrcK | AluLsh
	OpRsh64Imm  = ClassAlu64 | SrcK | AluRsh
	OpNeg64     = ClassAlu64 | AluNeg
	OpMod64Imm  = ClassAlu64 | SrcK | AluMod
	OpXor64Imm  = ClassAlu64 | SrcK | AluXor
	OpMov64Imm  = ClassAlu64 | SrcK | AluMov
	OpArsh64Imm = ClassAlu64 | SrcK | AluArsh

	OpAdd64Reg  = ClassAlu64 | SrcX | AluAdd
	OpSub64Reg  = ClassAlu64 | SrcX | AluSub
	OpMul64Reg  = ClassAlu64 | SrcX | AluMul
	OpDiv64Reg  = ClassAlu64 | SrcX | AluDiv
	OpOr64Reg   = ClassAlu64 | SrcX | AluOr
	OpAnd64Reg  = ClassAlu64 | SrcX | AluAnd
	OpLsh64Reg  = ClassAlu64 | SrcX | AluLsh
	OpRsh64Reg  = ClassAlu64 | SrcX | AluRsh
	OpMod64Reg  = ClassAlu64 | SrcX | AluMod
	OpXor64Reg  = ClassAlu64 | SrcX | AluXor
	OpMov64Reg  = ClassAlu64 | SrcX | AluMov
	OpArsh64Reg = ClassAlu64 | SrcX | AluArsh
)

// 32-bit ALU opcodes.
const (
	OpAdd32Imm  = ClassAlu | SrcK | AluAdd
	OpSub32Imm  = ClassAlu | SrcK | AluSub
	OpMul32Imm  = ClassAlu | SrcK | AluMul
	OpDiv32Imm  = ClassAlu | SrcK | AluDiv
	OpOr32Imm   = ClassAlu | SrcK | AluOr
	OpAnd32Imm  = ClassAlu | SrcK | AluAnd
	OpLsh32Imm  = ClassAlu | SrcK | AluLsh
	OpRsh32Imm  = ClassAlu | SrcK | AluRsh
	OpNeg32     = ClassAlu | AluNeg
	OpMod32Imm  = ClassAlu | SrcK | AluMod
	OpXor32Imm  = ClassAlu | SrcK | AluXor
	OpMov32Imm  = ClassAlu | SrcK | AluMov
	OpArsh32Imm = ClassAlu | SrcK | AluArsh

	OpAdd32Reg  = ClassAlu | SrcX | AluAdd
	OpSub32Reg  = ClassAlu | SrcX | AluSub
	OpMul32Reg  = ClassAlu | SrcX | AluMul
	OpDiv32Reg  = ClassAlu | SrcX | AluDiv
	OpOr32Reg   = ClassAlu | SrcX | AluOr
	OpAnd32Reg  = ClassAlu | SrcX | AluAnd
	OpLsh32Reg  = ClassAlu | SrcX | AluLsh
	OpRsh32Reg  = ClassAlu | SrcX | AluRsh
	OpMod32Reg  = ClassAlu | SrcX | AluMod
	OpXor32Reg  = ClassAlu | SrcX | AluXor
	OpMov32Reg  = ClassAlu | SrcX | AluMov
	OpArsh32Reg = ClassAlu | SrcX | AluArsh
)

// Memory opcodes.
const (
	OpLddw = 0x18 // load 64-bit immediate, occupies two slots

	OpLdxb  = ClassLdx | ModeMem | SizeB
	OpLdxh  = ClassLdx | ModeMem | SizeH
	OpLdxw  = ClassLdx | ModeMem | SizeW
	OpLdxdw = ClassLdx | ModeMem | SizeDW

	OpStb  = ClassSt | ModeMem | SizeB
	OpSth  = ClassSt | ModeMem | SizeH
	OpStw  = ClassSt | ModeMem | SizeW
	OpStdw = ClassSt | ModeMem | SizeDW

	OpStxb  = ClassStx | ModeMem | SizeB
	OpStxh  = ClassStx | ModeMem | SizeH
	OpStxw  = ClassStx | ModeMem | SizeW
	OpStxdw = ClassStx | ModeMem | SizeDW
)

// Jump opcodes.
const (
	OpJa   = ClassJmp | JmpJa
	OpCall = ClassJmp | JmpCall
	OpExit = ClassJmp | JmpExit
)

// Instruction is one encoded 64-bit instruction slot.
//
// Layout (LSB first): opcode:8, dst:4, src:4, offset:16, immediate:32.
type Instruction uint64

// Op returns the opcode.
func (i Instruction) Op() uint8 { return uint8(i & 0xFF) }

// Dst returns the destination register index.
func (i Instruction) Dst() uint8 { return uint8((i >> 8) & 0x0F) }

// Src returns the source register index.
func (i Instruction) Src() uint8 { return uint8((i >> 12) & 0x0F) }

// Off returns the signed 16-bit offset.
func (i Instruction) Off() int16 { return int16(i >> 16) }

// Imm returns the signed 32-bit immediate.
func (i Instruction) Imm() int32 { return int32(i >> 32) }

// Uimm returns the immediate zero-extended.
func (i Instruction) Uimm() uint32 { return uint32(i >> 32) }

// Encode builds an instruction slot from its fields.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// legalOpcodes is the set of opcodes the verifier accepts. Built once at
// package init from the class tables rather than enumerated by hand.
var legalOpcodes = buildLegalOpcodes()

func buildLegalOpcodes() [256]bool {
	var legal [256]bool

	aluOps := []uint8{AluAdd, AluSub, AluMul, AluDiv, AluOr, AluAnd,
		AluLsh, AluRsh, AluMod, AluXor, AluMov, AluArsh}
	for _, class := range []uint8{ClassAlu, ClassAlu64} {
		for _, aop := range aluOps {
			legal[class|SrcK|aop] = true
			legal[class|SrcX|aop] = true
		}
		legal[class|AluNeg] = true
	}

	condOps := []uint8{JmpJeq, JmpJgt, JmpJge, JmpJset, JmpJne, JmpJsgt,
		JmpJsge, JmpJlt, JmpJle, JmpJslt, JmpJsle}
	for _, jop := range condOps {
		legal[ClassJmp|SrcK|jop] = true
		legal[ClassJmp|SrcX|jop] = true
		legal[ClassJmp32|SrcK|jop] = true
		legal[ClassJmp32|SrcX|jop] = true
	}
	legal[OpJa] = true
	legal[OpCall] = true
	legal[OpExit] = true

	for _, size := range []uint8{SizeB, SizeH, SizeW, SizeDW} {
		legal[ClassLdx|ModeMem|size] = true
		legal[ClassSt|ModeMem|size] = true
		legal[ClassStx|ModeMem|size] = true
	}
	legal[OpLddw] = true

	return legal
}

// LegalOpcode reports whether op decodes to a known instruction.
func LegalOpcode(op uint8) bool { return legalOpcodes[op] }

// isJumpClass reports whether op is a control-transfer instruction with a
// pc-relative target (conditional or unconditional jump, not call/exit).
func isJumpClass(op uint8) bool {
	class := op & 0x07
	if class != ClassJmp && class != ClassJmp32 {
		return false
	}
	jop := op & 0xF0
	return jop != JmpCall && jop != JmpExit
}
