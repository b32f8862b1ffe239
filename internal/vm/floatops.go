package vm

import "github.com/hsxvm/hsxd/internal/f16"

// execFloatOp implements FADD/FSUB/FMUL/FDIV/I2F/F2I. Half-precision
// operands/results are carried in the low 16 bits of a register
// (spec.md §4.1): FADD/FSUB/FMUL/FDIV take two f16 operands and produce an
// f16 result; I2F converts a plain signed 32-bit register value to f16;
// F2I converts an f16 register value to a plain signed 32-bit result.
// Division by zero is not a VM fault here — float32 IEEE semantics already
// produce the correctly signed infinity (or NaN for 0/0), matching
// spec.md §4.1.
func (t *Task) execFloatOp(ins Instruction) {
	switch ins.Op {
	case OpFADD, OpFSUB, OpFMUL, OpFDIV:
		a := f16.ToFloat32(uint16(*t.reg(ins.RS1)))
		b := f16.ToFloat32(uint16(*t.reg(ins.RS2)))
		var r float32
		switch ins.Op {
		case OpFADD:
			r = a + b
		case OpFSUB:
			r = a - b
		case OpFMUL:
			r = a * b
		case OpFDIV:
			r = a / b
		}
		*t.reg(ins.RD) = uint32(f16.FromFloat32(r))

	case OpI2F:
		v := int32(*t.reg(ins.RS1))
		*t.reg(ins.RD) = uint32(f16.FromFloat32(float32(v)))

	case OpF2I:
		v := f16.ToFloat32(uint16(*t.reg(ins.RS1)))
		*t.reg(ins.RD) = uint32(int32(v))
	}
}
