package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/exp/constraints"
)

// FormatError describes malformed bytecode or assembly.
type FormatError struct {
	Method string
	BCI    int
	Msg    string
}

func (e *FormatError) Error() string {
	if e.BCI < 0 {
		return fmt.Sprintf("%s: %s", e.Method, e.Msg)
	}
	return fmt.Sprintf("%s@%d: %s", e.Method, e.BCI, e.Msg)
}

// Instruction is a decoded instruction.
type Instruction struct {
	BCI int
	Op  Opcode
	// Arg is the instruction's operand: a constant, a local slot, a
	// table index or a branch offset.
	Arg int64
}

// Target returns the bytecode index a branch transfers control to.
func (ins Instruction) Target() int { return ins.BCI + int(ins.Arg) }

// Next returns the bytecode index of the following instruction.
func (ins Instruction) Next() int { return ins.BCI + ins.Op.Size() }

func (ins Instruction) String() string {
	if opcodes[ins.Op].operand == noOperand {
		return fmt.Sprintf("%d: %s", ins.BCI, ins.Op)
	}
	if ins.Op.IsBranch() {
		return fmt.Sprintf("%d: %s %d", ins.BCI, ins.Op, ins.Target())
	}
	return fmt.Sprintf("%d: %s %d", ins.BCI, ins.Op, ins.Arg)
}

func readOperand[T constraints.Integer](code []byte, size int) T {
	var u uint64
	switch size {
	case 1:
		u = uint64(code[0])
	case 2:
		u = uint64(binary.BigEndian.Uint16(code))
	case 4:
		u = uint64(binary.BigEndian.Uint32(code))
	case 8:
		u = binary.BigEndian.Uint64(code)
	}
	return T(u)
}

// Decode decodes a method's code and checks that every operand refers
// to something that exists: local slots, callees, fields and branch
// targets that start an instruction.
func Decode(m *Method) ([]Instruction, error) {
	ferr := func(bci int, format string, args ...any) error {
		return &FormatError{Method: m.Name, BCI: bci, Msg: fmt.Sprintf(format, args...)}
	}
	if len(m.Code) == 0 {
		return nil, ferr(-1, "no code")
	}
	var out []Instruction
	starts := map[int]bool{}
	for bci := 0; bci < len(m.Code); {
		op := Opcode(m.Code[bci])
		if op >= numOpcodes {
			return nil, ferr(bci, "invalid opcode %#x", uint8(op))
		}
		size := op.Size()
		if bci+size > len(m.Code) {
			return nil, ferr(bci, "truncated %s", op)
		}
		ins := Instruction{BCI: bci, Op: op}
		raw := m.Code[bci+1 : bci+size]
		switch opcodes[op].operand {
		case u8Operand:
			ins.Arg = int64(readOperand[uint8](raw, 1))
		case u16Operand:
			ins.Arg = int64(readOperand[uint16](raw, 2))
		case s16Operand:
			ins.Arg = int64(readOperand[int16](raw, 2))
		case s32Operand:
			ins.Arg = int64(readOperand[int32](raw, 4))
		case s64Operand:
			ins.Arg = readOperand[int64](raw, 8)
		}
		switch op {
		case Load, Store:
			if ins.Arg >= int64(m.MaxLocals) {
				return nil, ferr(bci, "local %d out of range", ins.Arg)
			}
		case GetStatic, PutStatic:
			if ins.Arg >= int64(len(m.Fields)) {
				return nil, ferr(bci, "field %d out of range", ins.Arg)
			}
		case InvokeStatic:
			if ins.Arg >= int64(len(m.Callees)) {
				return nil, ferr(bci, "callee %d out of range", ins.Arg)
			}
		}
		starts[bci] = true
		out = append(out, ins)
		bci += size
	}
	for _, ins := range out {
		if ins.Op.IsBranch() && !starts[ins.Target()] {
			return nil, ferr(ins.BCI, "branch to %d is not an instruction", ins.Target())
		}
	}
	last := out[len(out)-1]
	if !last.Op.IsTerminal() {
		return nil, ferr(last.BCI, "control falls off the end of the code")
	}
	for _, h := range m.Handlers {
		if !starts[h.Target] || h.Start >= h.End || !starts[h.Start] {
			return nil, ferr(-1, "invalid handler %+v", h)
		}
	}
	if len(m.Params) > m.MaxLocals {
		return nil, ferr(-1, "%d parameters exceed %d locals", len(m.Params), m.MaxLocals)
	}
	return out, nil
}

// Disassemble returns a listing of m's code.
func Disassemble(m *Method) (string, error) {
	code, err := Decode(m)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, ".method %s%s\n.locals %d\n", m.Name, m.Signature(), m.MaxLocals)
	for _, ins := range code {
		fmt.Fprintf(&sb, "\t%s\n", ins)
	}
	for _, h := range m.Handlers {
		fmt.Fprintf(&sb, ".handler %d %d %d\n", h.Start, h.End, h.Target)
	}
	sb.WriteString(".end\n")
	return sb.String(), nil
}
