// Package bytecode defines the stack-machine bytecode consumed by the
// graph builder, along with a decoder, a textual assembler and basic
// block partitioning.
//
// Every value occupies one operand stack slot and one local slot,
// regardless of its width. Arithmetic is typed: the i-prefixed
// instructions operate on 32-bit values and the l-prefixed ones on
// 64-bit values. Array references and exception values are 64-bit.
//
// Multi-byte operands are big-endian. Branch offsets are signed 16-bit
// values relative to the branch instruction.
package bytecode

import "fmt"

type Opcode uint8

const (
	Nop Opcode = iota
	IConst
	LConst
	Load
	Store

	IAdd
	ISub
	IMul
	IDiv
	IRem
	IAnd
	IOr
	IXor
	IShl
	IShr
	IUShr
	INeg

	LAdd
	LSub
	LMul
	LDiv
	LRem
	LAnd
	LOr
	LXor
	LShl
	LShr
	LUShr
	LNeg

	I2L
	L2I
	LCmp

	IfEq
	IfNe
	IfLt
	IfGe
	IfGt
	IfLe
	IfICmpEq
	IfICmpNe
	IfICmpLt
	IfICmpGe
	IfICmpGt
	IfICmpLe
	Goto

	IReturn
	LReturn
	Return

	Pop
	Dup
	Swap

	GetStatic
	PutStatic
	IALoad
	IAStore
	InvokeStatic
	AThrow

	numOpcodes
)

type operand uint8

const (
	noOperand operand = iota
	u8Operand
	u16Operand
	s16Operand
	s32Operand
	s64Operand
)

var operandSize = [...]int{
	noOperand:  0,
	u8Operand:  1,
	u16Operand: 2,
	s16Operand: 2,
	s32Operand: 4,
	s64Operand: 8,
}

type opcodeInfo struct {
	name    string
	operand operand
	branch  bool
	// control never falls through to the next instruction
	terminal bool
	throws   bool
}

var opcodes = [numOpcodes]opcodeInfo{
	Nop:    {name: "nop"},
	IConst: {name: "iconst", operand: s32Operand},
	LConst: {name: "lconst", operand: s64Operand},
	Load:   {name: "load", operand: u8Operand},
	Store:  {name: "store", operand: u8Operand},

	IAdd:  {name: "iadd"},
	ISub:  {name: "isub"},
	IMul:  {name: "imul"},
	IDiv:  {name: "idiv", throws: true},
	IRem:  {name: "irem", throws: true},
	IAnd:  {name: "iand"},
	IOr:   {name: "ior"},
	IXor:  {name: "ixor"},
	IShl:  {name: "ishl"},
	IShr:  {name: "ishr"},
	IUShr: {name: "iushr"},
	INeg:  {name: "ineg"},

	LAdd:  {name: "ladd"},
	LSub:  {name: "lsub"},
	LMul:  {name: "lmul"},
	LDiv:  {name: "ldiv", throws: true},
	LRem:  {name: "lrem", throws: true},
	LAnd:  {name: "land"},
	LOr:   {name: "lor"},
	LXor:  {name: "lxor"},
	LShl:  {name: "lshl"},
	LShr:  {name: "lshr"},
	LUShr: {name: "lushr"},
	LNeg:  {name: "lneg"},

	I2L:  {name: "i2l"},
	L2I:  {name: "l2i"},
	LCmp: {name: "lcmp"},

	IfEq:     {name: "ifeq", operand: s16Operand, branch: true},
	IfNe:     {name: "ifne", operand: s16Operand, branch: true},
	IfLt:     {name: "iflt", operand: s16Operand, branch: true},
	IfGe:     {name: "ifge", operand: s16Operand, branch: true},
	IfGt:     {name: "ifgt", operand: s16Operand, branch: true},
	IfLe:     {name: "ifle", operand: s16Operand, branch: true},
	IfICmpEq: {name: "if_icmpeq", operand: s16Operand, branch: true},
	IfICmpNe: {name: "if_icmpne", operand: s16Operand, branch: true},
	IfICmpLt: {name: "if_icmplt", operand: s16Operand, branch: true},
	IfICmpGe: {name: "if_icmpge", operand: s16Operand, branch: true},
	IfICmpGt: {name: "if_icmpgt", operand: s16Operand, branch: true},
	IfICmpLe: {name: "if_icmple", operand: s16Operand, branch: true},
	Goto:     {name: "goto", operand: s16Operand, branch: true, terminal: true},

	IReturn: {name: "ireturn", terminal: true},
	LReturn: {name: "lreturn", terminal: true},
	Return:  {name: "return", terminal: true},

	Pop:  {name: "pop"},
	Dup:  {name: "dup"},
	Swap: {name: "swap"},

	GetStatic:    {name: "getstatic", operand: u16Operand},
	PutStatic:    {name: "putstatic", operand: u16Operand},
	IALoad:       {name: "iaload", throws: true},
	IAStore:      {name: "iastore", throws: true},
	InvokeStatic: {name: "invokestatic", operand: u16Operand, throws: true},
	AThrow:       {name: "athrow", terminal: true, throws: true},
}

var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, numOpcodes)
	for op := Opcode(0); op < numOpcodes; op++ {
		m[opcodes[op].name] = op
	}
	return m
}()

func (op Opcode) String() string {
	if op < numOpcodes {
		return opcodes[op].name
	}
	return fmt.Sprintf("opcode(%d)", uint8(op))
}

// Size returns the encoded size of an instruction with this opcode.
func (op Opcode) Size() int { return 1 + operandSize[opcodes[op].operand] }

// IsBranch reports whether the instruction transfers control to a
// target given by its offset operand.
func (op Opcode) IsBranch() bool { return opcodes[op].branch }

// IsConditional reports whether the instruction is a two-way branch.
func (op Opcode) IsConditional() bool { return opcodes[op].branch && op != Goto }

// IsTerminal reports whether control never continues with the next
// instruction.
func (op Opcode) IsTerminal() bool { return opcodes[op].terminal }

// CanThrow reports whether executing the instruction may raise an
// exception.
func (op Opcode) CanThrow() bool { return opcodes[op].throws }

// Kind is the type of a value, parameter or result.
type Kind uint8

const (
	Void Kind = iota
	Int
	Long
)

// Bits returns the width of values of kind k.
func (k Kind) Bits() int {
	switch k {
	case Int:
		return 32
	case Long:
		return 64
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case Int:
		return "I"
	case Long:
		return "J"
	default:
		return "V"
	}
}

// Field is a static field. Fields are shared by every method of a
// program that refers to them.
type Field struct {
	Name string
	Kind Kind
}

func (f *Field) String() string { return f.Name }

// Handler is an entry of a method's exception table: exceptions raised
// by instructions in [Start, End) transfer control to Target, with the
// exception value as the only operand on the stack.
type Handler struct {
	Start, End, Target int
}

// Method is a unit of bytecode.
type Method struct {
	Name      string
	Params    []Kind
	Result    Kind
	MaxLocals int
	Code      []byte
	Handlers  []Handler
	// Callees and Fields are indexed by the operands of invokestatic,
	// getstatic and putstatic.
	Callees []*Method
	Fields  []*Field
	// Intrinsic names a native implementation the compiler may
	// substitute for calls to this method.
	Intrinsic string
}

func (m *Method) String() string { return m.Name }

// Signature returns the method's descriptor, such as (IJ)I.
func (m *Method) Signature() string {
	s := "("
	for _, p := range m.Params {
		s += p.String()
	}
	return s + ")" + m.Result.String()
}

// HandlerFor returns the handler covering bci, if any. Earlier entries
// take precedence.
func (m *Method) HandlerFor(bci int) (Handler, bool) {
	for _, h := range m.Handlers {
		if bci >= h.Start && bci < h.End {
			return h, true
		}
	}
	return Handler{}, false
}
